// Package config loads coopledger settings from an optional YAML file
// overlaid by COOPLEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"coopledger/internal/blob"
	blobcore "coopledger/internal/blob/core"
	"coopledger/internal/core"
	"coopledger/pkg/domain"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable holding the optional YAML file path.
const FileEnv = "COOPLEDGER_CONFIG_FILE"

// Storage selects the ledger's persistent store.
type Storage struct {
	Driver      string `yaml:"driver" env:"COOPLEDGER_STORAGE_DRIVER"`
	SQLitePath  string `yaml:"sqlite_path" env:"COOPLEDGER_SQLITE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"COOPLEDGER_POSTGRES_DSN"`
}

// Blob selects the statement archive store.
type Blob struct {
	Driver      string `yaml:"driver" env:"COOPLEDGER_BLOB_DRIVER"`
	FSRoot      string `yaml:"fs_root" env:"COOPLEDGER_BLOB_FS_ROOT"`
	S3Bucket    string `yaml:"s3_bucket" env:"COOPLEDGER_BLOB_S3_BUCKET"`
	S3Region    string `yaml:"s3_region" env:"COOPLEDGER_BLOB_S3_REGION"`
	S3Endpoint  string `yaml:"s3_endpoint" env:"COOPLEDGER_BLOB_S3_ENDPOINT"`
	S3PathStyle bool   `yaml:"s3_path_style" env:"COOPLEDGER_BLOB_S3_PATH_STYLE"`
}

// Ledger holds the identities and asset the engines are wired with.
type Ledger struct {
	NativeAsset      string `yaml:"native_asset" env:"COOPLEDGER_NATIVE_ASSET"`
	LoanEngineID     string `yaml:"loan_engine_id" env:"COOPLEDGER_LOAN_ENGINE_ID"`
	GovernanceID     string `yaml:"governance_id" env:"COOPLEDGER_GOVERNANCE_ID"`
	AdminID          string `yaml:"admin_id" env:"COOPLEDGER_ADMIN_ID"`
	MetricsNamespace string `yaml:"metrics_namespace" env:"COOPLEDGER_METRICS_NAMESPACE"`
}

// Metrics and tracing exporters.
const (
	MetricsPrometheus = "prometheus"
	MetricsExpvar     = "expvar"
	MetricsNone       = "none"

	TracerNone = "none"
	TracerJSON = "json"
	TracerOTel = "otel"
)

// Telemetry selects the metrics and tracing exporters.
type Telemetry struct {
	Metrics string `yaml:"metrics" env:"COOPLEDGER_METRICS"`
	Tracer  string `yaml:"tracer" env:"COOPLEDGER_TRACER"`
}

// Config is the full process configuration.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Blob      Blob      `yaml:"blob"`
	Ledger    Ledger    `yaml:"ledger"`
	Telemetry Telemetry `yaml:"telemetry"`
	LogLevel  string    `yaml:"log_level" env:"COOPLEDGER_LOG_LEVEL"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Storage: Storage{Driver: string(core.StorageSQLite), SQLitePath: "coopledger.db"},
		Blob:    Blob{Driver: string(blobcore.DriverFilesystem)},
		Ledger: Ledger{
			NativeAsset:      string(core.DefaultNativeAsset),
			LoanEngineID:     string(core.DefaultLoanEngineIdentity),
			GovernanceID:     string(core.DefaultGovernanceIdentity),
			AdminID:          "operator",
			MetricsNamespace: "coopledger",
		},
		Telemetry: Telemetry{Metrics: MetricsPrometheus, Tracer: TracerNone},
		LogLevel:  "info",
	}
}

// Load reads the process environment.
func Load() (Config, error) {
	return LoadFrom(env.ToMap(os.Environ()))
}

// LoadFrom applies defaults, then the YAML file named by FileEnv, then the
// variables in environ, and validates the result.
func LoadFrom(environ map[string]string) (Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(environ[FileEnv]); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	defer func() { _ = f.Close() }()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	// An empty file decodes to io.EOF and leaves the defaults in place.
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects unknown drivers, missing locations and bad log levels.
func (c Config) Validate() error {
	var errs []error
	switch core.StorageDriver(c.Storage.Driver) {
	case core.StorageMemory:
	case core.StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("sqlite path required"))
		}
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dsn required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch blobcore.Driver(c.Blob.Driver) {
	case blobcore.DriverFilesystem, blobcore.DriverMemory:
	case blobcore.DriverS3:
		if c.Blob.S3Bucket == "" {
			errs = append(errs, errors.New("s3 bucket required for the s3 blob driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if c.Ledger.NativeAsset == "" {
		errs = append(errs, errors.New("native asset required"))
	}
	if c.Ledger.LoanEngineID == "" || c.Ledger.GovernanceID == "" {
		errs = append(errs, errors.New("engine identities required"))
	} else if c.Ledger.LoanEngineID == c.Ledger.GovernanceID {
		errs = append(errs, errors.New("loan engine and governance identities must differ"))
	}
	switch c.Telemetry.Metrics {
	case MetricsPrometheus, MetricsExpvar, MetricsNone:
	default:
		errs = append(errs, fmt.Errorf("unknown metrics exporter %q", c.Telemetry.Metrics))
	}
	switch c.Telemetry.Tracer {
	case TracerNone, TracerJSON, TracerOTel:
	default:
		errs = append(errs, fmt.Errorf("unknown tracer %q", c.Telemetry.Tracer))
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	return errors.Join(errs...)
}

// StorageConfig returns the persistent store settings.
func (c Config) StorageConfig() core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
	}
}

// BlobConfig returns the archive store settings. S3 credentials come from the
// default AWS chain.
func (c Config) BlobConfig() blob.Config {
	return blob.Config{
		Driver: blobcore.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:    c.Blob.S3Bucket,
			Region:    c.Blob.S3Region,
			Endpoint:  c.Blob.S3Endpoint,
			PathStyle: c.Blob.S3PathStyle,
		},
	}
}

// ServiceOptions returns the core options derived from the ledger settings.
func (c Config) ServiceOptions() []core.Option {
	return []core.Option{
		core.WithNativeAsset(domain.AssetID(c.Ledger.NativeAsset)),
		core.WithLoanEngineIdentity(domain.Identity(c.Ledger.LoanEngineID)),
		core.WithGovernanceIdentity(domain.Identity(c.Ledger.GovernanceID)),
	}
}

// TelemetryOptions returns the metrics and tracing options for the configured
// exporters. Prometheus collectors are registered with reg and JSON spans are
// written to traceOut.
func (c Config) TelemetryOptions(reg prometheus.Registerer, traceOut io.Writer) ([]core.Option, error) {
	var opts []core.Option
	switch c.Telemetry.Metrics {
	case MetricsPrometheus:
		rec, err := core.NewPrometheusMetricsRecorder(reg, c.Ledger.MetricsNamespace)
		if err != nil {
			return nil, fmt.Errorf("prometheus metrics: %w", err)
		}
		opts = append(opts, core.WithMetricsRecorder(rec))
	case MetricsExpvar:
		opts = append(opts, core.WithMetricsRecorder(core.NewExpvarMetricsRecorder(c.Ledger.MetricsNamespace)))
	case MetricsNone:
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q", c.Telemetry.Metrics)
	}
	switch c.Telemetry.Tracer {
	case TracerJSON:
		opts = append(opts, core.WithTracer(core.NewJSONTracer(traceOut)))
	case TracerOTel:
		opts = append(opts, core.WithTracer(core.NewOTelTracer(nil)))
	case TracerNone:
	default:
		return nil, fmt.Errorf("unknown tracer %q", c.Telemetry.Tracer)
	}
	return opts, nil
}

// NewLogger builds a production zap logger at the configured level.
func (c Config) NewLogger() (*zap.Logger, zap.AtomicLevel, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = level
	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("build logger: %w", err)
	}
	return logger, level, nil
}

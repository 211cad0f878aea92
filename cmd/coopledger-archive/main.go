// Command coopledger-archive exports cooperative statements from the
// configured ledger store into the configured blob store.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"coopledger/internal/access"
	"coopledger/internal/archive"
	"coopledger/internal/blob"
	"coopledger/internal/config"
	"coopledger/internal/core"
	"coopledger/pkg/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var exitFunc = os.Exit

func main() {
	exitFunc(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{traceOut: stderr}
	defer func() { _ = a.close() }()
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

// app holds what every subcommand needs once configuration is loaded.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	store    core.PersistentStore
	archiver *archive.Archiver
	traceOut io.Writer
	as       string
}

func (a *app) caller() domain.Identity {
	if a.as != "" {
		return domain.Identity(a.as)
	}
	return domain.Identity(a.cfg.Ledger.AdminID)
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, _, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	store, err := core.OpenPersistentStore(cfg.StorageConfig(), core.NewDefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	a.store = store
	telemetry, err := cfg.TelemetryOptions(prometheus.DefaultRegisterer, a.traceOut)
	if err != nil {
		return err
	}
	opts := append(cfg.ServiceOptions(), core.WithLogger(logger))
	svc := core.NewService(store, append(opts, telemetry...)...)
	blobs, err := blob.Open(ctx, cfg.BlobConfig())
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	a.archiver = archive.New(archive.FromService(svc), blobs,
		archive.WithLogger(logger.Named("archive")),
		archive.WithRegistry(access.NewRegistry(domain.Identity(cfg.Ledger.AdminID))),
	)
	return nil
}

// close releases the ledger store; it is safe to call before open.
func (a *app) close() error {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	closer, ok := a.store.(io.Closer)
	a.store = nil
	if ok {
		return closer.Close()
	}
	return nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:          "coopledger-archive",
		Short:        "Archive cooperative statements to blob storage",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.as, "as", "", "identity to act as (default: configured admin)")
	root.AddCommand(newExportCmd(a), newListCmd(a), newPruneCmd(a))
	return root
}

func newExportCmd(a *app) *cobra.Command {
	var coop uint64
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export statements for one or all cooperatives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if coop != 0 {
				obj, err := a.archiver.Export(ctx, a.caller(), domain.CooperativeID(coop))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), obj.Key)
				return err
			}
			objs, err := a.archiver.ExportAll(ctx, a.caller())
			for _, obj := range objs {
				fmt.Fprintln(cmd.OutOrStdout(), obj.Key)
			}
			return err
		},
	}
	cmd.Flags().Uint64Var(&coop, "cooperative", 0, "cooperative id (default: all)")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var coop uint64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored statements of a cooperative",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			objs, err := a.archiver.List(cmd.Context(), a.caller(), domain.CooperativeID(coop))
			if err != nil {
				return err
			}
			for _, obj := range objs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\t%s\n", obj.Key, obj.Size, obj.StoredAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&coop, "cooperative", 0, "cooperative id")
	_ = cmd.MarkFlagRequired("cooperative")
	return cmd
}

func newPruneCmd(a *app) *cobra.Command {
	var (
		coop uint64
		keep int
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest statements of a cooperative",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			removed, err := a.archiver.Prune(cmd.Context(), a.caller(), domain.CooperativeID(coop), keep)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d\n", removed)
			return err
		},
	}
	cmd.Flags().Uint64Var(&coop, "cooperative", 0, "cooperative id")
	cmd.Flags().IntVar(&keep, "keep", 5, "statements to keep")
	_ = cmd.MarkFlagRequired("cooperative")
	return cmd
}

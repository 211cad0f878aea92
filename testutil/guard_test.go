package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recorder struct{ msg string }

func (r *recorder) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func writeGo(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestPredicates(t *testing.T) {
	cases := []struct {
		pred func(string) bool
		in   string
		want bool
	}{
		{InternalImportForbidden, "coopledger/internal/core", true},
		{InternalImportForbidden, "coopledger/pkg/domain", false},
		{InfraImportForbidden, "coopledger/internal/infra/blob/s3", true},
		{InfraImportForbidden, "coopledger/internal/blob", false},
		{ThirdPartyImport, "go.uber.org/zap", true},
		{ThirdPartyImport, "github.com/google/uuid", true},
		{ThirdPartyImport, "encoding/json", false},
		{ThirdPartyImport, "coopledger/pkg/domain", false},
		{Any(ThirdPartyImport, InternalImportForbidden), "coopledger/internal/x", true},
		{Any(), "fmt", false},
	}
	for _, c := range cases {
		if got := c.pred(c.in); got != c.want {
			t.Fatalf("predicate(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestDirectViolations(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "a.go", "package tmp\nimport (\n\t\"fmt\"\n\t\"go.uber.org/zap\"\n)\nvar _ = fmt.Sprint\nvar _ = zap.L\n")
	writeGo(t, dir, "a_test.go", "package tmp\nimport \"coopledger/internal/core\"\n")
	writeGo(t, dir, "notes.txt", "import \"coopledger/internal/core\"")
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeGo(t, filepath.Join(dir, "sub"), "b.go", "package sub\nimport \"coopledger/internal/core\"\n")

	viols, err := directViolations(dir, Any(ThirdPartyImport, InternalImportForbidden))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "go.uber.org/zap (in a.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}
	AssertNoDirectImports(t, dir, InternalImportForbidden, "only third party present")
}

func TestDirectViolationsErrors(t *testing.T) {
	if _, err := directViolations(filepath.Join(t.TempDir(), "missing"), ThirdPartyImport); err == nil {
		t.Fatalf("expected error for missing dir")
	}
	dir := t.TempDir()
	writeGo(t, dir, "bad.go", "not go at all")
	if _, err := directViolations(dir, ThirdPartyImport); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestTransitiveViolationsUsesGoList(t *testing.T) {
	orig := goListDeps
	t.Cleanup(func() { goListDeps = orig })

	goListDeps = func(string) ([]byte, error) {
		return []byte("fmt\ncoopledger/pkg/domain\n\ncoopledger/internal/core\n"), nil
	}
	viols, _, err := transitiveViolations("./...", InternalImportForbidden)
	if err != nil || len(viols) != 1 || viols[0] != "coopledger/internal/core" {
		t.Fatalf("got %v, %v", viols, err)
	}

	goListDeps = func(string) ([]byte, error) { return []byte("boom"), errors.New("exit 1") }
	if _, out, err := transitiveViolations("./...", InternalImportForbidden); err == nil || string(out) != "boom" {
		t.Fatalf("expected go list failure, got %v %q", err, out)
	}
}

func TestReport(t *testing.T) {
	var r recorder
	report(&r, "forbidden direct import", "why", nil)
	if r.msg != "" {
		t.Fatalf("unexpected failure %q", r.msg)
	}
	report(&r, "forbidden direct import", "why", []string{"a", "b"})
	if !strings.Contains(r.msg, "(why)") || !strings.HasSuffix(r.msg, "a\nb") {
		t.Fatalf("unexpected message %q", r.msg)
	}
}

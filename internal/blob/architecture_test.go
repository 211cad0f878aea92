package blob

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyBlobPackageImportsDrivers keeps driver packages behind Open. The
// ledger, archive and commands depend on core.Store only.
func TestOnlyBlobPackageImportsDrivers(t *testing.T) {
	const (
		driverPrefix = "coopledger/internal/infra/blob"
		allowed      = "coopledger/internal/blob"
	)

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "coopledger/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		path := strings.TrimSuffix(strings.Fields(pkg.ID + " ")[0], ".test")
		if path == allowed || withinPrefix(path, driverPrefix) {
			continue
		}
		for importPath := range pkg.Imports {
			if withinPrefix(importPath, driverPrefix) {
				violations = append(violations, pkg.PkgPath+" imports "+importPath)
			}
		}
	}
	sort.Strings(violations)
	for _, v := range violations {
		t.Errorf("forbidden blob driver import: %s", v)
	}
}

func withinPrefix(importPath, prefix string) bool {
	return importPath == prefix || strings.HasPrefix(importPath, prefix+"/")
}

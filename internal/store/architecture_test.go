package store

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyStorePackageImportsInfra ensures that only the top-level store
// package wraps the infra-backed providers. Other packages must depend on
// domain.TableProvider instead of importing infra packages directly.
func TestOnlyStorePackageImportsInfra(t *testing.T) {
	infraPrefix := "datacontext/internal/infra/store"
	allowedPrefix := "datacontext/internal/store"

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "datacontext/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})
	for _, pkg := range pkgs {
		if strings.HasPrefix(pkg.PkgPath, allowedPrefix) || strings.HasPrefix(pkg.PkgPath, infraPrefix) {
			continue
		}
		for importPath := range pkg.Imports {
			if isInfraImport(importPath, infraPrefix) {
				seen[filepath.Join(pkg.PkgPath, "...")+": "+importPath] = struct{}{}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import of infra store package: %s", v)
		}
		t.Fatalf("found %d forbidden imports of infra store packages", len(violations))
	}
}

func isInfraImport(importPath, prefix string) bool {
	return importPath == prefix || strings.HasPrefix(importPath, prefix+"/")
}

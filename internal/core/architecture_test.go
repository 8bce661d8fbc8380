package core

import (
	"testing"

	"datacontext/testutil"
)

// TestEngineIsDriverAgnostic ensures the unit of work reaches stores and
// caches only through the domain capabilities.
func TestEngineIsDriverAgnostic(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.DriverImportForbidden, "engine must depend on domain capabilities only")
	testutil.AssertNoTransitiveDependency(t, ".", testutil.DriverImportForbidden, "engine must not pull in store or cache drivers")
}

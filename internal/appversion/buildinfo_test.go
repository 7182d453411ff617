package appversion_test

import (
	"testing"

	"stackmem/internal/appversion"
)

func TestString_NeverEmpty(t *testing.T) {
	t.Parallel()

	// Unstamped test binaries must still report something: either the
	// module version from build info or the "dev" fallback.
	if appversion.String() == "" {
		t.Fatal("String() must not be empty")
	}
}

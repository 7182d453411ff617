// Package appversion reports the binary's version string.
package appversion

import "runtime/debug"

// version is stamped by the release build via
// -ldflags "-X stackmem/internal/appversion.version=...".
var version = "" //nolint:gochecknoglobals // ldflags target must be a package-level var

// String returns the stamped version. Unstamped builds (go install, go
// run) fall back to the module version recorded in the build info, then
// to "dev".
func String() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}

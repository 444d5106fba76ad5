package registry

import (
	"strings"

	"github.com/coreos/go-semver/semver"
)

// compareVersions orders two version strings by semver. Unparseable versions
// sort below parseable ones, then lexically.
func compareVersions(a, b string) int {
	va, errA := semver.NewVersion(strings.TrimPrefix(a, "v"))
	vb, errB := semver.NewVersion(strings.TrimPrefix(b, "v"))
	switch {
	case errA == nil && errB == nil:
		if va.LessThan(*vb) {
			return -1
		}
		if vb.LessThan(*va) {
			return 1
		}
		return 0
	case errA == nil:
		return 1
	case errB == nil:
		return -1
	default:
		return strings.Compare(a, b)
	}
}

// caretSatisfies reports whether candidate satisfies ^want: same major
// version and not older.
func caretSatisfies(candidate, want string) bool {
	vc, err := semver.NewVersion(strings.TrimPrefix(candidate, "v"))
	if err != nil {
		return false
	}
	vw, err := semver.NewVersion(strings.TrimPrefix(want, "v"))
	if err != nil {
		return false
	}
	return vc.Major == vw.Major && !vc.LessThan(*vw)
}

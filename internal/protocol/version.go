package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a protocol version negotiated during the handshake.
type Version struct {
	Major int
	Minor int
	Patch int
}

var (
	V3_0_0 = Version{Major: 3, Minor: 0, Patch: 0}
	// V3_1_0 adds the observable timestamp to every response header.
	V3_1_0 = Version{Major: 3, Minor: 1, Patch: 0}

	// CurrentVersion is proposed first by clients.
	CurrentVersion = V3_1_0

	// SupportedVersions lists versions this codec speaks, newest first.
	SupportedVersions = []Version{V3_1_0, V3_0_0}
)

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 depending on whether v is older than, equal to
// or newer than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		return cmpInt(v.Major, o.Major)
	case v.Minor != o.Minor:
		return cmpInt(v.Minor, o.Minor)
	default:
		return cmpInt(v.Patch, o.Patch)
	}
}

// IsSupported reports whether v is listed in SupportedVersions.
func (v Version) IsSupported() bool {
	for _, s := range SupportedVersions {
		if s == v {
			return true
		}
	}
	return false
}

func (v Version) hasObservableTimestamp() bool {
	return v.Compare(V3_1_0) >= 0
}

// ParseVersion parses "major.minor.patch". Missing trailing parts are zero.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 3 || parts[0] == "" {
		return Version{}, fmt.Errorf("invalid protocol version %q", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid protocol version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

func cmpInt(a, b int) int {
	if a < b {
		return -1
	}
	return 1
}

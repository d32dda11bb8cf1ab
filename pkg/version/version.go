// Package version provides the SDK version and the product info string
// sent to the hub.
package version

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// Current is the SDK release.
const Current = "0.4.0"

// Name is the product name reported to the hub.
const Name = "hubconnect-go"

// SDKVersion represents a parsed "major.minor.patch" release.
type SDKVersion struct {
	Major uint16
	Minor uint16
	Patch uint16
}

// Parse parses a "major.minor.patch" version string.
func Parse(s string) (SDKVersion, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return SDKVersion{}, fmt.Errorf("invalid version %q: expected major.minor.patch", s)
	}

	var nums [3]uint16
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || p == "" {
			return SDKVersion{}, fmt.Errorf("invalid version %q: bad component %q", s, p)
		}
		nums[i] = uint16(n)
	}
	return SDKVersion{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// String returns the version as "major.minor.patch".
func (v SDKVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible returns true if the other version has the same major version.
func (v SDKVersion) Compatible(other SDKVersion) bool {
	return v.Major == other.Major
}

// ProductInfo returns the user agent sent on every connection,
// "hubconnect-go/0.4.0 (go1.25.5; linux; amd64)". A non-empty extra is
// appended as the application's own product token.
func ProductInfo(extra string) string {
	s := fmt.Sprintf("%s/%s (%s; %s; %s)", Name, Current, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if extra = strings.TrimSpace(extra); extra != "" {
		s += " " + extra
	}
	return s
}

package versioning

import (
	"fmt"
	"regexp"
	"strconv"
)

// ProtocolVersion is the semantic version of the relay wire protocol shared by
// the REST endpoints and the realtime socket
type ProtocolVersion struct {
	Major      int    `json:"major"`
	Minor      int    `json:"minor"`
	Patch      int    `json:"patch"`
	Prerelease string `json:"prerelease,omitempty"`
}

// String returns the version as a string (e.g., "1.2.3" or "1.2.3-beta")
func (v ProtocolVersion) String() string {
	version := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		version += "-" + v.Prerelease
	}
	return version
}

// Compare returns -1 if v < other, 0 if equal, 1 if v > other
func (v ProtocolVersion) Compare(other ProtocolVersion) int {
	for _, d := range [3]int{v.Major - other.Major, v.Minor - other.Minor, v.Patch - other.Patch} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}

	switch {
	case v.Prerelease == other.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1 // Release sorts after its prereleases
	case other.Prerelease == "":
		return -1
	case v.Prerelease < other.Prerelease:
		return -1
	default:
		return 1
	}
}

var (
	V1_0_0 = ProtocolVersion{Major: 1}
	// V1_1_0 added message.inserted pushes to the agent's own socket
	V1_1_0 = ProtocolVersion{Major: 1, Minor: 1}
)

// Current is the version this build speaks
var Current = V1_1_0

// MinimumSupported is the oldest version the relay still serves
var MinimumSupported = V1_0_0

var versionPattern = regexp.MustCompile(`^(\d+)\.(\d+)\.(\d+)(?:-([a-zA-Z0-9\-\.]+))?$`)

// ParseVersion parses "major.minor.patch[-prerelease]"
func ParseVersion(s string) (ProtocolVersion, error) {
	matches := versionPattern.FindStringSubmatch(s)
	if matches == nil {
		return ProtocolVersion{}, fmt.Errorf("invalid version format: %q", s)
	}

	var parts [3]int
	for i := range parts {
		n, err := strconv.Atoi(matches[i+1])
		if err != nil {
			return ProtocolVersion{}, fmt.Errorf("invalid version component %q: %w", matches[i+1], err)
		}
		parts[i] = n
	}

	return ProtocolVersion{Major: parts[0], Minor: parts[1], Patch: parts[2], Prerelease: matches[4]}, nil
}

// Compatibility is the outcome of checking a requested version
type Compatibility struct {
	Requested        ProtocolVersion `json:"requested_version"`
	Current          ProtocolVersion `json:"current_version"`
	MinimumSupported ProtocolVersion `json:"minimum_supported"`
	Compatible       bool            `json:"compatible"`
	TooNew           bool            `json:"too_new,omitempty"`
	Reason           string          `json:"reason,omitempty"`
}

// CheckCompatibility decides whether the relay can serve requested. Older
// minors of the current major are served; a newer major is not.
func CheckCompatibility(requested ProtocolVersion) Compatibility {
	compat := Compatibility{
		Requested:        requested,
		Current:          Current,
		MinimumSupported: MinimumSupported,
	}

	switch {
	case requested.Compare(MinimumSupported) < 0:
		compat.Reason = fmt.Sprintf("version %s is no longer supported, minimum is %s", requested, MinimumSupported)
	case requested.Major > Current.Major:
		compat.TooNew = true
		compat.Reason = fmt.Sprintf("version %s is not yet available, current is %s", requested, Current)
	default:
		compat.Compatible = true
	}
	return compat
}

// SupportedRange returns the supported version range as a string
func SupportedRange() string {
	return fmt.Sprintf("%s - %s", MinimumSupported, Current)
}

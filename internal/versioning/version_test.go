package versioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolVersion_String(t *testing.T) {
	assert.Equal(t, "1.1.0", V1_1_0.String())
	assert.Equal(t, "1.2.3-beta.1", ProtocolVersion{Major: 1, Minor: 2, Patch: 3, Prerelease: "beta.1"}.String())
}

func TestProtocolVersion_Compare(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"equal", "1.0.0", "1.0.0", 0},
		{"major", "2.0.0", "1.9.9", 1},
		{"minor", "1.0.0", "1.1.0", -1},
		{"patch", "1.0.2", "1.0.1", 1},
		{"release after prerelease", "1.1.0", "1.1.0-rc.1", 1},
		{"prerelease before release", "1.1.0-rc.1", "1.1.0", -1},
		{"prereleases lexically", "1.1.0-alpha", "1.1.0-beta", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseVersion(tt.a)
			require.NoError(t, err)
			b, err := ParseVersion(tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Compare(b))
			assert.Equal(t, -tt.want, b.Compare(a))
		})
	}
}

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("1.10.2-rc-1")
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion{Major: 1, Minor: 10, Patch: 2, Prerelease: "rc-1"}, v)

	for _, bad := range []string{"", "1", "1.0", "v1.0.0", "1.0.0-", "1.0.0+build", "a.b.c"} {
		t.Run(bad, func(t *testing.T) {
			_, err := ParseVersion(bad)
			assert.Error(t, err)
		})
	}
}

func TestCheckCompatibility(t *testing.T) {
	tests := []struct {
		name       string
		requested  ProtocolVersion
		compatible bool
		tooNew     bool
	}{
		{"current", Current, true, false},
		{"minimum", MinimumSupported, true, false},
		{"newer minor of the same major", ProtocolVersion{Major: 1, Minor: 9}, true, false},
		{"below minimum", ProtocolVersion{Major: 0, Minor: 9}, false, false},
		{"prerelease of minimum", ProtocolVersion{Major: 1, Prerelease: "rc.1"}, false, false},
		{"next major", ProtocolVersion{Major: 2}, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckCompatibility(tt.requested)
			assert.Equal(t, tt.compatible, got.Compatible)
			assert.Equal(t, tt.tooNew, got.TooNew)
			assert.Equal(t, tt.compatible, got.Reason == "")
			assert.Equal(t, Current, got.Current)
		})
	}
}

func TestSupportedRange(t *testing.T) {
	assert.Equal(t, "1.0.0 - 1.1.0", SupportedRange())
}

package protocol

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Version is the protocol version spoken by this client
const Version = "1.2.0"

// canonicalVersion ensures a version string is in semver canonical form (v prefix).
func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

// Compatible reports whether an authority speaking remote can serve this
// client. Major versions must match.
func Compatible(remote string) bool {
	r := canonicalVersion(remote)
	if !semver.IsValid(r) {
		return false
	}
	return semver.Major(r) == semver.Major(canonicalVersion(Version))
}

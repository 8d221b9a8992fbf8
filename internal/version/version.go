package version

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/mod/semver"
)

// Version and Commit are set at build time via:
//
//	go build -ldflags "-X ...version.VERSION=0.4.0 -X ...version.Commit=abc123"
var (
	VERSION = "dev"
	Commit  = "dev"
)

// ProtocolID identifies wire compatibility. Two peers may only stream to each
// other when their IDs are bit-identical.
type ProtocolID struct {
	canonical string
	id        uint64
}

// String returns the canonical form, e.g. "20" or "20-beta". This is the
// value advertised in peer-directory records.
func (p ProtocolID) String() string { return p.canonical }

// Uint64 returns the fixed-width form carried in handshake records.
func (p ProtocolID) Uint64() uint64 { return p.id }

// DeriveProtocolID computes the protocol id for a version string. Only the
// major version and the first pre-release identifier participate, so patch
// and minor releases stay compatible with each other.
//
// Strings that are not valid semantic versions (such as "dev") are used
// verbatim as the canonical form.
func DeriveProtocolID(v string) ProtocolID {
	canonical := canonicalProtocol(v)
	return ProtocolID{canonical: canonical, id: xxhash.Sum64String(canonical)}
}

func canonicalProtocol(v string) string {
	sv := v
	if !strings.HasPrefix(sv, "v") {
		sv = "v" + sv
	}
	if !semver.IsValid(sv) {
		return v
	}

	major := strings.TrimPrefix(semver.Major(sv), "v")
	pre := strings.TrimPrefix(semver.Prerelease(sv), "-")
	if pre == "" {
		return major
	}
	tag, _, _ := strings.Cut(pre, ".")
	return major + "-" + tag
}

var local = DeriveProtocolID(VERSION)

// Local returns the protocol id of this build, computed once at startup.
func Local() ProtocolID { return local }

// Package httpapi exposes the HTTP surface of spec.md §6: health, session
// registration, agent creation/destruction, the websocket upgrade, log/echo
// streams, and Prometheus metrics. Adapted from internal/gateway/server.go's
// chi router construction (middleware.Recoverer/RealIP,
// handleHealth/handleEvents JSON shape).
package httpapi

import (
	"fmt"
	"os"
	"strings"

	"github.com/coreos/go-semver/semver"
)

// SDK identifies a client SDK language, per spec.md §6's protocol version
// string grammar ("<sdk>/<version>").
type SDK string

const (
	SDKPython     SDK = "python"
	SDKTypeScript SDK = "typescript"
)

// VersionStatus is the outcome of checking a client's declared SDK version
// against its policy.
type VersionStatus int

const (
	VersionOK VersionStatus = iota
	VersionDeprecated
	VersionUnsupported
)

// SDKVersionPolicy bounds the versions a given SDK will be served at.
// Grounded on original_source/src/agentic/version_policy.py's
// SDKVersionPolicy dataclass.
type SDKVersionPolicy struct {
	MinSupported   semver.Version
	MinRecommended semver.Version
}

const upgradeURL = "https://agentica.symbolica.ai/quickstart"

// VersionPolicy holds the per-SDK policy table and the environment-gated
// switches of spec.md §6.
type VersionPolicy struct {
	Policies map[SDK]SDKVersionPolicy
}

// NewVersionPolicy builds a policy where every known SDK must be at least
// serverVersion — the same "pin the policy to the running build" shape as
// the original's get_version("agentica-server") fallback to "0.0.0-dev".
func NewVersionPolicy(serverVersion string) *VersionPolicy {
	v := parseVersionLenient(serverVersion)
	policy := SDKVersionPolicy{MinSupported: v, MinRecommended: v}
	return &VersionPolicy{Policies: map[SDK]SDKVersionPolicy{
		SDKPython:     policy,
		SDKTypeScript: policy,
	}}
}

func parseVersionLenient(s string) semver.Version {
	v, err := semver.NewVersion(s)
	if err != nil {
		return semver.Version{}
	}
	return *v
}

func isDisabledVersionCheck() bool {
	return os.Getenv("AGENTICA_SERVER_DISABLE_VERSION_CHECK") == "1"
}

func isLocalMode() bool {
	orgID, set := os.LookupEnv("ORGANIZATION_ID")
	return !set || orgID == ""
}

// ParseProtocolVersion parses a "<sdk>/<version>" string, the shape of
// CreateAgentRequest's protocol field. A missing or empty value parses to
// {python, 0.0.0-dev} per spec.md §6.
func ParseProtocolVersion(raw string) (SDK, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SDKPython, "0.0.0-dev"
	}
	sdk, version, ok := strings.Cut(raw, "/")
	if !ok || sdk == "" || version == "" {
		return SDKPython, "0.0.0-dev"
	}
	return SDK(sdk), version
}

// Check evaluates sdk/version against the policy table.
func (p *VersionPolicy) Check(sdk SDK, version string) VersionStatus {
	if isDisabledVersionCheck() {
		return VersionOK
	}
	if version == "0.0.0-dev" {
		if isLocalMode() {
			return VersionOK
		}
		return VersionUnsupported
	}

	policy, ok := p.Policies[sdk]
	if !ok {
		return VersionOK
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return VersionUnsupported
	}
	if v.LessThan(policy.MinSupported) {
		return VersionUnsupported
	}
	if v.LessThan(policy.MinRecommended) {
		return VersionDeprecated
	}
	return VersionOK
}

// FormatUpgradeMessage is the X-SDK-Upgrade-Message header body for a
// deprecated-but-supported version.
func (p *VersionPolicy) FormatUpgradeMessage(sdk SDK, version string) string {
	policy := p.Policies[sdk]
	return fmt.Sprintf("SDK update recommended: your version %s, recommended %s+. Visit %s",
		version, policy.MinRecommended.String(), upgradeURL)
}

// FormatUnsupportedMessage is the 426 response body for an unsupported
// version.
func (p *VersionPolicy) FormatUnsupportedMessage(sdk SDK, version string) string {
	policy := p.Policies[sdk]
	shown := "Your version: " + version + "\n"
	if version == "0.0.0-dev" {
		shown = ""
	}
	return fmt.Sprintf(
		"SDK version not supported.\n%sMinimum required: %s\nPlease upgrade your client library.",
		shown, policy.MinSupported.String(),
	)
}

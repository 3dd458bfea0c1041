package config

import "time"

// Config is the root configuration for the session manager.
type Config struct {
	Gateway GatewayConfig `json:"gateway"`
	Models  ModelsConfig  `json:"models"`
	Events  EventsConfig  `json:"events"`
	Sandbox SandboxConfig `json:"sandbox"`
}

// SandboxConfig configures the isolated guest interpreter every agent's
// sandbox bridge loads. The actual Extism-vs-in-process switch is the
// AGENTICA_NO_SANDBOX environment variable, not this struct — Enabled is
// exposed through IsSandboxEnabled, and nothing in the server consults it.
type SandboxConfig struct {
	Enabled         *bool             `json:"enabled"`           // default: true
	GuestModulePath string            `json:"guest_module_path"` // path to the REPL guest .wasm module
	GuestConfig     map[string]string `json:"guest_config,omitempty"`
}

// IsSandboxEnabled returns true if the sandbox is enabled (default: true).
func (c SandboxConfig) IsSandboxEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host                     string `json:"host"`
	Port                     int    `json:"port"`
	MaxConcurrentInvocations int    `json:"max_concurrent_invocations"` // default (unset or 0): 16; a negative value is unbounded
}

// ModelsConfig holds model provider configuration.
type ModelsConfig struct {
	Default   string                    `json:"default"`
	Providers map[string]ProviderConfig `json:"providers"`
}

// ProviderConfig configures a single LLM provider.
type ProviderConfig struct {
	Driver  string     `json:"driver"` // "anthropic", "openai"
	Model   string     `json:"model"`
	BaseURL string     `json:"base_url,omitempty"`
	Auth    AuthConfig `json:"auth"`
	// MaxConcurrent bounds in-flight calls to this provider (default: 1),
	// generalized from internal/actors/pool.go's fixed N-actor-per-provider
	// pool into internal/inference.Client's semaphore.
	MaxConcurrent int      `json:"max_concurrent,omitempty"`
	Timeout       Duration `json:"timeout,omitempty"`
}

// AuthConfig configures API key resolution.
type AuthConfig struct {
	APIKey string `json:"api_key,omitempty"` // Direct API key or ${{ .Env.VAR }} template
	Token  string `json:"token,omitempty"`   // OAuth/Bearer token (e.g. Claude Code token)
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogLevel   string `json:"log_level"` // "debug" | "info" | "warn" | "error" (default: "info")
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

package registry

import (
	"strings"

	"github.com/dohr-michael/agentica-server/internal/agent"
	"github.com/dohr-michael/agentica-server/internal/agenterrors"
)

// knownProviders is the static table of "<provider>:<model>" prefixes that
// route directly to a provider rather than through the router fallback,
// grounded on the provider family the teacher's internal/models package
// names one file per (anthropic.go, mistral.go, ollama.go, openai.go).
var knownProviders = map[string]string{
	"openai":    "openai",
	"anthropic": "anthropic",
	"mistral":   "mistral",
	"ollama":    "ollama",
}

// ParseModelSpec implements the model identifier grammar of spec.md §6:
// "openrouter:<provider>/<slug>" is an explicit router dispatch,
// "<provider>:<model>" against the known static table routes directly,
// anything else containing "/" falls back to the router, and everything
// else is BadModel.
func ParseModelSpec(raw string) (agent.ModelSpec, error) {
	if raw == "" {
		return agent.ModelSpec{}, agenterrors.NewBadModel(raw)
	}

	if rest, ok := strings.CutPrefix(raw, "openrouter:"); ok {
		provider, slug, ok := strings.Cut(rest, "/")
		if !ok || provider == "" || slug == "" {
			return agent.ModelSpec{}, agenterrors.NewBadModel(raw)
		}
		return agent.ModelSpec{Provider: provider, Model: slug, EndpointID: "openrouter"}, nil
	}

	if provider, model, ok := strings.Cut(raw, ":"); ok {
		if _, known := knownProviders[provider]; known && model != "" {
			return agent.ModelSpec{Provider: provider, Model: model, EndpointID: provider}, nil
		}
	}

	if strings.Contains(raw, "/") {
		return agent.ModelSpec{Provider: "router", Model: raw, EndpointID: "router"}, nil
	}

	return agent.ModelSpec{}, agenterrors.NewBadModel(raw)
}

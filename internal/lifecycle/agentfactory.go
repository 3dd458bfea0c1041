package lifecycle

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dohr-michael/agentica-server/internal/agent"
	"github.com/dohr-michael/agentica-server/internal/config"
	"github.com/dohr-michael/agentica-server/internal/ids"
	"github.com/dohr-michael/agentica-server/internal/inference"
	"github.com/dohr-michael/agentica-server/internal/registry"
	"github.com/dohr-michael/agentica-server/internal/sandbox"
)

// noSandboxEnv is spec.md §6's escape hatch for local development: when
// set, every agent's guest runs in-process instead of under Extism/Wazero.
const noSandboxEnv = "AGENTICA_NO_SANDBOX"

// AgentFactory builds the concrete Agent the registry needs for each
// create_agent call: a sandbox bridge bound to the shared guest module (or
// the in-process stand-in), an inference client resolved from the
// model's provider config, and this orchestrator's event bus. Satisfies
// registry.AgentFactory.
type AgentFactory struct {
	mu      sync.RWMutex
	models  config.ModelsConfig
	sandbox config.SandboxConfig
	orch    *Orchestrator
}

// NewAgentFactory builds an AgentFactory. orch supplies both the event
// bus every Agent publishes to and the future-routing table each agent's
// sandbox bridge feeds on unsolicited FutureResults.
func NewAgentFactory(models config.ModelsConfig, sandboxCfg config.SandboxConfig, orch *Orchestrator) *AgentFactory {
	return &AgentFactory{models: models, sandbox: sandboxCfg, orch: orch}
}

var _ registry.AgentFactory = (*AgentFactory)(nil)

// UpdateModels swaps in a freshly reloaded provider configuration. Agents
// already running keep the client they were built with; only agents
// created after the swap see the new providers.
func (f *AgentFactory) UpdateModels(models config.ModelsConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models = models
}

// NewAgent implements registry.AgentFactory.
func (f *AgentFactory) NewAgent(ctx context.Context, cid ids.CID, spec agent.ModelSpec, req registry.CreateAgentRequest) (*agent.Agent, error) {
	f.mu.RLock()
	models := f.models
	f.mu.RUnlock()

	provider, ok := models.Providers[spec.Provider]
	if !ok {
		provider, ok = models.Providers[models.Default]
	}
	if !ok {
		return nil, fmt.Errorf("lifecycle: no provider config for %q (default %q)", spec.Provider, models.Default)
	}

	client := inference.NewClient(inference.ProviderConfig{
		Name:          provider.Driver,
		BaseURL:       provider.BaseURL,
		APIKey:        provider.Auth.APIKey,
		Model:         spec.Model,
		Timeout:       provider.Timeout.Duration(),
		MaxConcurrent: provider.MaxConcurrent,
	})

	uid := ids.NewUID()
	onFuture := func(fr sandbox.FutureResult) {
		errName, errMessage := "", ""
		if fr.Err != nil {
			errName, errMessage = fr.Err.Name, fr.Err.Message
		}
		f.orch.routeFuture(cid, fr.FID, fr.Data, errName, errMessage)
	}

	guest, err := f.newGuest(ctx, onFuture)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: build sandbox guest: %w", err)
	}
	bridge := sandbox.NewBridge(guest, onFuture)

	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 25
	}
	budget := agent.TokenBudget{
		MaxPerInvocation: req.MaxTokensPerInvocation,
		MaxPerRound:      req.MaxTokensPerRound,
		MaxRounds:        maxRounds,
	}

	return agent.New(agent.Config{
		UID:                uid,
		CID:                cid,
		ModelSpec:          spec,
		SystemPrompt:       req.System,
		Premise:            req.Doc,
		WarpGlobalsPayload: req.WarpGlobalsPayload,
		Budget:             budget,
		StreamingDefault:   req.Streaming,
		ReturnType:         returnTypeOf(req),
	}, bridge, client, f.orch.bus), nil
}

func returnTypeOf(req registry.CreateAgentRequest) string {
	if req.JSON {
		return "json"
	}
	return "str"
}

// newGuest builds the sandbox backend: the in-process stand-in when
// AGENTICA_NO_SANDBOX=1, otherwise the shared Extism guest module.
func (f *AgentFactory) newGuest(ctx context.Context, onFuture sandbox.FutureSink) (sandbox.Guest, error) {
	if os.Getenv(noSandboxEnv) == "1" {
		return sandbox.NewInProcessGuest(onFuture), nil
	}
	if f.sandbox.GuestModulePath == "" {
		return nil, fmt.Errorf("sandbox.guest_module_path is required unless %s=1", noSandboxEnv)
	}
	wasm, err := os.ReadFile(f.sandbox.GuestModulePath)
	if err != nil {
		return nil, fmt.Errorf("read guest module: %w", err)
	}
	return sandbox.NewExtismGuest(ctx, sandbox.ExtismManifest{
		Name:     "agentica-guest",
		WasmPath: wasm,
		Config:   f.sandbox.GuestConfig,
	}, onFuture)
}

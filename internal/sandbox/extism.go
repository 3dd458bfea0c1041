package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	extism "github.com/extism/go-sdk"
)

// ExtismManifest describes the REPL guest module to load: a single WASM
// binary implementing the repl_init/repl_run_code/repl_call_method/
// repl_session_info exports of spec.md §4.5.
type ExtismManifest struct {
	Name     string
	WasmPath []byte
	Config   map[string]string
}

// ExtismGuest runs the isolated guest as an Extism/Wazero WASM plugin,
// adapted from the teacher's ExtismRuntime.Load/host-function wiring
// (internal/plugins/runtime.go, internal/plugins/host.go) repurposed from
// loading tool plugins to loading one REPL guest per agent.
type ExtismGuest struct {
	mu     sync.Mutex
	plugin *extism.Plugin
	kv     *kvStore
	inbox  *inboxStore
}

// NewExtismGuest loads the REPL guest module and wires its host functions:
// agentica.log (structured logging), agentica.kv_get/kv_set (per-agent
// scratch store), and agentica.future_result (the guest's channel for
// pushing an unsolicited FutureResult, the direct analogue of the
// teacher's ozzie.emit_event host function).
func NewExtismGuest(ctx context.Context, m ExtismManifest, onFuture func(FutureResult)) (*ExtismGuest, error) {
	em := extism.Manifest{
		Wasm: []extism.Wasm{extism.WasmData{Data: m.WasmPath}},
	}
	kv := newKVStore()
	inbox := newInboxStore()
	hostFns := newHostFunctions(kv, inbox, m.Config, onFuture)

	plugin, err := extism.NewPlugin(ctx, em, extism.PluginConfig{EnableWasi: true}, hostFns)
	if err != nil {
		return nil, fmt.Errorf("sandbox: load guest %q: %w", m.Name, err)
	}
	for _, fn := range []string{fnReplInit, fnReplRunCode, fnReplCallMethod, fnReplSessionInfo} {
		if !plugin.FunctionExists(fn) {
			plugin.Close(ctx)
			return nil, fmt.Errorf("sandbox: guest %q missing required export %q", m.Name, fn)
		}
	}
	slog.Info("sandbox guest loaded", "name", m.Name)
	return &ExtismGuest{plugin: plugin, kv: kv, inbox: inbox}, nil
}

// WriteInbox enqueues data for iid; the guest module pops it through the
// agentica.inbox_pop host function.
func (g *ExtismGuest) WriteInbox(ctx context.Context, iid string, data []byte) error {
	g.inbox.push(iid, data)
	return nil
}

// Call invokes fn on the guest plugin. fid is carried for symmetry with
// the framing model even though the Extism transport correlates calls
// synchronously by the Go call stack rather than by wire id.
func (g *ExtismGuest) Call(ctx context.Context, fid int64, fn string, data []byte) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, out, err := g.plugin.CallWithContext(ctx, fn, data)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the underlying plugin. Idempotent.
func (g *ExtismGuest) Close(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.plugin == nil {
		return nil
	}
	err := g.plugin.Close(ctx)
	g.plugin = nil
	return err
}

// kvStore is a per-agent in-memory scratch store exposed to the guest via
// host functions, adapted from the teacher's plugins.KVStore.
type kvStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newKVStore() *kvStore { return &kvStore{data: make(map[string][]byte)} }

func (s *kvStore) Get(key string) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[key]
}

func (s *kvStore) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

// inboxStore holds each invocation's FIFO queue of client-originated Data
// payloads (spec.md §3's per-iid inbox), drained by the guest through the
// agentica.inbox_pop host function.
type inboxStore struct {
	mu    sync.Mutex
	boxes map[string][][]byte
}

func newInboxStore() *inboxStore { return &inboxStore{boxes: make(map[string][][]byte)} }

func (s *inboxStore) push(iid string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boxes[iid] = append(s.boxes[iid], data)
}

// pop removes and returns the oldest queued payload for iid, or nil if the
// inbox is empty.
func (s *inboxStore) pop(iid string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.boxes[iid]
	if len(queue) == 0 {
		return nil
	}
	next := queue[0]
	s.boxes[iid] = queue[1:]
	return next
}

type hostKVRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type hostFutureResult struct {
	FID     string `json:"fid"`
	Data    string `json:"data,omitempty"`
	ErrName string `json:"error_name,omitempty"`
	ErrMsg  string `json:"error_message,omitempty"`
}

// newHostFunctions builds the "agentica" namespace host functions, adapted
// from internal/plugins/host.go's NewHostFunctions.
func newHostFunctions(kv *kvStore, inbox *inboxStore, config map[string]string, onFuture func(FutureResult)) []extism.HostFunction {
	var fns []extism.HostFunction

	inboxPopFn := extism.NewHostFunctionWithStack(
		"inbox_pop",
		func(_ context.Context, p *extism.CurrentPlugin, stack []uint64) {
			iid, err := p.ReadString(stack[0])
			if err != nil {
				stack[0] = 0
				return
			}
			data := inbox.pop(iid)
			if data == nil {
				data = []byte{}
			}
			offset, err := p.WriteBytes(data)
			if err != nil {
				stack[0] = 0
				return
			}
			stack[0] = offset
		},
		[]extism.ValueType{extism.ValueTypePTR}, []extism.ValueType{extism.ValueTypePTR},
	)
	inboxPopFn.SetNamespace("agentica")
	fns = append(fns, inboxPopFn)

	logFn := extism.NewHostFunctionWithStack(
		"log",
		func(_ context.Context, p *extism.CurrentPlugin, stack []uint64) {
			input, err := p.ReadBytes(stack[0])
			if err != nil {
				slog.Error("sandbox host: read log input", "error", err)
				return
			}
			slog.Info("sandbox guest", "msg", string(input))
		},
		[]extism.ValueType{extism.ValueTypePTR}, nil,
	)
	logFn.SetNamespace("agentica")
	fns = append(fns, logFn)

	kvGetFn := extism.NewHostFunctionWithStack(
		"kv_get",
		func(_ context.Context, p *extism.CurrentPlugin, stack []uint64) {
			key, err := p.ReadString(stack[0])
			if err != nil {
				stack[0] = 0
				return
			}
			value := kv.Get(key)
			if value == nil {
				value = []byte("null")
			}
			offset, err := p.WriteBytes(value)
			if err != nil {
				stack[0] = 0
				return
			}
			stack[0] = offset
		},
		[]extism.ValueType{extism.ValueTypePTR}, []extism.ValueType{extism.ValueTypePTR},
	)
	kvGetFn.SetNamespace("agentica")
	fns = append(fns, kvGetFn)

	kvSetFn := extism.NewHostFunctionWithStack(
		"kv_set",
		func(_ context.Context, p *extism.CurrentPlugin, stack []uint64) {
			input, err := p.ReadBytes(stack[0])
			if err != nil {
				return
			}
			var req hostKVRequest
			if err := json.Unmarshal(input, &req); err != nil {
				return
			}
			kv.Set(req.Key, []byte(req.Value))
		},
		[]extism.ValueType{extism.ValueTypePTR}, nil,
	)
	kvSetFn.SetNamespace("agentica")
	fns = append(fns, kvSetFn)

	futureFn := extism.NewHostFunctionWithStack(
		"future_result",
		func(_ context.Context, p *extism.CurrentPlugin, stack []uint64) {
			input, err := p.ReadBytes(stack[0])
			if err != nil {
				return
			}
			var hf hostFutureResult
			if err := json.Unmarshal(input, &hf); err != nil {
				slog.Warn("sandbox host: invalid future_result payload", "raw", string(input))
				return
			}
			fr := FutureResult{FID: hf.FID, Data: []byte(hf.Data)}
			if hf.ErrName != "" {
				fr.Err = &FrameError{Name: hf.ErrName, Message: hf.ErrMsg}
			}
			if onFuture != nil {
				onFuture(fr)
			}
		},
		[]extism.ValueType{extism.ValueTypePTR}, nil,
	)
	futureFn.SetNamespace("agentica")
	fns = append(fns, futureFn)

	getConfigFn := extism.NewHostFunctionWithStack(
		"get_config",
		func(_ context.Context, p *extism.CurrentPlugin, stack []uint64) {
			key, err := p.ReadString(stack[0])
			if err != nil {
				stack[0] = 0
				return
			}
			offset, err := p.WriteString(config[key])
			if err != nil {
				stack[0] = 0
				return
			}
			stack[0] = offset
		},
		[]extism.ValueType{extism.ValueTypePTR}, []extism.ValueType{extism.ValueTypePTR},
	)
	getConfigFn.SetNamespace("agentica")
	fns = append(fns, getConfigFn)

	return fns
}

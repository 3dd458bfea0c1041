package sandbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dohr-michael/agentica-server/internal/sequencer"
)

func newTestBridge(t *testing.T) (*Bridge, chan FutureResult) {
	t.Helper()
	futures := make(chan FutureResult, 8)
	guest := NewInProcessGuest(func(fr FutureResult) { futures <- fr })
	return NewBridge(guest, func(fr FutureResult) { futures <- fr }), futures
}

func TestBridgeInitAndRunCode(t *testing.T) {
	b, _ := newTestBridge(t)
	defer b.Close(context.Background())

	if _, err := b.Init(context.Background(), map[string]any{"x": 1}, nil); err != nil {
		t.Fatalf("init: %v", err)
	}

	result, err := b.RunCode(context.Background(), "print hi", sequencer.ReplRunCodeOptions{})
	if err != nil {
		t.Fatalf("run code: %v", err)
	}
	info := result.(EvaluationInfo)
	if info.Output != "print hi" {
		t.Fatalf("unexpected output %q", info.Output)
	}
}

func TestBridgeRunCodeWithIIDEmitsFutureResult(t *testing.T) {
	b, futures := newTestBridge(t)
	defer b.Close(context.Background())

	_, err := b.RunCode(context.Background(), `return "42"`, sequencer.ReplRunCodeOptions{IID: "iid-1"})
	if err != nil {
		t.Fatalf("run code: %v", err)
	}
	select {
	case fr := <-futures:
		if fr.FID != "iid-1" {
			t.Fatalf("future fid = %q, want iid-1", fr.FID)
		}
	default:
		t.Fatalf("expected a future result to be delivered")
	}
}

func TestBridgePendingTableNeverLeaksOnNormalCompletion(t *testing.T) {
	b, _ := newTestBridge(t)
	defer b.Close(context.Background())

	if _, err := b.SessionInfo(context.Background()); err != nil {
		t.Fatalf("session info: %v", err)
	}
	if n := b.PendingCount(); n != 0 {
		t.Fatalf("pending count = %d, want 0", n)
	}
}

func TestBridgeCloseIsIdempotent(t *testing.T) {
	b, _ := newTestBridge(t)
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := b.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestBridgeCallAfterCloseReturnsShutdownError(t *testing.T) {
	b, _ := newTestBridge(t)
	b.Close(context.Background())

	_, err := b.SessionInfo(context.Background())
	if err == nil {
		t.Fatalf("expected error after close")
	}
}

func popInboxRaw(t *testing.T, b *Bridge, iid string) []byte {
	t.Helper()
	raw, err := b.CallMethod(context.Background(), "inbox_pop", []any{iid}, nil, true)
	if err != nil {
		t.Fatalf("inbox_pop: %v", err)
	}
	var data []byte
	if err := json.Unmarshal(raw.([]byte), &data); err != nil {
		t.Fatalf("decode popped payload: %v", err)
	}
	return data
}

func TestBridgeDeliverDataPreservesFIFOOrder(t *testing.T) {
	b, _ := newTestBridge(t)
	defer b.Close(context.Background())

	if err := b.DeliverData(context.Background(), "iid-1", []byte("first")); err != nil {
		t.Fatalf("deliver first: %v", err)
	}
	if err := b.DeliverData(context.Background(), "iid-1", []byte("second")); err != nil {
		t.Fatalf("deliver second: %v", err)
	}

	if got := popInboxRaw(t, b, "iid-1"); string(got) != "first" {
		t.Fatalf("first pop = %q, want %q", got, "first")
	}
	if got := popInboxRaw(t, b, "iid-1"); string(got) != "second" {
		t.Fatalf("second pop = %q, want %q", got, "second")
	}
	if got := popInboxRaw(t, b, "iid-1"); len(got) != 0 {
		t.Fatalf("expected empty inbox, got %q", got)
	}
}

func TestBridgeDeliverDataAfterCloseReturnsShutdownError(t *testing.T) {
	b, _ := newTestBridge(t)
	b.Close(context.Background())

	if err := b.DeliverData(context.Background(), "iid-1", []byte("x")); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestPendingTableMonotonicNegativeMIDs(t *testing.T) {
	pt := newPendingTable()
	mid1, _ := pt.Register()
	mid2, _ := pt.Register()
	if mid1 >= 0 || mid2 >= 0 {
		t.Fatalf("expected negative mids, got %d and %d", mid1, mid2)
	}
	if mid2 >= mid1 {
		t.Fatalf("expected strictly decreasing mids, got %d then %d", mid1, mid2)
	}
}

func TestPendingTableCancelAllLeavesNoneOutstanding(t *testing.T) {
	pt := newPendingTable()
	_, ch1 := pt.Register()
	_, ch2 := pt.Register()
	pt.CancelAll(ErrSandboxShutdown)
	if pt.Len() != 0 {
		t.Fatalf("expected 0 pending after CancelAll, got %d", pt.Len())
	}
	for _, ch := range []chan FramedResponse{ch1, ch2} {
		resp := <-ch
		if resp.Err == nil || resp.Err.Name != "WarpShutdown" {
			t.Fatalf("expected WarpShutdown error, got %+v", resp.Err)
		}
	}
}

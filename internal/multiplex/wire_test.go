package multiplex

import (
	"encoding/json"
	"testing"

	"github.com/dohr-michael/agentica-server/internal/ids"
)

func TestDecodeClientMessageInvoke(t *testing.T) {
	raw := []byte(`{"type":"invoke","match_id":"m1","uid":"u1","prompt":"hi","streaming":true}`)
	msg, err := DecodeClientMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	inv, ok := msg.(Invoke)
	if !ok {
		t.Fatalf("expected Invoke, got %T", msg)
	}
	if inv.MatchID != "m1" || inv.UID != "u1" || inv.Prompt != "hi" || !inv.Streaming {
		t.Errorf("unexpected decode: %+v", inv)
	}
}

func TestDecodeClientMessageUnknownTypeErrors(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"bogus"}`))
	if err == nil {
		t.Fatalf("expected an error for an unknown frame type")
	}
}

func TestEncodeDecodeServerMessageRoundTrip(t *testing.T) {
	original := ErrorMessage{UID: ids.UID("u1"), IID: ids.IID("i1"), Name: "NotRunningError"}
	raw, err := EncodeServerMessage(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if f.Type != wireTypeError || f.Name != "NotRunningError" || f.UID != "u1" || f.IID != "i1" {
		t.Errorf("unexpected wire frame: %+v", f)
	}
}

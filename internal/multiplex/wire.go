package multiplex

import (
	"encoding/json"
	"fmt"

	"github.com/dohr-michael/agentica-server/internal/ids"
)

// wireFrame is the JSON-on-the-wire envelope for multiplex messages
// (spec.md §6: "JSON objects with a discriminator field selecting one of
// the message variants"). Binary payloads travel base64-encoded, which
// encoding/json already does for []byte fields.
type wireFrame struct {
	Type string `json:"type"`

	// Client → server fields.
	MatchID           ids.MatchID `json:"match_id,omitempty"`
	UID               ids.UID     `json:"uid,omitempty"`
	IID               ids.IID     `json:"iid,omitempty"`
	WarpLocalsPayload []byte      `json:"warp_locals_payload,omitempty"`
	Prompt            string      `json:"prompt,omitempty"`
	Streaming         bool        `json:"streaming,omitempty"`
	ParentUID         *ids.UID    `json:"parent_uid,omitempty"`
	ParentIID         *ids.IID    `json:"parent_iid,omitempty"`

	// Server → client fields.
	Event   string `json:"event,omitempty"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

const (
	wireTypeInvoke          = "invoke"
	wireTypeCancel          = "cancel"
	wireTypeData            = "data"
	wireTypeNewIID          = "new_iid"
	wireTypeInvocationEvent = "invocation_event"
	wireTypeError           = "error"
)

// ClientMessage is the closed set of messages a connection can decode off
// the wire and hand to a Multiplexer.
type ClientMessage interface {
	isClientMessage()
}

func (Invoke) isClientMessage() {}
func (Cancel) isClientMessage() {}
func (Data) isClientMessage()   {}

// DecodeClientMessage parses one JSON frame into its ClientMessage variant.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	switch f.Type {
	case wireTypeInvoke:
		return Invoke{
			MatchID:           f.MatchID,
			UID:               f.UID,
			WarpLocalsPayload: f.WarpLocalsPayload,
			Prompt:            f.Prompt,
			Streaming:         f.Streaming,
			ParentUID:         f.ParentUID,
			ParentIID:         f.ParentIID,
		}, nil
	case wireTypeCancel:
		return Cancel{UID: f.UID, IID: f.IID}, nil
	case wireTypeData:
		return Data{UID: f.UID, IID: f.IID, Payload: f.Payload}, nil
	default:
		return nil, fmt.Errorf("multiplex: unknown client frame type %q", f.Type)
	}
}

// EncodeServerMessage serializes a ServerMessage to its JSON wire frame.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	switch m := msg.(type) {
	case NewIIDMessage:
		return json.Marshal(wireFrame{Type: wireTypeNewIID, MatchID: m.MatchID, UID: m.UID, IID: m.IID})
	case InvocationEventMessage:
		return json.Marshal(wireFrame{Type: wireTypeInvocationEvent, UID: m.UID, IID: m.IID, Event: string(m.Event)})
	case ErrorMessage:
		return json.Marshal(wireFrame{Type: wireTypeError, UID: m.UID, IID: m.IID, Name: m.Name, Message: m.Message})
	case DataMessage:
		return json.Marshal(wireFrame{Type: wireTypeData, UID: m.UID, IID: m.IID, Payload: m.Payload})
	default:
		return nil, fmt.Errorf("multiplex: unknown server message type %T", msg)
	}
}

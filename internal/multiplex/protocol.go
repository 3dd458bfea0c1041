// Package multiplex implements the per-connection multiplexer: it accepts
// framed client messages (Invoke/Cancel/Data), fans each Invoke out to its
// own invocation task, and emits framed server messages (NewIID,
// InvocationEvent, Error, Data) onto an outbox a transport writer drains.
// Adapted from internal/gateway/ws/hub.go's Hub/Client (register/
// unregisterClient, handleFrame/handleRequest dispatch switch), generalized
// from "N broadcast clients per hub" to "one multiplexer per socket, many
// concurrent invocations per agent uid".
package multiplex

import "github.com/dohr-michael/agentica-server/internal/ids"

// Invoke is the client request that starts one invocation task.
type Invoke struct {
	MatchID           ids.MatchID
	UID               ids.UID
	WarpLocalsPayload []byte
	Prompt            string
	Streaming         bool
	ParentUID         *ids.UID
	ParentIID         *ids.IID
}

// Cancel asks the multiplexer to stop a running invocation.
type Cancel struct {
	UID ids.UID
	IID ids.IID
}

// Data carries opaque bytes addressed to a running invocation's sandbox
// bridge (e.g. follow-up interactive input).
type Data struct {
	UID     ids.UID
	IID     ids.IID
	Payload []byte
}

// InvocationEventKind is the closed set of lifecycle events reported for an
// invocation.
type InvocationEventKind string

const (
	InvocationEnter InvocationEventKind = "ENTER"
	InvocationExit  InvocationEventKind = "EXIT"
	InvocationError InvocationEventKind = "ERROR"
)

// ServerMessage is the closed set of messages the multiplexer emits.
// isServerMessage is unexported so the set cannot grow outside this
// package, matching the "closed enum" shape of the other wire messages.
type ServerMessage interface {
	isServerMessage()
}

// NewIIDMessage is emitted immediately upon an accepted Invoke.
type NewIIDMessage struct {
	MatchID ids.MatchID
	UID     ids.UID
	IID     ids.IID
}

// InvocationEventMessage reports an invocation lifecycle transition.
type InvocationEventMessage struct {
	UID   ids.UID
	IID   ids.IID
	Event InvocationEventKind
}

// ErrorMessage reports a named, stable error to the client. IID is the
// match_id when the error pre-dates iid allocation (a rejected Invoke).
type ErrorMessage struct {
	UID     ids.UID
	IID     ids.IID
	Name    string
	Message string
}

// DataMessage forwards opaque bytes from the sandbox bridge to the client.
type DataMessage struct {
	UID     ids.UID
	IID     ids.IID
	Payload []byte
}

func (NewIIDMessage) isServerMessage()          {}
func (InvocationEventMessage) isServerMessage() {}
func (ErrorMessage) isServerMessage()           {}
func (DataMessage) isServerMessage()            {}

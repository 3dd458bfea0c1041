// Package ids defines the opaque identifier types that thread through the
// whole system: agent, invocation, client-session, inference-call, and
// client-chosen correlation tokens.
package ids

import "github.com/google/uuid"

// UID identifies an Agent.
type UID string

// IID identifies a single invocation (one run() of an agent).
type IID string

// CID identifies a client session.
type CID string

// InferenceID identifies a single HTTP call to the inference endpoint.
type InferenceID string

// MatchID is the client-chosen correlation token carried on Invoke and
// echoed back on NewIID or on the Error that replaces it.
type MatchID string

// NewUID generates a fresh agent identifier.
func NewUID() UID { return UID(uuid.NewString()) }

// NewIID generates a fresh invocation identifier.
func NewIID() IID { return IID(uuid.NewString()) }

// NewInferenceID generates a fresh per-call identifier.
func NewInferenceID() InferenceID { return InferenceID(uuid.NewString()) }

// Package agenterrors defines the closed error taxonomy that the
// multiplexer and the inference client surface to clients as stable,
// documented error names.
package agenterrors

import "fmt"

// Named is implemented by every error in the taxonomy; Name() is the
// stable string sent to clients in Error{name=...} frames.
type Named interface {
	error
	Name() string
}

type taxonomyError struct {
	name    string
	message string
	cause   error
}

func (e *taxonomyError) Name() string { return e.name }

func (e *taxonomyError) Error() string {
	if e.message == "" {
		return e.name
	}
	return e.name + ": " + e.message
}

func (e *taxonomyError) Unwrap() error { return e.cause }

func newErr(name, message string) *taxonomyError {
	return &taxonomyError{name: name, message: message}
}

func wrapErr(name string, cause error) *taxonomyError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &taxonomyError{name: name, message: msg, cause: cause}
}

// Admission.
func NewTooManyInvocations() Named { return newErr("TooManyInvocationsError", "") }

// Protocol-level.
func NewMalformedInvoke(reason string) Named { return newErr("MalformedInvokeMessageError", reason) }
func NewNotRunning(reason string) Named      { return newErr("NotRunningError", reason) }

// Validation.
func NewBadModel(spec string) Named {
	return newErr("BadModel", fmt.Sprintf("unrecognized model identifier %q", spec))
}
func NewValidationError(reason string) Named { return newErr("ValidationError", reason) }

// Version gating.
func NewUnsupportedVersion(message string) Named { return newErr("UnsupportedVersionError", message) }

// DeprecatedVersionWarning is header-only and never raised as an error path;
// httpapi's handleAgentCreate represents it as the X-SDK-Warning header.

// Inference errors (spec.md §4.6 status table).
func NewBadRequest(cause error) Named          { return wrapErr("BadRequest", cause) }
func NewUnauthorized(cause error) Named        { return wrapErr("Unauthorized", cause) }
func NewInsufficientCredits(cause error) Named { return wrapErr("InsufficientCredits", cause) }
func NewPermissionDenied(cause error) Named    { return wrapErr("PermissionDenied", cause) }
func NewNotFound(cause error) Named            { return wrapErr("NotFound", cause) }
func NewConflict(cause error) Named            { return wrapErr("Conflict", cause) }
func NewRequestTooLarge(cause error) Named     { return wrapErr("RequestTooLarge", cause) }
func NewUnprocessableEntity(cause error) Named { return wrapErr("UnprocessableEntity", cause) }
func NewRateLimit(cause error) Named           { return wrapErr("RateLimit", cause) }
func NewServiceUnavailable(cause error) Named  { return wrapErr("ServiceUnavailable", cause) }
func NewModelDown(cause error) Named           { return wrapErr("ModelDown", cause) }
func NewDeadlineExceeded(cause error) Named    { return wrapErr("DeadlineExceeded", cause) }
func NewOverloaded(cause error) Named          { return wrapErr("Overloaded", cause) }
func NewInternalServer(cause error) Named      { return wrapErr("InternalServer", cause) }
func NewAPITimeout(cause error) Named          { return wrapErr("APITimeout", cause) }
func NewAPIConnection(cause error) Named       { return wrapErr("APIConnection", cause) }

// Budgets.
func NewMaxTokensError() Named { return newErr("MaxTokensError", "") }
func NewMaxRoundsError() Named { return newErr("MaxRoundsError", "") }

// Content policy.
func NewContentFilteringError(cause error) Named { return wrapErr("ContentFilteringError", cause) }

// Sandbox.
func NewSandboxError(cause error) Named { return wrapErr("SandboxError", cause) }
func NewWarpShutdown() Named            { return newErr("WarpShutdown", "sandbox bridge closed") }

// Executable / tool paths.
func NewExecutionError(cause error) Named { return wrapErr("ExecutionError", cause) }

// IsRequestTooLarge reports whether err carries the RequestTooLarge name,
// used by the invocation task to suppress its exception log per
// spec.md §7 ("expected and non-fatal").
func IsRequestTooLarge(err error) bool {
	var n Named
	if ok := asNamed(err, &n); ok {
		return n.Name() == "RequestTooLarge"
	}
	return false
}

func asNamed(err error, target *Named) bool {
	for err != nil {
		if n, ok := err.(Named); ok {
			*target = n
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// AsNamed walks err's Unwrap chain looking for a Named error, the same way
// errors.As would for a concrete type.
func AsNamed(err error) (Named, bool) {
	var n Named
	ok := asNamed(err, &n)
	return n, ok
}

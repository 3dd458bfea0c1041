package inference

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/dohr-michael/agentica-server/internal/agenterrors"
)

// mapStatus maps an HTTP status code to the typed error of spec.md §4.6's
// table. body is included so provider-specific messages survive.
func mapStatus(status int, body []byte) agenterrors.Named {
	cause := errors.New(string(body))
	switch status {
	case 400:
		return agenterrors.NewBadRequest(cause)
	case 401:
		return agenterrors.NewUnauthorized(cause)
	case 402:
		return agenterrors.NewInsufficientCredits(cause)
	case 403:
		return agenterrors.NewPermissionDenied(cause)
	case 404:
		return agenterrors.NewNotFound(cause)
	case 409:
		return agenterrors.NewConflict(cause)
	case 413:
		return agenterrors.NewRequestTooLarge(cause)
	case 422:
		return agenterrors.NewUnprocessableEntity(cause)
	case 429:
		return agenterrors.NewRateLimit(cause)
	case 503:
		return agenterrors.NewServiceUnavailable(cause)
	case 504:
		return agenterrors.NewDeadlineExceeded(cause)
	case 529:
		return agenterrors.NewOverloaded(cause)
	default:
		return agenterrors.NewInternalServer(cause)
	}
}

// classifyTransportError distinguishes a context deadline (APITimeout) from
// a plain connection failure (APIConnection), per spec.md §4.6's "timeout"
// and "connection" rows.
func classifyTransportError(ctx context.Context, err error) agenterrors.Named {
	if ctx.Err() == context.DeadlineExceeded {
		return agenterrors.NewAPITimeout(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return agenterrors.NewAPITimeout(err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return agenterrors.NewAPIConnection(urlErr)
	}
	return agenterrors.NewAPIConnection(err)
}

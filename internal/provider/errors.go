package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"gitlab.com/timkado/api/daisi-wa-gateway/internal/apperrors"
)

// classifyStatus maps a provider HTTP status into the shared error taxonomy.
// Send-path callers pass sendOp=true so recipient-shaped 4xx map to
// ErrInvalidRecipient instead of ErrNotFound.
func classifyStatus(status int, body string, sendOp bool) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: provider returned %d: %s", apperrors.ErrAuth, status, body)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: provider returned 429: %s", apperrors.ErrRateLimited, body)
	case status == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: provider returned 413: %s", apperrors.ErrPayloadTooLarge, body)
	case status == http.StatusNotFound:
		if sendOp {
			return fmt.Errorf("%w: recipient not found: %s", apperrors.ErrInvalidRecipient, body)
		}
		return fmt.Errorf("%w: provider returned 404: %s", apperrors.ErrNotFound, body)
	case status == http.StatusBadRequest && sendOp:
		return fmt.Errorf("%w: provider rejected recipient or payload: %s", apperrors.ErrInvalidRecipient, body)
	case status >= 500:
		return fmt.Errorf("%w: provider returned %d: %s", apperrors.ErrTransient, status, body)
	case status >= 400:
		return fmt.Errorf("%w: provider returned %d: %s", apperrors.ErrBadRequest, status, body)
	}
	return nil
}

// classifyTransportError maps transport-level failures. Deadline expiry is a
// Timeout (transient for retry accounting); everything else network-shaped is
// Transient.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", apperrors.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", apperrors.ErrTransient, err)
}

package orders

import (
	"errors"
	"fmt"

	"github.com/jogardn/pios-pos/internal/circuitbreaker"
	"github.com/jogardn/pios-pos/pkg/models"
)

var (
	ErrInvalidOrder       = errors.New("invalid order")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrOrderNotFound      = errors.New("order not found")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// backendError wraps a failed backend call so callers can tell a dead
// backend and a missing row apart from other failures.
func backendError(op string, err error) error {
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		return fmt.Errorf("failed to %s: %w: %w", op, ErrBackendUnavailable, err)
	case errors.Is(err, models.ErrNotFound):
		return fmt.Errorf("failed to %s: %w", op, ErrOrderNotFound)
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}
}

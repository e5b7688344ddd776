package device

import (
	"errors"
	"fmt"
)

var (
	ErrValidation  = errors.New("device: validation failed")
	ErrConsistency = errors.New("device: consistency warning")
)

// ValidationError is bad or missing input, local or reported by the service as a 4xx.
type ValidationError struct {
	Field      string
	Reason     string
	StatusCode int
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("device: validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("device: validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConsistencyWarning marks a benign divergence that callers log and treat as a no-op.
type ConsistencyWarning struct {
	Op       string
	DeviceID string
	Detail   string
}

func (w *ConsistencyWarning) Error() string {
	return fmt.Sprintf("device: consistency warning: op=%s device_id=%q %s", w.Op, w.DeviceID, w.Detail)
}

func (w *ConsistencyWarning) Is(target error) bool {
	return target == ErrConsistency
}

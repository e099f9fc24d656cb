package trace

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// InvalidStateError reports a trace or span lifecycle violation: ending a
// record twice, or touching a trace that has already been finalized. It
// indicates a bug in instrumentation code, not a runtime condition.
type InvalidStateError struct {
	Entity string
	ID     string
	Op     string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid %s state: %s %q: %s", e.Entity, e.Op, e.ID, e.Reason)
}

// Error class constants for telemetry delivery failure classification.
const (
	DeliveryErrorClassConnection = "connection"
	DeliveryErrorClassTimeout    = "timeout"
	DeliveryErrorClassRejected   = "rejected"
	DeliveryErrorClassUnknown    = "unknown"
)

// ClassifyDeliveryError maps a sink delivery error to one of the defined
// error classes so operators can alert and dashboard on failure categories
// rather than opaque Go type names.
func ClassifyDeliveryError(err error) string {
	if err == nil {
		return DeliveryErrorClassUnknown
	}

	// Timeout checks (before connection, since net.Error can be both).
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return DeliveryErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return DeliveryErrorClassTimeout
	}

	// Connection checks.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return DeliveryErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return DeliveryErrorClassConnection
	}

	// String-based classification for wrapped errors where type
	// information is lost.
	msg := strings.ToLower(err.Error())

	if isConnectionString(msg) {
		return DeliveryErrorClassConnection
	}
	if isTimeoutString(msg) {
		return DeliveryErrorClassTimeout
	}
	if isRejectedString(msg) {
		return DeliveryErrorClassRejected
	}

	return DeliveryErrorClassUnknown
}

func isConnectionString(msg string) bool {
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "no such host")
}

func isTimeoutString(msg string) bool {
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

func isRejectedString(msg string) bool {
	return strings.Contains(msg, "status 400") ||
		strings.Contains(msg, "status 401") ||
		strings.Contains(msg, "status 403") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "ingestion rejected")
}

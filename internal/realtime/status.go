package realtime

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a channel subscription.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusSubscribed Status = "subscribed"
	StatusError      Status = "error"
	StatusTimedOut   Status = "timed_out"
	StatusClosed     Status = "closed"
)

// Live reports whether the subscription occupies the topic slot.
func (s Status) Live() bool {
	return s == StatusConnecting || s == StatusSubscribed
}

// Degraded reports whether the status means realtime delivery is not working.
func (s Status) Degraded() bool {
	return s == StatusError || s == StatusTimedOut
}

var (
	// ErrTimeout is wrapped by transports when the join handshake does not
	// complete in time.
	ErrTimeout = errors.New("realtime: subscription timed out")

	// ErrClosed is returned when a subscription attempt is overtaken by teardown.
	ErrClosed = errors.New("realtime: subscription closed")

	// ErrConnectionLost is reported with StatusClosed when the transport
	// drops a subscription the caller did not tear down.
	ErrConnectionLost = errors.New("realtime: connection lost")
)

// SubscriptionError reports a channel that failed to join or errored after
// joining. It never carries a fatal condition.
type SubscriptionError struct {
	Topic  string
	Status Status
	Err    error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("realtime: subscription %s %s: %v", e.Topic, e.Status, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

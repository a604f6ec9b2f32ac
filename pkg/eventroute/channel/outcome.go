package channel

import (
	"fmt"
	"time"

	routeerrors "github.com/randalmurphal/eventroute/pkg/eventroute/errors"
)

// Status is the state of a delivery.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	// StatusFailed means the delivery was dead-lettered.
	StatusFailed Status = "failed"
	// StatusSkipped means a best-effort delivery was dropped.
	StatusSkipped Status = "skipped"
	// StatusAborted means the router shut down mid-delivery.
	StatusAborted Status = "aborted"
	// StatusFatal means the dead-letter write itself failed.
	StatusFatal Status = "fatal"
)

// severity orders statuses for aggregation; higher wins.
func (s Status) severity() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusSkipped:
		return 2
	case StatusFailed:
		return 3
	case StatusAborted:
		return 4
	case StatusFatal:
		return 5
	default:
		return 0
	}
}

// Final reports whether s is a terminal status.
func (s Status) Final() bool {
	return s != StatusPending && s != ""
}

// QueueOutcome is the final state of one queue delivery.
type QueueOutcome struct {
	QueueID      string
	Status       Status
	Attempts     int
	Stop         routeerrors.StopReason
	DeadLettered bool
	Err          error

	// DeadLetterErr is set when Status is StatusFatal.
	DeadLetterErr error

	// Panic is set when the queue panicked. The channel does not
	// dead-letter panics; the router records them.
	Panic *PanicError
}

// Outcome aggregates one Publish call.
type Outcome struct {
	ChannelID string
	EventID   string
	Queues    []QueueOutcome
}

// Status returns the most severe queue status. A channel with no queues
// counts as delivered.
func (o Outcome) Status() Status {
	st := StatusDelivered
	for _, q := range o.Queues {
		if q.Status.severity() > st.severity() {
			st = q.Status
		}
	}
	return st
}

// Err returns the first queue error in queue order.
func (o Outcome) Err() error {
	for _, q := range o.Queues {
		if q.Err != nil {
			return q.Err
		}
	}
	return nil
}

// DeadLetterErr returns the first failed dead-letter write.
func (o Outcome) DeadLetterErr() error {
	for _, q := range o.Queues {
		if q.DeadLetterErr != nil {
			return q.DeadLetterErr
		}
	}
	return nil
}

// Panics returns every queue panic.
func (o Outcome) Panics() []*PanicError {
	var out []*PanicError
	for _, q := range o.Queues {
		if q.Panic != nil {
			out = append(out, q.Panic)
		}
	}
	return out
}

// AttemptOutcome is the result of a single attempt.
type AttemptOutcome string

const (
	AttemptSuccess AttemptOutcome = "success"
	AttemptFailure AttemptOutcome = "failure"
)

// Attempt describes one delivery attempt. Passed to Config.OnAttempt.
type Attempt struct {
	EventID   string
	ChannelID string
	QueueID   string
	Number    int
	Outcome   AttemptOutcome
	Err       error
	Category  routeerrors.Category
	At        time.Time
	Duration  time.Duration
}

func newAttempt(eventID, channelID, queueID string, a routeerrors.Attempt) Attempt {
	out := Attempt{
		EventID:   eventID,
		ChannelID: channelID,
		QueueID:   queueID,
		Number:    a.Number,
		Outcome:   AttemptSuccess,
		At:        time.Now().UTC(),
		Duration:  a.Duration,
	}
	if a.Err != nil {
		out.Outcome = AttemptFailure
		out.Err = a.Err
		out.Category = a.Category
	}
	return out
}

// PanicError captures a panic raised while delivering to a queue.
type PanicError struct {
	ChannelID string
	QueueID   string
	Value     any
	Stack     string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	if e.QueueID == "" {
		return fmt.Sprintf("channel %s panicked: %v", e.ChannelID, e.Value)
	}
	return fmt.Sprintf("channel %s queue %s panicked: %v", e.ChannelID, e.QueueID, e.Value)
}

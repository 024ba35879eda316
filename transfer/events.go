package transfer

import (
	"sync"
	"time"

	"pullsend/progress"
	"pullsend/protocol"
)

// EventKind names an event emitted to the UI or command boundary.
type EventKind string

const (
	EventOffer     EventKind = "offer"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Event is delivered synchronously through Options.Events. Handlers must not
// block.
type Event struct {
	Kind      EventKind
	SessionID string
	PeerID    string
	Direction progress.Direction

	// Offer events.
	Proposal *Proposal
	// Progress events.
	Progress progress.Snapshot
	// Terminal events.
	Result Result
}

// Proposal is an inbound offer awaiting a local decision.
type Proposal struct {
	SessionID  string
	PeerID     string
	SenderName string
	Files      []protocol.FileInfo
	TotalSize  int64
	ChunkSize  int
	ReceivedAt time.Time
}

// Status is the terminal state of a session.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Result describes how a session ended.
type Result struct {
	Status           Status
	Reason           string
	BytesTransferred int64
	Elapsed          time.Duration
	Location         string
	FailedFiles      []string
}

// Err converts a non-successful result into an error.
func (r Result) Err() error {
	switch r.Status {
	case StatusCompleted:
		return nil
	case StatusCancelled:
		return wrapReason(ErrCancelled, r.Reason)
	case StatusRejected:
		return wrapReason(ErrOfferRejected, r.Reason)
	default:
		return wrapReason(nil, r.Reason)
	}
}

// outcome latches a session's result exactly once.
type outcome struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func (o *outcome) settle(result Result) bool {
	settled := false
	o.once.Do(func() {
		o.result = result
		close(o.done)
		settled = true
	})
	return settled
}

// Done is closed once the session reached a terminal state.
func (o *outcome) Done() <-chan struct{} {
	return o.done
}

// Result returns the terminal result once Done is closed.
func (o *outcome) Result() (Result, bool) {
	select {
	case <-o.done:
		return o.result, true
	default:
		return Result{}, false
	}
}

package transfer

import (
	"time"

	"go.uber.org/zap"

	"pullsend/fileio"
	"pullsend/metrics"
	"pullsend/progress"
	"pullsend/protocol"
	"pullsend/storage"
)

const (
	DefaultConcurrency    = 8
	DefaultMaxAttempts    = 4
	DefaultInitialDelay   = 200 * time.Millisecond
	DefaultMaxDelay       = 2 * time.Second
	DefaultRequestTimeout = 15 * time.Second
	DefaultOfferTimeout   = 2 * time.Minute
	MaxConcurrency        = 64
)

// RetryPolicy bounds how often a chunk request is attempted.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// History records session and file outcomes. *storage.Store satisfies it.
type History interface {
	SaveTransfer(record storage.TransferRecord) error
	UpdateTransferStatus(sessionID, status, detail string, bytesTransferred int64) error
	UpdateFileStatus(sessionID string, fileID uint32, status, detail string) error
}

// Options configure a Manager.
type Options struct {
	Logger *zap.Logger
	// DeviceName is sent with outgoing offers.
	DeviceName string
	// SaveDir is the destination used when Accept is given none.
	SaveDir string
	// OpenSink resolves a save location to a sink. Defaults to a PathSink.
	OpenSink func(location string) (fileio.Sink, error)

	ChunkSize      int
	Concurrency    int
	Retry          RetryPolicy
	RequestTimeout time.Duration
	OfferTimeout   time.Duration
	Progress       progress.Options

	// AutoAccept, when set, decides inbound offers without waiting for
	// Accept or Reject. An empty save directory means SaveDir.
	AutoAccept func(Proposal) (accept bool, saveDir string)
	Events     func(Event)
	History    History
	Metrics    *metrics.Collector
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.OpenSink == nil {
		o.OpenSink = func(location string) (fileio.Sink, error) {
			return fileio.NewPathSink(location), nil
		}
	}
	if !protocol.ValidChunkSize(o.ChunkSize) {
		o.ChunkSize = protocol.DefaultChunkSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Concurrency > MaxConcurrency {
		o.Concurrency = MaxConcurrency
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if o.Retry.InitialDelay <= 0 {
		o.Retry.InitialDelay = DefaultInitialDelay
	}
	if o.Retry.MaxDelay < o.Retry.InitialDelay {
		o.Retry.MaxDelay = max(DefaultMaxDelay, o.Retry.InitialDelay)
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.OfferTimeout <= 0 {
		o.OfferTimeout = DefaultOfferTimeout
	}
	return o
}

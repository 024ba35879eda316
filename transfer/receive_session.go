package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"pullsend/crypto"
	"pullsend/fileio"
	"pullsend/metrics"
	"pullsend/progress"
	"pullsend/protocol"
	"pullsend/storage"
)

// ReceiveSession is the active half of a transfer. It pulls every chunk,
// verifies each file and promotes it, one file at a time.
type ReceiveSession struct {
	outcome

	id        string
	peer      Peer
	files     []protocol.FileInfo
	chunkSize int
	totalSize int64
	cipher    *crypto.ChunkCipher
	sink      fileio.Sink

	concurrency    int
	retry          RetryPolicy
	requestTimeout time.Duration

	ctx       context.Context
	cancelCtx context.CancelFunc
	cancelled atomic.Bool
	reasonMu  sync.Mutex
	reason    string
	lost      bool

	bytesReceived atomic.Int64
	startedAt     time.Time

	tracker  *progress.Tracker
	logger   *zap.Logger
	metrics  *metrics.Collector
	emit     func(Event)
	history  History
	onFinish func(*ReceiveSession, Result)
}

func newReceiveSession(proposal Proposal, peer Peer, key []byte, sink fileio.Sink, opts Options, emit func(Event), onFinish func(*ReceiveSession, Result)) (*ReceiveSession, error) {
	c, err := crypto.NewChunkCipher(key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ReceiveSession{
		outcome:        outcome{done: make(chan struct{})},
		id:             proposal.SessionID,
		peer:           peer,
		files:          proposal.Files,
		chunkSize:      proposal.ChunkSize,
		totalSize:      proposal.TotalSize,
		cipher:         c,
		sink:           sink,
		concurrency:    opts.Concurrency,
		retry:          opts.Retry,
		requestTimeout: opts.RequestTimeout,
		ctx:            ctx,
		cancelCtx:      cancel,
		startedAt:      time.Now(),
		tracker:        progress.NewTracker(proposal.SessionID, progress.DirectionReceive, proposal.TotalSize, opts.Progress),
		logger:         opts.Logger.With(zap.String("session_id", proposal.SessionID), zap.String("peer_id", peer.ID())),
		metrics:        opts.Metrics,
		emit:           emit,
		history:        opts.History,
		onFinish:       onFinish,
	}, nil
}

// ID returns the session id.
func (s *ReceiveSession) ID() string { return s.id }

// PeerID returns the sending device.
func (s *ReceiveSession) PeerID() string { return s.peer.ID() }

// BytesReceived returns verified-and-written plaintext bytes so far.
func (s *ReceiveSession) BytesReceived() int64 { return s.bytesReceived.Load() }

// Wait blocks until the session ends or ctx is done.
func (s *ReceiveSession) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel stops the transfer, notifies the sender and waits until every
// partial file is removed. Calling it again is a no-op.
func (s *ReceiveSession) Cancel(ctx context.Context) error {
	s.stop("cancelled by user", true)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop raises the cancellation signal once. notify sends Cancel to the peer.
func (s *ReceiveSession) stop(reason string, notify bool) bool {
	return s.halt(reason, notify, false)
}

// disconnect ends the session as failed after the transport went away.
func (s *ReceiveSession) disconnect() {
	s.halt("connection lost", false, true)
}

func (s *ReceiveSession) halt(reason string, notify, lost bool) bool {
	s.reasonMu.Lock()
	if !s.cancelled.CompareAndSwap(false, true) {
		s.reasonMu.Unlock()
		return false
	}
	s.reason = reason
	s.lost = lost
	s.reasonMu.Unlock()
	s.cancelCtx()

	if notify {
		s.notifyPeer(&protocol.Cancel{SessionID: s.id, Reason: reason})
	}
	return true
}

// stopReason waits out a concurrent halt so reason and lost are consistent.
func (s *ReceiveSession) stopReason() (string, bool) {
	s.reasonMu.Lock()
	defer s.reasonMu.Unlock()
	return s.reason, s.lost
}

// notifyPeer sends a best-effort terminal message outside the session context.
func (s *ReceiveSession) notifyPeer(msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if _, err := s.peer.Request(ctx, msg); err != nil {
		s.logger.Debug("notify peer failed", zap.Stringer("kind", msg.Kind()), zap.Error(err))
	}
}

// run drives the whole download. It is started exactly once by the Manager.
func (s *ReceiveSession) run() {
	defer s.cancelCtx()
	s.tracker.AddBytes(0, time.Now())
	s.logger.Info("receive session started",
		zap.Int("files", len(s.files)),
		zap.Int64("total_size", s.totalSize))

	var (
		failed   []string
		abortErr error
	)
	for i, file := range s.files {
		if s.cancelled.Load() {
			break
		}
		s.tracker.SetFile(i, len(s.files), file.RelativePath)

		err := s.receiveFile(file)
		switch {
		case err == nil:
			s.recordFile(file.FileID, storage.FileStatusCompleted, "")
		case s.cancelled.Load():
			s.recordFile(file.FileID, storage.FileStatusCancelled, "")
		case isFileLevel(err):
			s.logger.Warn("file failed", zap.Uint32("file_id", file.FileID), zap.Error(err))
			s.metrics.ChunkFailed(failureReason(err))
			s.recordFile(file.FileID, storage.FileStatusFailed, err.Error())
			failed = append(failed, file.RelativePath)
			continue
		default:
			s.logger.Warn("session aborted", zap.Uint32("file_id", file.FileID), zap.Error(err))
			s.metrics.ChunkFailed(failureReason(err))
			s.recordFile(file.FileID, storage.FileStatusFailed, err.Error())
			failed = append(failed, file.RelativePath)
			abortErr = err
		}
		if err != nil {
			break
		}
	}

	result := Result{
		BytesTransferred: s.bytesReceived.Load(),
		Location:         s.sink.Location(),
		FailedFiles:      failed,
	}
	switch {
	case s.cancelled.Load():
		reason, lost := s.stopReason()
		result.Status = StatusCancelled
		if lost {
			result.Status = StatusFailed
		}
		result.Reason = reason
	case abortErr != nil:
		result.Status = StatusFailed
		result.Reason = abortErr.Error()
		s.notifyPeer(&protocol.Cancel{SessionID: s.id, Reason: "receiver failed: " + abortErr.Error()})
	case len(failed) > 0:
		result.Status = StatusFailed
		result.Reason = fmt.Sprintf("%d of %d files failed: %s", len(failed), len(s.files), strings.Join(failed, ", "))
		s.notifyPeer(&protocol.Cancel{SessionID: s.id, Reason: result.Reason})
	default:
		result.Status = StatusCompleted
		s.complete()
	}
	result.Elapsed = time.Since(s.startedAt)

	if s.onFinish != nil {
		s.onFinish(s, result)
	}
	s.settle(result)
}

// complete tells the sender every file verified. A lost Ack does not undo
// the already promoted files.
func (s *ReceiveSession) complete() {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	resp, err := s.peer.Request(ctx, &protocol.Complete{SessionID: s.id})
	if err != nil {
		s.logger.Warn("complete not acknowledged", zap.Error(err))
		return
	}
	if _, ok := resp.(*protocol.Ack); !ok {
		s.logger.Warn("complete answered with unexpected response", zap.Stringer("kind", resp.Kind()))
	}
}

// receiveFile fetches one file through a bounded pool of chunk requests,
// then verifies and promotes it. The partial file is always either promoted
// or removed before it returns.
func (s *ReceiveSession) receiveFile(file protocol.FileInfo) error {
	logger := s.logger.With(zap.Uint32("file_id", file.FileID))

	partial, err := s.sink.CreatePartial(s.ctx, file.RelativePath, file.Size, s.chunkSize)
	if err != nil {
		if s.cancelled.Load() {
			return ErrCancelled
		}
		return fmt.Errorf("%w: %w", errStorage, err)
	}

	fileCtx, cancelFile := context.WithCancel(s.ctx)
	defer cancelFile()

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		firstErr error
	)
	fail := func(err error) {
		failOnce.Do(func() {
			firstErr = err
			cancelFile()
		})
	}

	pool := semaphore.NewWeighted(int64(s.concurrency))
	count := protocol.ChunkCount(file.Size, s.chunkSize)
	for index := uint64(0); index < count; index++ {
		if err := pool.Acquire(fileCtx, 1); err != nil {
			break
		}
		if s.cancelled.Load() {
			pool.Release(1)
			break
		}
		wg.Add(1)
		go func(index uint64) {
			defer wg.Done()
			defer pool.Release(1)
			if err := s.fetchChunk(fileCtx, file, partial, index, count); err != nil {
				fail(err)
			}
		}(index)
	}
	wg.Wait()

	if s.cancelled.Load() {
		firstErr = ErrCancelled
	}
	if firstErr != nil {
		if err := s.sink.Discard(context.Background(), partial); err != nil {
			logger.Warn("discard partial file failed", zap.Error(err))
		}
		return firstErr
	}

	if err := s.sink.Finalize(s.ctx, partial, file.Hash); err != nil {
		_ = s.sink.Discard(context.Background(), partial)
		if s.cancelled.Load() {
			return ErrCancelled
		}
		if errors.Is(err, fileio.ErrHashMismatch) {
			return err
		}
		return fmt.Errorf("%w: %w", errStorage, err)
	}
	logger.Debug("file verified", zap.String("location", partial.FinalLocation))
	return nil
}

// fetchChunk requests, decrypts and writes one chunk, retrying transient
// failures with increasing delay.
func (s *ReceiveSession) fetchChunk(ctx context.Context, file protocol.FileInfo, partial *fileio.PartialFile, index, count uint64) error {
	expected := protocol.ChunkLength(file.Size, s.chunkSize, index)
	attempt := 0

	operation := func() error {
		attempt++
		if s.cancelled.Load() {
			return backoff.Permanent(ErrCancelled)
		}
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		ciphertext, err := s.requestChunk(ctx, file.FileID, index, count)
		if err != nil {
			if errors.Is(err, protocol.ErrPeerClosed) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		plaintext, err := s.cipher.DecryptChunk(s.id, file.FileID, index, ciphertext)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("chunk %d of %s: %w", index, file.RelativePath, err))
		}
		if len(plaintext) != expected {
			return backoff.Permanent(fmt.Errorf("chunk %d of %s: got %d bytes want %d: %w", index, file.RelativePath, len(plaintext), expected, errChunkLength))
		}
		if err := s.sink.WriteChunk(ctx, partial, index, plaintext); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return backoff.Permanent(fmt.Errorf("%w: %w", errStorage, err))
		}

		s.addBytes(len(plaintext))
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry.InitialDelay
	policy.MaxInterval = s.retry.MaxDelay
	policy.MaxElapsedTime = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.retry.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		s.metrics.ChunkRetried()
		s.logger.Debug("retrying chunk",
			zap.Uint32("file_id", file.FileID),
			zap.Uint64("chunk_index", index),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, retries, notify)
	switch {
	case err == nil:
		return nil
	case s.cancelled.Load():
		return ErrCancelled
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, protocol.ErrPeerClosed),
		errors.Is(err, errStorage),
		isFileLevel(err):
		return err
	default:
		return fmt.Errorf("chunk %d of %s after %d attempts: %w: %w", index, file.RelativePath, attempt, errRetriesExhausted, err)
	}
}

func (s *ReceiveSession) requestChunk(ctx context.Context, fileID uint32, index, count uint64) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	resp, err := s.peer.Request(reqCtx, &protocol.ChunkRequest{
		SessionID:  s.id,
		FileID:     fileID,
		ChunkIndex: index,
	})
	if err != nil {
		return nil, fmt.Errorf("request chunk %d: %w", index, err)
	}

	chunk, ok := resp.(*protocol.Chunk)
	if !ok {
		return nil, fmt.Errorf("request chunk %d: got %s: %w", index, resp.Kind(), ErrUnexpectedResponse)
	}
	if chunk.SessionID != s.id || chunk.FileID != fileID || chunk.ChunkIndex != index || chunk.IsLast != (index == count-1) {
		return nil, fmt.Errorf("request chunk %d: mismatched chunk address: %w", index, ErrUnexpectedResponse)
	}
	return chunk.Data, nil
}

func (s *ReceiveSession) addBytes(n int) {
	s.bytesReceived.Add(int64(n))
	s.metrics.AddBytes(string(progress.DirectionReceive), n)

	now := time.Now()
	s.tracker.AddBytes(int64(n), now)
	if snap, ok := s.tracker.Emit(now); ok {
		s.emit(Event{
			Kind:      EventProgress,
			SessionID: s.id,
			PeerID:    s.peer.ID(),
			Direction: progress.DirectionReceive,
			Progress:  snap,
		})
	}
}

func (s *ReceiveSession) recordFile(fileID uint32, status, detail string) {
	if s.history == nil {
		return
	}
	if err := s.history.UpdateFileStatus(s.id, fileID, status, detail); err != nil {
		s.logger.Warn("record file status failed", zap.Uint32("file_id", fileID), zap.Error(err))
	}
}

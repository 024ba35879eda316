package transfer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pullsend/crypto"
	"pullsend/fileio"
	"pullsend/metrics"
	"pullsend/progress"
	"pullsend/protocol"
)

// SendSession is the passive half of a transfer. It answers chunk requests
// from an immutable file table and keeps no per-request state.
type SendSession struct {
	outcome

	id        string
	peer      Peer
	peerID    string
	chunkSize int
	files     map[uint32]fileio.PreparedFile
	infos     []protocol.FileInfo
	totalSize int64
	startedAt time.Time

	cipher    atomic.Pointer[crypto.ChunkCipher]
	ready     chan struct{}
	cancelled atomic.Bool
	bytesSent atomic.Int64

	tracker *progress.Tracker
	logger  *zap.Logger
	metrics *metrics.Collector
	emit    func(Event)
}

func newSendSession(id string, peer Peer, files []fileio.PreparedFile, opts Options, emit func(Event)) *SendSession {
	table := make(map[uint32]fileio.PreparedFile, len(files))
	infos := make([]protocol.FileInfo, 0, len(files))
	var total int64
	for _, file := range files {
		table[file.ID] = file
		infos = append(infos, protocol.FileInfo{
			FileID:       file.ID,
			Name:         file.Name,
			RelativePath: file.RelativePath,
			Size:         file.Size,
			Hash:         file.Hash,
		})
		total += file.Size
	}
	peerID := peer.ID()
	return &SendSession{
		outcome:   outcome{done: make(chan struct{})},
		id:        id,
		peer:      peer,
		peerID:    peerID,
		ready:     make(chan struct{}),
		chunkSize: opts.ChunkSize,
		files:     table,
		infos:     infos,
		totalSize: total,
		startedAt: time.Now(),
		tracker:   progress.NewTracker(id, progress.DirectionSend, total, opts.Progress),
		logger:    opts.Logger.With(zap.String("session_id", id), zap.String("peer_id", peerID)),
		metrics:   opts.Metrics,
		emit:      emit,
	}
}

// ID returns the session id.
func (s *SendSession) ID() string { return s.id }

// PeerID returns the receiving device.
func (s *SendSession) PeerID() string { return s.peerID }

// BytesSent returns plaintext bytes served so far, counting a chunk again
// each time it is requested. Results and progress snapshots cap it at the
// offer's total size.
func (s *SendSession) BytesSent() int64 { return s.bytesSent.Load() }

// Cancelled reports whether the session stopped serving chunks.
func (s *SendSession) Cancelled() bool { return s.cancelled.Load() }

// Wait blocks until the session ends or ctx is done.
func (s *SendSession) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
		return s.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (s *SendSession) activate(key []byte) error {
	c, err := crypto.NewChunkCipher(key)
	if err != nil {
		return err
	}
	s.cipher.Store(c)
	s.tracker.AddBytes(0, time.Now())
	close(s.ready)
	return nil
}

// awaitCipher holds a request that raced ahead of the offer result until
// the session key is installed.
func (s *SendSession) awaitCipher(ctx context.Context) (*crypto.ChunkCipher, bool) {
	if c := s.cipher.Load(); c != nil {
		return c, true
	}
	select {
	case <-s.ready:
		return s.cipher.Load(), true
	case <-s.done:
	case <-ctx.Done():
	}
	return nil, false
}

func (s *SendSession) stop() bool {
	return s.cancelled.CompareAndSwap(false, true)
}

// HandleChunkRequest serves one encrypted chunk. Unknown files, out of range
// indices and stopped sessions get the same inert Ack as an unknown session.
func (s *SendSession) HandleChunkRequest(ctx context.Context, req *protocol.ChunkRequest) protocol.Message {
	inert := &protocol.Ack{SessionID: req.SessionID}
	c, ok := s.awaitCipher(ctx)
	if !ok || s.cancelled.Load() {
		return inert
	}
	file, known := s.files[req.FileID]
	if !known {
		return inert
	}
	count := protocol.ChunkCount(file.Size, s.chunkSize)
	if req.ChunkIndex >= count {
		return inert
	}

	plaintext, err := file.Source.ReadChunk(ctx, req.ChunkIndex, s.chunkSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("read chunk failed",
				zap.Uint32("file_id", req.FileID),
				zap.Uint64("chunk_index", req.ChunkIndex),
				zap.Error(err))
		}
		return inert
	}

	data := c.EncryptChunk(s.id, req.FileID, req.ChunkIndex, plaintext)
	n := len(plaintext)
	s.bytesSent.Add(int64(n))
	s.metrics.AddBytes(string(progress.DirectionSend), n)

	now := time.Now()
	s.tracker.AddBytes(int64(n), now)
	if snap, ok := s.tracker.Emit(now); ok {
		s.emit(Event{
			Kind:      EventProgress,
			SessionID: s.id,
			PeerID:    s.peerID,
			Direction: progress.DirectionSend,
			Progress:  snap,
		})
	}

	return &protocol.Chunk{
		SessionID:  s.id,
		FileID:     req.FileID,
		ChunkIndex: req.ChunkIndex,
		Data:       data,
		IsLast:     req.ChunkIndex == count-1,
	}
}

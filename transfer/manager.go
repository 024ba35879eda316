// Package transfer implements the pull-based encrypted file transfer engine:
// the passive send session, the active receive session and the manager that
// routes protocol messages between them and a peer.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"pullsend/crypto"
	"pullsend/fileio"
	"pullsend/progress"
	"pullsend/protocol"
	"pullsend/storage"
)

type decision struct {
	accept  bool
	saveDir string
	reason  string
}

type pendingProposal struct {
	Proposal
	decided chan decision
}

// Manager owns every live session of the process. Sessions remove
// themselves on completion; the manager never polls.
type Manager struct {
	opts   Options
	logger *zap.Logger

	sends     *xsync.MapOf[string, *SendSession]
	receives  *xsync.MapOf[string, *ReceiveSession]
	proposals *xsync.MapOf[string, *pendingProposal]
	retired   *xsync.MapOf[string, struct{}]

	wg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		sends:     xsync.NewMapOf[string, *SendSession](),
		receives:  xsync.NewMapOf[string, *ReceiveSession](),
		proposals: xsync.NewMapOf[string, *pendingProposal](),
		retired:   xsync.NewMapOf[string, struct{}](),
	}
}

// Prepare scans and hashes sources into an offerable file list.
func (m *Manager) Prepare(ctx context.Context, sources ...fileio.Source) ([]fileio.PreparedFile, error) {
	return fileio.Prepare(ctx, sources, fileio.DefaultHashConcurrency)
}

// PreparePaths is Prepare over local filesystem paths.
func (m *Manager) PreparePaths(ctx context.Context, paths ...string) ([]fileio.PreparedFile, error) {
	sources := make([]fileio.Source, 0, len(paths))
	for _, path := range paths {
		sources = append(sources, fileio.NewPathSource(path))
	}
	return m.Prepare(ctx, sources...)
}

// StartSend offers files to peer and blocks until the peer decides. On
// acceptance the returned session serves chunk requests until it ends.
func (m *Manager) StartSend(ctx context.Context, peer Peer, files []fileio.PreparedFile) (*SendSession, error) {
	if len(files) == 0 {
		return nil, errors.New("at least one file is required")
	}
	seen := make(map[uint32]struct{}, len(files))
	for _, file := range files {
		if _, dup := seen[file.ID]; dup {
			return nil, fmt.Errorf("duplicate file id %d", file.ID)
		}
		seen[file.ID] = struct{}{}
	}

	id := uuid.NewString()
	session := newSendSession(id, peer, files, m.opts, m.emit)
	if _, loaded := m.sends.LoadOrStore(id, session); loaded {
		return nil, ErrSessionExists
	}
	m.saveHistory(storage.TransferRecord{
		SessionID: id,
		PeerID:    peer.ID(),
		Direction: storage.DirectionSend,
		TotalSize: session.totalSize,
		Files:     historyFiles(session.infos),
	})

	offerCtx, cancel := context.WithTimeout(ctx, m.opts.OfferTimeout+m.opts.RequestTimeout)
	defer cancel()
	resp, err := peer.Request(offerCtx, &protocol.Offer{
		SessionID:  id,
		SenderName: m.opts.DeviceName,
		Files:      session.infos,
		TotalSize:  session.totalSize,
		ChunkSize:  m.opts.ChunkSize,
	})
	if err != nil {
		m.abandonSend(session, StatusFailed, err.Error())
		return nil, fmt.Errorf("send offer: %w", err)
	}

	result, ok := resp.(*protocol.OfferResult)
	if !ok || result.SessionID != id {
		m.abandonSend(session, StatusFailed, "unexpected offer response")
		return nil, fmt.Errorf("send offer: got %s: %w", resp.Kind(), ErrUnexpectedResponse)
	}
	if !result.Accepted {
		m.abandonSend(session, StatusRejected, result.Reason)
		return nil, wrapReason(ErrOfferRejected, result.Reason)
	}
	if err := session.activate(result.Key); err != nil {
		m.abandonSend(session, StatusFailed, err.Error())
		go m.notify(peer, &protocol.Cancel{SessionID: id, Reason: "invalid session key"})
		return nil, fmt.Errorf("activate session: %w", err)
	}

	m.opts.Metrics.SessionStarted(string(progress.DirectionSend))
	m.updateHistory(id, storage.TransferStatusActive, "", 0)
	session.logger.Info("offer accepted", zap.Int("files", len(files)), zap.Int64("total_size", session.totalSize))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-peer.Done():
			m.finishSend(session, Result{Status: StatusFailed, Reason: "connection lost"})
		case <-session.Done():
		}
	}()
	return session, nil
}

// abandonSend removes a send session that never became active.
func (m *Manager) abandonSend(session *SendSession, status Status, reason string) {
	session.stop()
	m.sends.Delete(session.id)
	m.retired.Store(session.id, struct{}{})
	m.updateHistory(session.id, string(status), reason, 0)
	session.settle(Result{Status: status, Reason: reason, Elapsed: time.Since(session.startedAt)})
}

// finishSend ends an active send session exactly once.
func (m *Manager) finishSend(session *SendSession, result Result) {
	session.stop()
	result.BytesTransferred = min(session.BytesSent(), session.totalSize)
	result.Elapsed = time.Since(session.startedAt)
	if !session.settle(result) {
		return
	}
	m.sends.Delete(session.id)
	m.retired.Store(session.id, struct{}{})
	m.updateHistory(session.id, string(result.Status), result.Reason, result.BytesTransferred)
	m.opts.Metrics.SessionFinished(string(progress.DirectionSend), string(result.Status), result.Elapsed)
	session.logger.Info("send session finished", zap.String("status", string(result.Status)), zap.String("reason", result.Reason))
	m.emit(terminalEvent(session.id, session.peerID, progress.DirectionSend, result))
}

// finishReceive is the receive session's completion callback.
func (m *Manager) finishReceive(session *ReceiveSession, result Result) {
	m.receives.Delete(session.id)
	m.retired.Store(session.id, struct{}{})
	m.updateHistory(session.id, string(result.Status), result.Reason, result.BytesTransferred)
	m.opts.Metrics.SessionFinished(string(progress.DirectionReceive), string(result.Status), result.Elapsed)
	session.logger.Info("receive session finished", zap.String("status", string(result.Status)), zap.String("reason", result.Reason))
	m.emit(terminalEvent(session.id, session.peer.ID(), progress.DirectionReceive, result))
}

// Accept accepts a pending offer, saving into saveDir (or Options.SaveDir).
func (m *Manager) Accept(sessionID, saveDir string) error {
	return m.decide(sessionID, decision{accept: true, saveDir: saveDir})
}

// Reject declines a pending offer.
func (m *Manager) Reject(sessionID, reason string) error {
	if reason == "" {
		reason = "declined"
	}
	return m.decide(sessionID, decision{reason: reason})
}

func (m *Manager) decide(sessionID string, d decision) error {
	pending, ok := m.proposals.Load(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	select {
	case pending.decided <- d:
		return nil
	default:
		return fmt.Errorf("offer %s already decided", sessionID)
	}
}

// Cancel cancels a live session on either side, or rejects a pending offer.
// It returns once local cleanup is done.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	if session, ok := m.sends.Load(sessionID); ok {
		m.notify(session.peer, &protocol.Cancel{SessionID: sessionID, Reason: "cancelled by user"})
		m.finishSend(session, Result{Status: StatusCancelled, Reason: "cancelled by user"})
		return nil
	}
	if session, ok := m.receives.Load(sessionID); ok {
		return session.Cancel(ctx)
	}
	if _, ok := m.proposals.Load(sessionID); ok {
		return m.Reject(sessionID, "cancelled by receiver")
	}
	return ErrSessionNotFound
}

// SendSession looks up a live send session.
func (m *Manager) SendSession(sessionID string) (*SendSession, bool) {
	return m.sends.Load(sessionID)
}

// ReceiveSession looks up a live receive session.
func (m *Manager) ReceiveSession(sessionID string) (*ReceiveSession, bool) {
	return m.receives.Load(sessionID)
}

// PendingOffers lists offers awaiting Accept or Reject, oldest first.
func (m *Manager) PendingOffers() []Proposal {
	var out []Proposal
	m.proposals.Range(func(_ string, p *pendingProposal) bool {
		out = append(out, p.Proposal)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// Sessions lists the ids of live send and receive sessions.
func (m *Manager) Sessions() []string {
	var ids []string
	m.sends.Range(func(id string, _ *SendSession) bool {
		ids = append(ids, id)
		return true
	})
	m.receives.Range(func(id string, _ *ReceiveSession) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Close cancels every live session and waits for background work.
func (m *Manager) Close(ctx context.Context) error {
	m.proposals.Range(func(id string, _ *pendingProposal) bool {
		_ = m.Reject(id, "receiver shutting down")
		return true
	})
	for _, id := range m.Sessions() {
		if err := m.Cancel(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleRequest answers one inbound request from peer. It is the single
// routing point for protocol messages; anything it cannot route gets an
// inert Ack.
func (m *Manager) HandleRequest(ctx context.Context, peer Peer, msg protocol.Message) protocol.Message {
	switch req := msg.(type) {
	case *protocol.Offer:
		return m.handleOffer(ctx, peer, req)
	case *protocol.ChunkRequest:
		if session, ok := m.sends.Load(req.SessionID); ok && session.peerID == peer.ID() {
			return session.HandleChunkRequest(ctx, req)
		}
	case *protocol.Complete:
		if session, ok := m.sends.Load(req.SessionID); ok && session.peerID == peer.ID() {
			m.finishSend(session, Result{Status: StatusCompleted})
		}
	case *protocol.Cancel:
		m.handleCancel(peer, req)
	}
	return &protocol.Ack{SessionID: protocol.SessionOf(msg)}
}

func (m *Manager) handleCancel(peer Peer, req *protocol.Cancel) {
	if session, ok := m.sends.Load(req.SessionID); ok && session.peerID == peer.ID() {
		m.finishSend(session, Result{Status: StatusCancelled, Reason: peerReason("receiver", req.Reason)})
		return
	}
	if session, ok := m.receives.Load(req.SessionID); ok && session.peer.ID() == peer.ID() {
		session.stop(peerReason("sender", req.Reason), false)
		return
	}
	if pending, ok := m.proposals.Load(req.SessionID); ok && pending.PeerID == peer.ID() {
		_ = m.Reject(req.SessionID, peerReason("sender", req.Reason))
	}
}

func (m *Manager) handleOffer(ctx context.Context, peer Peer, offer *protocol.Offer) protocol.Message {
	reject := func(reason string) protocol.Message {
		m.logger.Info("offer rejected", zap.String("session_id", offer.SessionID), zap.String("peer_id", peer.ID()), zap.String("reason", reason))
		return &protocol.OfferResult{SessionID: offer.SessionID, Accepted: false, Reason: reason}
	}

	if err := validateOffer(offer); err != nil {
		return reject(err.Error())
	}
	if m.known(offer.SessionID) {
		return reject("duplicate session")
	}

	pending := &pendingProposal{
		Proposal: Proposal{
			SessionID:  offer.SessionID,
			PeerID:     peer.ID(),
			SenderName: offer.SenderName,
			Files:      offer.Files,
			TotalSize:  offer.TotalSize,
			ChunkSize:  offer.ChunkSize,
			ReceivedAt: time.Now(),
		},
		decided: make(chan decision, 1),
	}
	if _, loaded := m.proposals.LoadOrStore(offer.SessionID, pending); loaded {
		return reject("duplicate session")
	}
	d := m.awaitDecision(ctx, peer, pending)
	m.proposals.Delete(offer.SessionID)

	if !d.accept {
		m.retired.Store(offer.SessionID, struct{}{})
		m.saveHistory(receiveRecord(pending.Proposal, storage.TransferStatusRejected, "", d.reason))
		return reject(d.reason)
	}

	saveDir := d.saveDir
	if saveDir == "" {
		saveDir = m.opts.SaveDir
	}
	sink, err := m.opts.OpenSink(saveDir)
	if err != nil {
		m.retired.Store(offer.SessionID, struct{}{})
		return reject("destination unavailable")
	}
	key, err := crypto.GenerateSessionKey()
	if err != nil {
		m.retired.Store(offer.SessionID, struct{}{})
		return reject("internal error")
	}
	session, err := newReceiveSession(pending.Proposal, peer, key, sink, m.opts, m.emit, m.finishReceive)
	if err != nil {
		m.retired.Store(offer.SessionID, struct{}{})
		return reject("internal error")
	}
	if _, loaded := m.receives.LoadOrStore(offer.SessionID, session); loaded {
		return reject("duplicate session")
	}

	m.saveHistory(receiveRecord(pending.Proposal, storage.TransferStatusActive, sink.Location(), ""))
	m.opts.Metrics.SessionStarted(string(progress.DirectionReceive))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		session.run()
	}()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-peer.Done():
			session.disconnect()
		case <-session.Done():
		}
	}()

	return &protocol.OfferResult{SessionID: offer.SessionID, Accepted: true, Key: key}
}

func (m *Manager) awaitDecision(ctx context.Context, peer Peer, pending *pendingProposal) decision {
	if m.opts.AutoAccept != nil {
		accept, saveDir := m.opts.AutoAccept(pending.Proposal)
		if !accept {
			return decision{reason: "declined"}
		}
		return decision{accept: true, saveDir: saveDir}
	}

	proposal := pending.Proposal
	m.emit(Event{
		Kind:      EventOffer,
		SessionID: proposal.SessionID,
		PeerID:    proposal.PeerID,
		Direction: progress.DirectionReceive,
		Proposal:  &proposal,
	})

	timer := time.NewTimer(m.opts.OfferTimeout)
	defer timer.Stop()
	select {
	case d := <-pending.decided:
		return d
	case <-timer.C:
		return decision{reason: "offer timed out"}
	case <-ctx.Done():
		return decision{reason: "offer abandoned"}
	case <-peer.Done():
		return decision{reason: "connection lost"}
	}
}

func (m *Manager) known(sessionID string) bool {
	if _, ok := m.retired.Load(sessionID); ok {
		return true
	}
	if _, ok := m.sends.Load(sessionID); ok {
		return true
	}
	if _, ok := m.receives.Load(sessionID); ok {
		return true
	}
	_, ok := m.proposals.Load(sessionID)
	return ok
}

func (m *Manager) notify(peer Peer, msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.RequestTimeout)
	defer cancel()
	if _, err := peer.Request(ctx, msg); err != nil {
		m.logger.Debug("notify peer failed", zap.String("peer_id", peer.ID()), zap.Error(err))
	}
}

func (m *Manager) emit(event Event) {
	if m.opts.Events != nil {
		m.opts.Events(event)
	}
}

func (m *Manager) saveHistory(record storage.TransferRecord) {
	if m.opts.History == nil {
		return
	}
	if err := m.opts.History.SaveTransfer(record); err != nil {
		m.logger.Warn("record transfer failed", zap.String("session_id", record.SessionID), zap.Error(err))
	}
}

func (m *Manager) updateHistory(sessionID, status, detail string, bytes int64) {
	if m.opts.History == nil {
		return
	}
	if err := m.opts.History.UpdateTransferStatus(sessionID, status, detail, bytes); err != nil {
		m.logger.Warn("update transfer history failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func validateOffer(offer *protocol.Offer) error {
	if offer.SessionID == "" {
		return errors.New("missing session id")
	}
	if len(offer.Files) == 0 {
		return errors.New("empty offer")
	}
	if !protocol.ValidChunkSize(offer.ChunkSize) {
		return fmt.Errorf("unsupported chunk size %d", offer.ChunkSize)
	}
	var total int64
	ids := make(map[uint32]struct{}, len(offer.Files))
	for _, file := range offer.Files {
		if _, dup := ids[file.FileID]; dup {
			return fmt.Errorf("duplicate file id %d", file.FileID)
		}
		ids[file.FileID] = struct{}{}
		if file.Size < 0 {
			return fmt.Errorf("invalid size for file %d", file.FileID)
		}
		if file.Hash == "" {
			return fmt.Errorf("missing hash for file %d", file.FileID)
		}
		if _, err := fileio.CleanRelativePath(file.RelativePath); err != nil {
			return errors.New("invalid file path")
		}
		total += file.Size
	}
	if total != offer.TotalSize {
		return errors.New("total size mismatch")
	}
	return nil
}

func receiveRecord(p Proposal, status, location, detail string) storage.TransferRecord {
	return storage.TransferRecord{
		SessionID: p.SessionID,
		PeerID:    p.PeerID,
		PeerName:  p.SenderName,
		Direction: storage.DirectionReceive,
		Status:    status,
		TotalSize: p.TotalSize,
		Location:  location,
		Detail:    detail,
		Files:     historyFiles(p.Files),
	}
}

func historyFiles(infos []protocol.FileInfo) []storage.TransferFileRecord {
	files := make([]storage.TransferFileRecord, 0, len(infos))
	for _, info := range infos {
		files = append(files, storage.TransferFileRecord{
			FileID:       info.FileID,
			RelativePath: info.RelativePath,
			Size:         info.Size,
			Hash:         info.Hash,
		})
	}
	return files
}

func terminalEvent(sessionID, peerID string, direction progress.Direction, result Result) Event {
	kind := EventFailed
	switch result.Status {
	case StatusCompleted:
		kind = EventCompleted
	case StatusCancelled:
		kind = EventCancelled
	}
	return Event{Kind: kind, SessionID: sessionID, PeerID: peerID, Direction: direction, Result: result}
}

func peerReason(side, reason string) string {
	if reason == "" {
		return "cancelled by " + side
	}
	return "cancelled by " + side + ": " + reason
}

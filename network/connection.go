package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"pullsend/crypto"
	"pullsend/protocol"
)

var (
	// ErrPongTimeout indicates keep-alive timed out waiting for pong.
	ErrPongTimeout = errors.New("network: pong timeout")
)

// ConnectionState represents the lifecycle state of one peer connection.
type ConnectionState string

const (
	StateConnecting    ConnectionState = "CONNECTING"
	StateReady         ConnectionState = "READY"
	StateIdle          ConnectionState = "IDLE"
	StateDisconnecting ConnectionState = "DISCONNECTING"
	StateDisconnected  ConnectionState = "DISCONNECTED"
)

// Handler answers one inbound request. Each request runs on its own
// goroutine; ctx is cancelled when the connection closes.
type Handler func(ctx context.Context, conn *PeerConnection, msg protocol.Message) protocol.Message

type packetType uint8

const (
	packetRequest packetType = iota + 1
	packetResponse
	packetPing
	packetPong
	packetClose
)

// packet is the plaintext of every sealed post-handshake frame.
type packet struct {
	ID      uint64     `msgpack:"id"`
	Type    packetType `msgpack:"type"`
	Payload []byte     `msgpack:"payload,omitempty"`
}

// ConnectionOptions controls runtime behavior of PeerConnection.
type ConnectionOptions struct {
	LocalDeviceID     string
	Peer              PeerInfo
	Handler           Handler
	Logger            *zap.Logger
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

// PeerConnection is an authenticated, encrypted request/response channel to
// one peer. Requests from both sides are multiplexed over one TCP stream.
type PeerConnection struct {
	conn   net.Conn
	cipher *crypto.FrameCipher

	localDeviceID string
	peer          PeerInfo
	handler       Handler
	logger        *zap.Logger

	nextID    atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan []byte

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	handlerCtx    context.Context
	cancelHandler context.CancelFunc
	handlers      sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newPeerConnection(conn net.Conn, connectionKey []byte, options ConnectionOptions) (*PeerConnection, error) {
	cipher, err := crypto.NewFrameCipher(connectionKey)
	if err != nil {
		return nil, err
	}

	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	peer := options.Peer
	if peer.Address == "" && conn.RemoteAddr() != nil {
		peer.Address = conn.RemoteAddr().String()
	}

	handlerCtx, cancel := context.WithCancel(context.Background())
	pc := &PeerConnection{
		conn:              conn,
		cipher:            cipher,
		localDeviceID:     options.LocalDeviceID,
		peer:              peer,
		handler:           options.Handler,
		logger:            logger.With(zap.String("peer_id", peer.DeviceID)),
		pending:           make(map[uint64]chan []byte),
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		handlerCtx:        handlerCtx,
		cancelHandler:     cancel,
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}

	pc.touchActivity()
	pc.setState(StateReady)
	go pc.readLoop()
	go pc.keepAliveLoop()

	return pc, nil
}

// ID returns the verified device id of the peer.
func (pc *PeerConnection) ID() string {
	return pc.peer.DeviceID
}

// Peer returns the verified identity of the remote side.
func (pc *PeerConnection) Peer() PeerInfo {
	return pc.peer
}

// State returns the current connection state.
func (pc *PeerConnection) State() ConnectionState {
	pc.stateMu.RLock()
	defer pc.stateMu.RUnlock()
	return pc.state
}

// Done is closed when the connection is fully disconnected.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.closed
}

// LastError returns the terminal connection error, if any.
func (pc *PeerConnection) LastError() error {
	pc.errMu.RLock()
	defer pc.errMu.RUnlock()
	return pc.closeErr
}

// Request sends msg and waits for the matching response.
func (pc *PeerConnection) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}

	id := pc.nextID.Add(1)
	replies := make(chan []byte, 1)
	pc.pendingMu.Lock()
	pc.pending[id] = replies
	pc.pendingMu.Unlock()
	defer func() {
		pc.pendingMu.Lock()
		delete(pc.pending, id)
		pc.pendingMu.Unlock()
	}()

	if err := pc.writePacket(packet{ID: id, Type: packetRequest, Payload: payload}); err != nil {
		return nil, err
	}
	pc.setState(StateReady)

	select {
	case reply := <-replies:
		return protocol.Decode(reply)
	case <-pc.closed:
		return nil, protocol.ErrPeerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Disconnect tells the peer the connection is closing, then closes it.
func (pc *PeerConnection) Disconnect() error {
	pc.setState(StateDisconnecting)
	_ = pc.writePacket(packet{Type: packetClose})
	return pc.Close()
}

// Close terminates the connection and waits for running handlers. It must
// not be called from inside a Handler.
func (pc *PeerConnection) Close() error {
	pc.closeWithError(nil)
	pc.handlers.Wait()
	return nil
}

func (pc *PeerConnection) writePacket(p packet) error {
	select {
	case <-pc.closed:
		return protocol.ErrPeerClosed
	default:
	}

	plaintext, err := msgpack.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}
	sealed, err := pc.cipher.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("seal packet: %w", err)
	}

	pc.sendMu.Lock()
	defer pc.sendMu.Unlock()
	if err := WriteFrame(pc.conn, sealed); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		pc.closeWithError(fmt.Errorf("write frame: %w", err))
		return fmt.Errorf("%w: %v", protocol.ErrPeerClosed, err)
	}

	pc.touchActivity()
	return nil
}

func (pc *PeerConnection) readLoop() {
	for {
		select {
		case <-pc.closed:
			return
		default:
		}

		frame, err := ReadFrameWithTimeout(pc.conn, pc.frameReadTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				pc.closeWithError(nil)
				return
			}

			pc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		pc.touchActivity()
		plaintext, err := pc.cipher.Open(frame)
		if err != nil {
			pc.closeWithError(fmt.Errorf("open frame: %w", err))
			return
		}
		var p packet
		if err := msgpack.Unmarshal(plaintext, &p); err != nil {
			pc.closeWithError(fmt.Errorf("decode packet: %w", err))
			return
		}

		switch p.Type {
		case packetRequest:
			pc.handlers.Add(1)
			go pc.serve(p)
		case packetResponse:
			pc.deliver(p)
		case packetPing:
			pc.setState(StateIdle)
			_ = pc.writePacket(packet{ID: p.ID, Type: packetPong})
		case packetPong:
			pc.ackPong()
			pc.setState(StateIdle)
		case packetClose:
			pc.setState(StateDisconnecting)
			pc.closeWithError(nil)
			return
		default:
			pc.logger.Debug("ignoring unknown packet type", zap.Uint8("type", uint8(p.Type)))
		}
	}
}

// serve answers one inbound request. Undecodable or unhandled requests get an
// inert Ack so the requester never waits for its timeout.
func (pc *PeerConnection) serve(p packet) {
	defer pc.handlers.Done()

	var response protocol.Message
	msg, err := protocol.Decode(p.Payload)
	switch {
	case err != nil:
		pc.logger.Warn("dropping undecodable request", zap.Error(err))
		response = &protocol.Ack{}
	case pc.handler == nil:
		response = &protocol.Ack{SessionID: protocol.SessionOf(msg)}
	default:
		response = pc.handler(pc.handlerCtx, pc, msg)
		if response == nil {
			response = &protocol.Ack{SessionID: protocol.SessionOf(msg)}
		}
	}

	payload, err := protocol.Encode(response)
	if err != nil {
		pc.logger.Warn("encode response failed", zap.Error(err))
		return
	}
	if err := pc.writePacket(packet{ID: p.ID, Type: packetResponse, Payload: payload}); err != nil && !errors.Is(err, protocol.ErrPeerClosed) {
		pc.logger.Warn("write response failed", zap.Error(err))
	}
}

func (pc *PeerConnection) deliver(p packet) {
	pc.pendingMu.Lock()
	replies, ok := pc.pending[p.ID]
	pc.pendingMu.Unlock()
	if !ok {
		// The requester gave up already.
		return
	}
	select {
	case replies <- p.Payload:
	default:
	}
}

func (pc *PeerConnection) keepAliveLoop() {
	checkEvery := pc.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = pc.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if pc.State() == StateDisconnected {
				return
			}

			if pc.waitingPongExpired() {
				pc.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, pc.lastActivity.Load()))
			if idleFor < pc.keepAliveInterval {
				continue
			}

			if pc.isWaitingPong() {
				continue
			}

			if err := pc.writePacket(packet{Type: packetPing}); err != nil {
				return
			}
			pc.setWaitingPong(time.Now().Add(pc.keepAliveTimeout))
			pc.setState(StateIdle)
		case <-pc.closed:
			return
		}
	}
}

func (pc *PeerConnection) setState(state ConnectionState) {
	pc.stateMu.Lock()
	defer pc.stateMu.Unlock()
	if pc.state == StateDisconnected {
		return
	}
	pc.state = state
}

func (pc *PeerConnection) touchActivity() {
	pc.lastActivity.Store(time.Now().UnixNano())
}

func (pc *PeerConnection) setWaitingPong(deadline time.Time) {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = true
	pc.pongDeadline = deadline
}

func (pc *PeerConnection) ackPong() {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	pc.waitingPong = false
	pc.pongDeadline = time.Time{}
}

func (pc *PeerConnection) isWaitingPong() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong
}

func (pc *PeerConnection) waitingPongExpired() bool {
	pc.waitMu.Lock()
	defer pc.waitMu.Unlock()
	return pc.waitingPong && time.Now().After(pc.pongDeadline)
}

func (pc *PeerConnection) closeWithError(err error) {
	pc.closeOnce.Do(func() {
		pc.errMu.Lock()
		pc.closeErr = err
		pc.errMu.Unlock()

		pc.stateMu.Lock()
		pc.state = StateDisconnected
		pc.stateMu.Unlock()
		_ = pc.conn.Close()
		pc.cancelHandler()
		close(pc.closed)
	})
}

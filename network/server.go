package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"pullsend/crypto"
)

// Server accepts inbound TCP sessions and upgrades them to PeerConnection.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan *PeerConnection
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and handshake accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan *PeerConnection, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Incoming returns accepted and handshaked peer connections.
func (s *Server) Incoming() <-chan *PeerConnection {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	peerConnection, err := s.serverHandshake(conn)
	if err != nil {
		_ = conn.Close()
		s.reportError(fmt.Errorf("handshake with %s: %w", conn.RemoteAddr(), err))
		return
	}

	select {
	case s.incoming <- peerConnection:
	case <-s.closed:
		_ = peerConnection.Close()
	}
}

func (s *Server) serverHandshake(conn net.Conn) (*PeerConnection, error) {
	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	nonce, err := newHandshakeNonce()
	if err != nil {
		return nil, err
	}
	if err := s.send(conn, handshakeMessage{Type: typeChallenge, Nonce: nonce, ProtocolVersion: ProtocolVersion}); err != nil {
		return nil, fmt.Errorf("write handshake challenge: %w", err)
	}

	helloPayload, err := ReadControlFrameWithTimeout(conn, s.options.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	hello, err := decodeHandshake(helloPayload, typeHello)
	if errors.Is(err, ErrUnsupportedVersion) {
		_ = s.send(conn, makeVersionMismatchError(hello.ProtocolVersion))
		return nil, err
	}
	if err != nil {
		_ = s.send(conn, makeHandshakeError("unknown_type", err.Error()))
		return nil, err
	}

	peer, err := verifyHello(hello, nonce)
	if err != nil {
		_ = s.send(conn, makeHandshakeError("invalid_hello", "Hello verification failed."))
		return nil, fmt.Errorf("verify hello: %w", err)
	}
	peer.Address = conn.RemoteAddr().String()
	if err := checkPeer(s.options.VerifyPeer, peer); err != nil {
		_ = s.send(conn, makeHandshakeError("untrusted_peer", err.Error()))
		return nil, err
	}

	ephemeral, err := crypto.GenerateEphemeralKey()
	if err != nil {
		return nil, err
	}
	key, err := deriveConnectionKey(ephemeral, hello.EphemeralKey, nonce, hello.Nonce, peer.DeviceID, s.options.Identity.DeviceID)
	if err != nil {
		return nil, err
	}

	response, err := buildHello(s.options.Identity, ephemeral, nonce, hello.Nonce)
	if err != nil {
		return nil, err
	}
	if err := s.send(conn, response); err != nil {
		return nil, fmt.Errorf("write hello response: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, key, s.options.connectionOptions(peer))
}

func (s *Server) send(conn net.Conn, message handshakeMessage) error {
	payload, err := encodeHandshake(message)
	if err != nil {
		return err
	}
	return WriteFrame(conn, payload)
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}

package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"pullsend/protocol"
)

const (
	// ProtocolVersion is the current connection protocol version.
	ProtocolVersion = 1
	// MaxFrameSize bounds a sealed post-handshake frame: the largest chunk
	// plus envelope and sealing overhead.
	MaxFrameSize = protocol.MaxChunkSize + 64*1024
	// MaxControlFrameSize bounds handshake frames.
	MaxControlFrameSize = 16 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 15 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

var (
	// ErrFrameTooLarge indicates payload exceeds the frame size limit.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrPeerRejected indicates the trust callback refused the peer.
	ErrPeerRejected = errors.New("network: peer rejected")
)

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame of at most MaxFrameSize bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrame(r, MaxFrameSize)
}

// ReadControlFrame reads one handshake frame of at most MaxControlFrameSize bytes.
func ReadControlFrame(r io.Reader) ([]byte, error) {
	return readFrame(r, MaxControlFrameSize)
}

func readFrame(r io.Reader, limit uint32) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	return readFrameWithTimeout(conn, timeout, MaxFrameSize)
}

// ReadControlFrameWithTimeout reads a handshake frame with an optional read deadline.
func ReadControlFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	return readFrameWithTimeout(conn, timeout, MaxControlFrameSize)
}

func readFrameWithTimeout(conn net.Conn, timeout time.Duration, limit uint32) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return readFrame(conn, limit)
}

package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"pullsend/crypto"
)

// Dial connects to a peer, performs the handshake, and returns a ready PeerConnection.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	connection, err := clientHandshake(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return connection, nil
}

func clientHandshake(conn net.Conn, opts HandshakeOptions) (*PeerConnection, error) {
	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	challengePayload, err := ReadControlFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("read handshake challenge: %w", err)
	}
	challenge, err := decodeHandshake(challengePayload, typeChallenge)
	if err != nil {
		return nil, err
	}
	if len(challenge.Nonce) != handshakeNonceSize {
		return nil, fmt.Errorf("invalid handshake challenge nonce length: got %d want %d", len(challenge.Nonce), handshakeNonceSize)
	}

	ephemeral, err := crypto.GenerateEphemeralKey()
	if err != nil {
		return nil, err
	}
	nonce, err := newHandshakeNonce()
	if err != nil {
		return nil, err
	}

	hello, err := buildHello(opts.Identity, ephemeral, nonce, challenge.Nonce)
	if err != nil {
		return nil, err
	}
	payload, err := encodeHandshake(hello)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	responsePayload, err := ReadControlFrameWithTimeout(conn, opts.ConnectionTimeout)
	if err != nil {
		return nil, fmt.Errorf("read hello response: %w", err)
	}
	response, err := decodeHandshake(responsePayload, typeHello)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(response.Nonce, challenge.Nonce) {
		return nil, errors.New("hello response does not match the handshake challenge")
	}

	peer, err := verifyHello(response, nonce)
	if err != nil {
		return nil, fmt.Errorf("verify hello response: %w", err)
	}
	peer.Address = conn.RemoteAddr().String()
	if err := checkPeer(opts.VerifyPeer, peer); err != nil {
		return nil, err
	}

	key, err := deriveConnectionKey(ephemeral, response.EphemeralKey, challenge.Nonce, nonce, opts.Identity.DeviceID, peer.DeviceID)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, key, opts.connectionOptions(peer))
}

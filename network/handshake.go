package network

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"pullsend/crypto"
)

const (
	typeChallenge = "challenge"
	typeHello     = "hello"
	typeError     = "error"

	handshakeNonceSize = 32
)

// LocalIdentity contains local device values required to build handshake messages.
type LocalIdentity struct {
	DeviceID   string
	DeviceName string
	Keys       crypto.Identity
}

// PeerInfo is the verified identity of the remote side of a connection.
type PeerInfo struct {
	DeviceID    string
	DeviceName  string
	PublicKey   ed25519.PublicKey
	Fingerprint string
	Address     string
}

// VerifyPeerFunc decides whether a peer with a valid signature is trusted.
// Returning an error aborts the handshake.
type VerifyPeerFunc func(peer PeerInfo) error

// HandshakeOptions configures handshake verification and connection behavior.
type HandshakeOptions struct {
	Identity   LocalIdentity
	VerifyPeer VerifyPeerFunc
	// Handler answers inbound requests on established connections.
	Handler Handler
	Logger  *zap.Logger

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if o.Identity.DeviceName == "" {
		return errors.New("local device name is required")
	}
	if len(o.Identity.Keys.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("local Ed25519 private key is required")
	}
	if len(o.Identity.Keys.PublicKey) != ed25519.PublicKeySize {
		return errors.New("local Ed25519 public key is required")
	}
	return nil
}

func (o HandshakeOptions) connectionOptions(peer PeerInfo) ConnectionOptions {
	return ConnectionOptions{
		LocalDeviceID:     o.Identity.DeviceID,
		Peer:              peer,
		Handler:           o.Handler,
		Logger:            o.Logger,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
	}
}

// handshakeMessage is the only frame type exchanged before the connection
// key exists. Type selects which fields are meaningful.
type handshakeMessage struct {
	Type            string `msgpack:"type"`
	DeviceID        string `msgpack:"device_id,omitempty"`
	DeviceName      string `msgpack:"device_name,omitempty"`
	IdentityKey     []byte `msgpack:"identity_key,omitempty"`
	EphemeralKey    []byte `msgpack:"ephemeral_key,omitempty"`
	Nonce           []byte `msgpack:"nonce,omitempty"`
	PeerNonce       []byte `msgpack:"peer_nonce,omitempty"`
	ProtocolVersion int    `msgpack:"protocol_version"`
	Timestamp       int64  `msgpack:"timestamp,omitempty"`
	Signature       []byte `msgpack:"signature,omitempty"`
	Code            string `msgpack:"code,omitempty"`
	Message         string `msgpack:"message,omitempty"`
}

// remoteError is a handshake refusal reported by the other side.
type remoteError struct {
	Code    string
	Message string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

func newHandshakeNonce() ([]byte, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}
	return nonce, nil
}

func encodeHandshake(msg handshakeMessage) ([]byte, error) {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return payload, nil
}

// decodeHandshake parses a frame and converts a peer's error frame into a
// *remoteError. On ErrUnsupportedVersion the decoded message is still
// returned.
func decodeHandshake(payload []byte, want string) (handshakeMessage, error) {
	var msg handshakeMessage
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return handshakeMessage{}, fmt.Errorf("decode %s: %w", want, err)
	}
	if msg.Type == typeError {
		return handshakeMessage{}, &remoteError{Code: msg.Code, Message: msg.Message}
	}
	if msg.Type != want {
		return handshakeMessage{}, fmt.Errorf("expected %q, got %q", want, msg.Type)
	}
	if msg.ProtocolVersion != ProtocolVersion {
		return msg, ErrUnsupportedVersion
	}
	return msg, nil
}

func makeVersionMismatchError(got int) handshakeMessage {
	return handshakeMessage{
		Type:            typeError,
		Code:            "version_mismatch",
		Message:         fmt.Sprintf("Unsupported protocol version. Expected %d, got %d.", ProtocolVersion, got),
		ProtocolVersion: ProtocolVersion,
	}
}

func makeHandshakeError(code, message string) handshakeMessage {
	return handshakeMessage{Type: typeError, Code: code, Message: message, ProtocolVersion: ProtocolVersion}
}

// buildHello signs a hello that answers peerNonce with our own nonce.
func buildHello(identity LocalIdentity, ephemeral *ecdh.PrivateKey, nonce, peerNonce []byte) (handshakeMessage, error) {
	msg := handshakeMessage{
		Type:            typeHello,
		DeviceID:        identity.DeviceID,
		DeviceName:      identity.DeviceName,
		IdentityKey:     append([]byte(nil), identity.Keys.PublicKey...),
		EphemeralKey:    ephemeral.PublicKey().Bytes(),
		Nonce:           nonce,
		PeerNonce:       peerNonce,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
	signable, err := signablePayload(msg)
	if err != nil {
		return handshakeMessage{}, err
	}
	signature, err := identity.Keys.Sign(signable)
	if err != nil {
		return handshakeMessage{}, fmt.Errorf("sign hello: %w", err)
	}
	msg.Signature = signature
	return msg, nil
}

// verifyHello checks the signature and that the hello answers our nonce.
func verifyHello(msg handshakeMessage, expectedPeerNonce []byte) (PeerInfo, error) {
	if msg.DeviceID == "" {
		return PeerInfo{}, errors.New("hello is missing device id")
	}
	if len(msg.IdentityKey) != ed25519.PublicKeySize {
		return PeerInfo{}, errors.New("invalid Ed25519 public key length")
	}
	if len(msg.Nonce) != handshakeNonceSize {
		return PeerInfo{}, fmt.Errorf("invalid hello nonce length: got %d want %d", len(msg.Nonce), handshakeNonceSize)
	}
	if !bytes.Equal(msg.PeerNonce, expectedPeerNonce) {
		return PeerInfo{}, errors.New("hello does not answer the handshake challenge")
	}

	signable, err := signablePayload(msg)
	if err != nil {
		return PeerInfo{}, err
	}
	publicKey := ed25519.PublicKey(msg.IdentityKey)
	if !crypto.Verify(publicKey, signable, msg.Signature) {
		return PeerInfo{}, ErrInvalidSignature
	}

	return PeerInfo{
		DeviceID:    msg.DeviceID,
		DeviceName:  msg.DeviceName,
		PublicKey:   publicKey,
		Fingerprint: crypto.Fingerprint(publicKey),
	}, nil
}

func signablePayload(msg handshakeMessage) ([]byte, error) {
	msg.Signature = nil
	signable, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal hello signable payload: %w", err)
	}
	return signable, nil
}

// deriveConnectionKey binds the key to both nonces and both device ids, in
// dialer-then-listener order on both sides.
func deriveConnectionKey(local *ecdh.PrivateKey, peerEphemeral []byte, listenerNonce, dialerNonce []byte, dialerID, listenerID string) ([]byte, error) {
	return crypto.DeriveConnectionKey(local, peerEphemeral, listenerNonce, dialerNonce, []byte(dialerID), []byte(listenerID))
}

func checkPeer(verify VerifyPeerFunc, peer PeerInfo) error {
	if verify == nil {
		return nil
	}
	if err := verify(peer); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerRejected, err)
	}
	return nil
}

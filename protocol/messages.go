// Package protocol defines the messages exchanged between two peers during a
// pull-based file transfer and their binary encoding.
package protocol

import "errors"

const (
	// Version is the transfer protocol version carried in every envelope.
	Version = 1
	// DefaultChunkSize is the chunk size used when an offer does not name one.
	DefaultChunkSize = 256 * 1024
	// MinChunkSize is the smallest accepted chunk size.
	MinChunkSize = 4 * 1024
	// MaxChunkSize is the largest accepted chunk size.
	MaxChunkSize = 4 * 1024 * 1024
	// SessionKeySize is the length in bytes of a session key.
	SessionKeySize = 32
)

var (
	// ErrUnknownKind indicates an envelope carried an unrecognized message kind.
	ErrUnknownKind = errors.New("protocol: unknown message kind")
	// ErrMalformed indicates a message body could not be decoded.
	ErrMalformed = errors.New("protocol: malformed message")
	// ErrPeerClosed indicates the transport to the peer is gone.
	ErrPeerClosed = errors.New("protocol: peer connection closed")
)

// Kind tags each message variant on the wire.
type Kind uint8

const (
	KindOffer Kind = iota + 1
	KindOfferResult
	KindChunkRequest
	KindChunk
	KindComplete
	KindCancel
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindOffer:
		return "offer"
	case KindOfferResult:
		return "offer_result"
	case KindChunkRequest:
		return "chunk_request"
	case KindChunk:
		return "chunk"
	case KindComplete:
		return "complete"
	case KindCancel:
		return "cancel"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Message is implemented by every transfer message variant. The set is closed:
// only types in this package satisfy it.
type Message interface {
	Kind() Kind
	message()
}

// FileInfo describes one offered file. The storage handle stays local.
type FileInfo struct {
	FileID       uint32 `msgpack:"id"`
	Name         string `msgpack:"name"`
	RelativePath string `msgpack:"path"`
	Size         int64  `msgpack:"size"`
	Hash         string `msgpack:"hash"`
}

// Offer proposes a transfer of Files to the peer.
type Offer struct {
	SessionID  string     `msgpack:"sid"`
	SenderName string     `msgpack:"sender,omitempty"`
	Files      []FileInfo `msgpack:"files"`
	TotalSize  int64      `msgpack:"total"`
	ChunkSize  int        `msgpack:"chunk_size"`
}

// OfferResult answers an Offer. An accepted result carries the session key.
type OfferResult struct {
	SessionID string `msgpack:"sid"`
	Accepted  bool   `msgpack:"ok"`
	Key       []byte `msgpack:"key,omitempty"`
	Reason    string `msgpack:"reason,omitempty"`
}

// ChunkRequest asks the sender for one encrypted chunk.
type ChunkRequest struct {
	SessionID  string `msgpack:"sid"`
	FileID     uint32 `msgpack:"fid"`
	ChunkIndex uint64 `msgpack:"idx"`
}

// Chunk carries one encrypted chunk and its authentication tag.
type Chunk struct {
	SessionID  string `msgpack:"sid"`
	FileID     uint32 `msgpack:"fid"`
	ChunkIndex uint64 `msgpack:"idx"`
	Data       []byte `msgpack:"data"`
	IsLast     bool   `msgpack:"last"`
}

// Complete tells the sender every file was received and verified.
type Complete struct {
	SessionID string `msgpack:"sid"`
}

// Cancel aborts a session. Either side may send it at any time.
type Cancel struct {
	SessionID string `msgpack:"sid"`
	Reason    string `msgpack:"reason,omitempty"`
}

// Ack acknowledges Complete and Cancel, and is the inert answer to requests
// that cannot be served.
type Ack struct {
	SessionID string `msgpack:"sid"`
}

func (*Offer) Kind() Kind        { return KindOffer }
func (*OfferResult) Kind() Kind  { return KindOfferResult }
func (*ChunkRequest) Kind() Kind { return KindChunkRequest }
func (*Chunk) Kind() Kind        { return KindChunk }
func (*Complete) Kind() Kind     { return KindComplete }
func (*Cancel) Kind() Kind       { return KindCancel }
func (*Ack) Kind() Kind          { return KindAck }

func (*Offer) message()        {}
func (*OfferResult) message()  {}
func (*ChunkRequest) message() {}
func (*Chunk) message()        {}
func (*Complete) message()     {}
func (*Cancel) message()       {}
func (*Ack) message()          {}

package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// envelope is the outer wire shape: a required kind tag plus the encoded body.
type envelope struct {
	Version int                `msgpack:"v"`
	Kind    Kind               `msgpack:"k"`
	Body    msgpack.RawMessage `msgpack:"b"`
}

// Encode serializes a message into its tagged binary form. Byte slices are
// written as msgpack bin strings.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode message: %w", ErrUnknownKind)
	}
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", msg.Kind(), err)
	}
	payload, err := msgpack.Marshal(envelope{
		Version: Version,
		Kind:    msg.Kind(),
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", msg.Kind(), err)
	}
	return payload, nil
}

// Decode parses a tagged payload back into its message variant.
func Decode(payload []byte) (Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}

	msg, err := newMessage(env.Kind)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", ErrMalformed, env.Kind, err)
	}
	return msg, nil
}

func newMessage(kind Kind) (Message, error) {
	switch kind {
	case KindOffer:
		return &Offer{}, nil
	case KindOfferResult:
		return &OfferResult{}, nil
	case KindChunkRequest:
		return &ChunkRequest{}, nil
	case KindChunk:
		return &Chunk{}, nil
	case KindComplete:
		return &Complete{}, nil
	case KindCancel:
		return &Cancel{}, nil
	case KindAck:
		return &Ack{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

// SessionOf returns the session id carried by any message variant.
func SessionOf(msg Message) string {
	switch m := msg.(type) {
	case *Offer:
		return m.SessionID
	case *OfferResult:
		return m.SessionID
	case *ChunkRequest:
		return m.SessionID
	case *Chunk:
		return m.SessionID
	case *Complete:
		return m.SessionID
	case *Cancel:
		return m.SessionID
	case *Ack:
		return m.SessionID
	default:
		return ""
	}
}

package transfer

import (
	"context"

	"pullsend/protocol"
)

// Peer is a live, authenticated request/response channel to one remote
// device. *network.PeerConnection satisfies it.
type Peer interface {
	// ID is the verified identity of the remote device.
	ID() string
	// Request sends msg and waits for exactly one response.
	Request(ctx context.Context, msg protocol.Message) (protocol.Message, error)
	// Done is closed once the channel can no longer carry requests.
	Done() <-chan struct{}
}

package network

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pullsend/crypto"
	"pullsend/protocol"
)

func testIdentity(t *testing.T, deviceID, deviceName string) LocalIdentity {
	t.Helper()
	keys, err := crypto.LoadOrCreateIdentity(filepath.Join(t.TempDir(), "identity.pem"))
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	return LocalIdentity{DeviceID: deviceID, DeviceName: deviceName, Keys: keys}
}

// echoHandler answers chunk requests with a chunk carrying the request address.
func echoHandler(ctx context.Context, conn *PeerConnection, msg protocol.Message) protocol.Message {
	req, ok := msg.(*protocol.ChunkRequest)
	if !ok {
		return &protocol.Ack{SessionID: protocol.SessionOf(msg)}
	}
	return &protocol.Chunk{
		SessionID:  req.SessionID,
		FileID:     req.FileID,
		ChunkIndex: req.ChunkIndex,
		Data:       []byte("from " + conn.localDeviceID),
	}
}

type connectedPair struct {
	server *Server
	client *PeerConnection
	remote *PeerConnection
}

func connectPair(t *testing.T, serverOpts, clientOpts HandshakeOptions) connectedPair {
	t.Helper()
	server, err := Listen("127.0.0.1:0", serverOpts)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, server.Addr().String(), clientOpts)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	select {
	case remote := <-server.Incoming():
		t.Cleanup(func() {
			_ = remote.Close()
		})
		return connectedPair{server: server, client: client, remote: remote}
	case err := <-server.Errors():
		t.Fatalf("server error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for inbound connection")
	}
	return connectedPair{}
}

func waitClosed(t *testing.T, pc *PeerConnection) {
	t.Helper()
	select {
	case <-pc.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("connection to %s did not close", pc.ID())
	}
}

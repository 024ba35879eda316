package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pullsend/crypto"
	"pullsend/fileio"
	"pullsend/protocol"
)

// stubPeer answers every request with resp or err.
type stubPeer struct {
	id   string
	resp protocol.Message
	err  error
	done chan struct{}
}

func (p *stubPeer) ID() string { return p.id }

func (p *stubPeer) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.resp != nil {
		return p.resp, nil
	}
	return &protocol.Ack{SessionID: protocol.SessionOf(msg)}, nil
}

func newStubPeer(id string, err error) *stubPeer {
	return &stubPeer{id: id, err: err, done: make(chan struct{})}
}

func (p *stubPeer) Done() <-chan struct{} { return p.done }

func newTestSendSession(t *testing.T, content []byte) (*SendSession, []byte) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	files, err := fileio.Prepare(context.Background(), []fileio.Source{fileio.NewPathSource(path)}, 1)
	require.NoError(t, err)

	opts := Options{ChunkSize: testChunkSize}.withDefaults()
	session := newSendSession("session-1", newStubPeer("receiver", nil), files, opts, func(Event) {})
	key, err := crypto.GenerateSessionKey()
	require.NoError(t, err)
	return session, key
}

func TestSendSessionServesDecryptableChunks(t *testing.T) {
	content := patternBytes(2*testChunkSize+10, 20)
	session, key := newTestSendSession(t, content)
	require.NoError(t, session.activate(key))

	cipher, err := crypto.NewChunkCipher(key)
	require.NoError(t, err)

	var got []byte
	for index := uint64(0); index < 3; index++ {
		resp := session.HandleChunkRequest(context.Background(), &protocol.ChunkRequest{SessionID: "session-1", FileID: 0, ChunkIndex: index})
		chunk, ok := resp.(*protocol.Chunk)
		require.True(t, ok)
		require.Equal(t, index == 2, chunk.IsLast)
		plaintext, err := cipher.DecryptChunk("session-1", 0, index, chunk.Data)
		require.NoError(t, err)
		got = append(got, plaintext...)
	}
	require.True(t, bytes.Equal(content, got))
	require.Equal(t, int64(len(content)), session.BytesSent())
}

func TestSendSessionRepeatedRequestIsIdentical(t *testing.T) {
	session, key := newTestSendSession(t, patternBytes(testChunkSize+1, 21))
	require.NoError(t, session.activate(key))

	req := &protocol.ChunkRequest{SessionID: "session-1", FileID: 0, ChunkIndex: 1}
	first := session.HandleChunkRequest(context.Background(), req)
	second := session.HandleChunkRequest(context.Background(), req)

	a, err := protocol.Encode(first)
	require.NoError(t, err)
	b, err := protocol.Encode(second)
	require.NoError(t, err)
	require.Equal(t, a, b)

	require.Equal(t, int64(2), session.BytesSent())
	snap := session.tracker.Snapshot()
	require.Equal(t, int64(testChunkSize+1), snap.TotalBytes)
	require.Equal(t, int64(2), snap.BytesDone)
}

func TestSendSessionProgressCapsRetriedChunks(t *testing.T) {
	content := patternBytes(2*testChunkSize, 22)
	session, key := newTestSendSession(t, content)
	require.NoError(t, session.activate(key))

	for _, index := range []uint64{0, 0, 1, 1, 1} {
		resp := session.HandleChunkRequest(context.Background(), &protocol.ChunkRequest{SessionID: "session-1", FileID: 0, ChunkIndex: index})
		_, ok := resp.(*protocol.Chunk)
		require.True(t, ok)
	}

	require.Equal(t, int64(5*testChunkSize), session.BytesSent())
	snap := session.tracker.Snapshot()
	require.Equal(t, int64(len(content)), snap.BytesDone)
	require.Equal(t, 100.0, snap.Percent)
}

func TestSendSessionEmptyFileServesTagOnlyChunk(t *testing.T) {
	session, key := newTestSendSession(t, nil)
	require.NoError(t, session.activate(key))

	resp := session.HandleChunkRequest(context.Background(), &protocol.ChunkRequest{SessionID: "session-1", FileID: 0, ChunkIndex: 0})
	chunk, ok := resp.(*protocol.Chunk)
	require.True(t, ok)
	require.True(t, chunk.IsLast)
	require.Len(t, chunk.Data, crypto.ChunkOverhead)
}

func TestSendSessionInertResponses(t *testing.T) {
	session, key := newTestSendSession(t, patternBytes(testChunkSize, 22))
	require.NoError(t, session.activate(key))

	for name, req := range map[string]*protocol.ChunkRequest{
		"unknown file":   {SessionID: "session-1", FileID: 9, ChunkIndex: 0},
		"index too high": {SessionID: "session-1", FileID: 0, ChunkIndex: 1},
	} {
		resp := session.HandleChunkRequest(context.Background(), req)
		_, ok := resp.(*protocol.Ack)
		require.True(t, ok, name)
	}

	require.True(t, session.stop())
	require.False(t, session.stop())
	resp := session.HandleChunkRequest(context.Background(), &protocol.ChunkRequest{SessionID: "session-1", FileID: 0, ChunkIndex: 0})
	_, ok := resp.(*protocol.Ack)
	require.True(t, ok)
	require.Zero(t, session.BytesSent())
}

func TestSendSessionHoldsRequestsUntilActivated(t *testing.T) {
	session, key := newTestSendSession(t, patternBytes(100, 23))

	responses := make(chan protocol.Message, 1)
	go func() {
		responses <- session.HandleChunkRequest(context.Background(), &protocol.ChunkRequest{SessionID: "session-1", FileID: 0, ChunkIndex: 0})
	}()

	select {
	case <-responses:
		t.Fatal("request answered before the session key was installed")
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, session.activate(key))
	select {
	case resp := <-responses:
		_, ok := resp.(*protocol.Chunk)
		require.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("request not released by activation")
	}
}

func TestSendSessionPendingRequestGivesUpWithContext(t *testing.T) {
	session, _ := newTestSendSession(t, patternBytes(100, 24))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	resp := session.HandleChunkRequest(ctx, &protocol.ChunkRequest{SessionID: "session-1", FileID: 0, ChunkIndex: 0})
	_, ok := resp.(*protocol.Ack)
	require.True(t, ok)
}

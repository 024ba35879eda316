package transfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pullsend/fileio"
	"pullsend/protocol"
)

const testChunkSize = 4096

type requestHandler func(ctx context.Context, peer Peer, msg protocol.Message) protocol.Message

// interceptFunc runs before a request is delivered. When handled is true the
// returned response and error are used instead of the remote handler.
type interceptFunc func(ctx context.Context, msg protocol.Message) (resp protocol.Message, handled bool, err error)

// loopbackPeer delivers requests to an in-process handler through the wire
// codec, the same way a network connection would.
type loopbackPeer struct {
	id     string
	remote requestHandler
	back   *loopbackPeer

	done      chan struct{}
	closeOnce *sync.Once

	mu        sync.Mutex
	intercept interceptFunc
	respond   func(req, resp protocol.Message) protocol.Message
	sent      map[protocol.Kind]int
}

func newLoopbackPair(aID string, a requestHandler, bID string, b requestHandler) (toB, toA *loopbackPeer) {
	done := make(chan struct{})
	once := &sync.Once{}
	toB = &loopbackPeer{id: bID, remote: b, done: done, closeOnce: once, sent: map[protocol.Kind]int{}}
	toA = &loopbackPeer{id: aID, remote: a, done: done, closeOnce: once, sent: map[protocol.Kind]int{}}
	toB.back = toA
	toA.back = toB
	return toB, toA
}

func (p *loopbackPeer) ID() string { return p.id }

func (p *loopbackPeer) Done() <-chan struct{} { return p.done }

func (p *loopbackPeer) Close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *loopbackPeer) setIntercept(fn interceptFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.intercept = fn
}

func (p *loopbackPeer) setRespond(fn func(req, resp protocol.Message) protocol.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respond = fn
}

func (p *loopbackPeer) sentCount(kind protocol.Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[kind]
}

func (p *loopbackPeer) Request(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	select {
	case <-p.done:
		return nil, protocol.ErrPeerClosed
	default:
	}

	p.mu.Lock()
	p.sent[msg.Kind()]++
	intercept := p.intercept
	respond := p.respond
	p.mu.Unlock()

	if intercept != nil {
		if resp, handled, err := intercept(ctx, msg); handled {
			return resp, err
		}
	}

	decoded, err := roundTrip(msg)
	if err != nil {
		return nil, err
	}

	type reply struct {
		msg protocol.Message
		err error
	}
	replies := make(chan reply, 1)
	go func() {
		resp, err := roundTrip(p.remote(ctx, p.back, decoded))
		if err == nil && respond != nil {
			resp = respond(decoded, resp)
		}
		replies <- reply{msg: resp, err: err}
	}()

	select {
	case r := <-replies:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, protocol.ErrPeerClosed
	}
}

func roundTrip(msg protocol.Message) (protocol.Message, error) {
	wire, err := protocol.Encode(msg)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(wire)
}

// eventLog records every event a manager emits.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) terminal(sessionID string) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range l.events {
		if event.SessionID != sessionID {
			continue
		}
		switch event.Kind {
		case EventCompleted, EventFailed, EventCancelled:
			return event, true
		}
	}
	return Event{}, false
}

func (l *eventLog) offers() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, event := range l.events {
		if event.Kind == EventOffer {
			out = append(out, event)
		}
	}
	return out
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, event := range l.events {
		if event.Kind == kind {
			n++
		}
	}
	return n
}

type harness struct {
	sender         *Manager
	receiver       *Manager
	toReceiver     *loopbackPeer
	toSender       *loopbackPeer
	senderEvents   *eventLog
	receiverEvents *eventLog
	srcDir         string
	saveDir        string
}

// newHarness wires two managers together. configure adjusts the receiver's
// options; the receiver auto-accepts unless configure clears AutoAccept.
func newHarness(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		senderEvents:   &eventLog{},
		receiverEvents: &eventLog{},
		srcDir:         t.TempDir(),
		saveDir:        t.TempDir(),
	}

	h.sender = NewManager(Options{
		DeviceName:     "sender",
		ChunkSize:      testChunkSize,
		RequestTimeout: 2 * time.Second,
		OfferTimeout:   5 * time.Second,
		Events:         h.senderEvents.record,
	})

	receiverOpts := Options{
		DeviceName:     "receiver",
		SaveDir:        h.saveDir,
		ChunkSize:      testChunkSize,
		Concurrency:    4,
		RequestTimeout: 2 * time.Second,
		OfferTimeout:   5 * time.Second,
		Retry: RetryPolicy{
			MaxAttempts:  4,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
		},
		AutoAccept: func(Proposal) (bool, string) { return true, "" },
		Events:     h.receiverEvents.record,
	}
	if configure != nil {
		configure(&receiverOpts)
	}
	h.receiver = NewManager(receiverOpts)

	h.toReceiver, h.toSender = newLoopbackPair("sender-device", h.sender.HandleRequest, "receiver-device", h.receiver.HandleRequest)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.receiver.Close(ctx)
		_ = h.sender.Close(ctx)
		h.toReceiver.Close()
	})
	return h
}

func (h *harness) prepare(t *testing.T, contents map[string][]byte, order ...string) []fileio.PreparedFile {
	t.Helper()
	paths := make([]string, 0, len(order))
	for _, name := range order {
		path := filepath.Join(h.srcDir, name)
		require.NoError(t, os.WriteFile(path, contents[name], 0o644))
		paths = append(paths, path)
	}
	files, err := h.sender.PreparePaths(context.Background(), paths...)
	require.NoError(t, err)
	return files
}

func (h *harness) waitReceiverResult(t *testing.T, sessionID string) Result {
	t.Helper()
	var event Event
	waitFor(t, 5*time.Second, func() bool {
		var ok bool
		event, ok = h.receiverEvents.terminal(sessionID)
		return ok
	}, "receiver terminal event")
	return event.Result
}

func waitSend(t *testing.T, session *SendSession) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := session.Wait(ctx)
	require.NoError(t, err, "send session did not finish")
	return result
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func patternBytes(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*31) ^ seed
	}
	return out
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func requireFileContent(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.Equal(got, want), "content mismatch for %s", path)
}

func requireNoPartials(t *testing.T, root string) {
	t.Helper()
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(d.Name(), ".part") {
			t.Fatalf("partial file left behind: %s", path)
		}
		return nil
	})
}

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

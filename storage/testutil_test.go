package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, sessionID string, startedAt int64, files ...TransferFileRecord) {
	t.Helper()

	var total int64
	for _, file := range files {
		total += file.Size
	}
	err := store.SaveTransfer(TransferRecord{
		SessionID: sessionID,
		PeerID:    "peer-" + sessionID,
		PeerName:  "Laptop",
		Direction: DirectionReceive,
		TotalSize: total,
		Location:  "/downloads",
		StartedAt: startedAt,
		Files:     files,
	})
	if err != nil {
		t.Fatalf("save transfer %q: %v", sessionID, err)
	}
}

package commands

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
	"time"

	"pullsend/progress"
	"pullsend/protocol"
	"pullsend/transfer"
)

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		-1:              "0 B",
		0:               "0 B",
		1023:            "1023 B",
		1024:            "1.0 KB",
		1536:            "1.5 KB",
		5 * 1024 * 1024: "5.0 MB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Fatalf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestEventPrinterForwardsOffers(t *testing.T) {
	var out bytes.Buffer
	printer := newEventPrinter(&out)

	proposal := transfer.Proposal{
		SessionID:  "session-1",
		SenderName: "Alice",
		Files:      []protocol.FileInfo{{FileID: 0, RelativePath: "a.txt", Size: 10}},
		TotalSize:  10,
	}
	printer.handle(transfer.Event{Kind: transfer.EventOffer, SessionID: "session-1", Proposal: &proposal})

	select {
	case got := <-printer.offers:
		if got.SessionID != "session-1" {
			t.Fatalf("forwarded proposal %q", got.SessionID)
		}
		text := describeProposal(got)
		if !strings.Contains(text, "Alice wants to send 1 file(s)") || !strings.Contains(text, "a.txt (10 B)") {
			t.Fatalf("unexpected proposal text %q", text)
		}
	default:
		t.Fatalf("offer was not forwarded")
	}
	if out.Len() != 0 {
		t.Fatalf("offers should not print directly, got %q", out.String())
	}
}

func TestEventPrinterRejectsOffersThatDoNotFit(t *testing.T) {
	var out bytes.Buffer
	printer := newEventPrinter(&out)
	rejected := map[string]string{}
	printer.reject = func(sessionID, reason string) error {
		rejected[sessionID] = reason
		return nil
	}

	for i := 0; i < cap(printer.offers)+1; i++ {
		id := fmt.Sprintf("session-%02d", i)
		printer.handle(transfer.Event{Kind: transfer.EventOffer, SessionID: id, Proposal: &transfer.Proposal{SessionID: id}})
	}

	if len(printer.offers) != cap(printer.offers) {
		t.Fatalf("expected %d queued offers, got %d", cap(printer.offers), len(printer.offers))
	}
	overflow := fmt.Sprintf("session-%02d", cap(printer.offers))
	if len(rejected) != 1 || rejected[overflow] != "too many pending offers" {
		t.Fatalf("unexpected rejections %v", rejected)
	}
	if !strings.Contains(out.String(), "rejected: too many pending offers") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestEventPrinterProgressAndResults(t *testing.T) {
	var out bytes.Buffer
	printer := newEventPrinter(&out)

	printer.handle(transfer.Event{
		Kind:      transfer.EventProgress,
		SessionID: "0123456789abcdef",
		Direction: progress.DirectionReceive,
		Progress: progress.Snapshot{
			BytesDone:  1024,
			TotalBytes: 4096,
			Percent:    25,
			Speed:      2048,
			ETA:        1500 * time.Millisecond,
			ETAKnown:   true,
		},
	})
	printer.handle(transfer.Event{
		Kind:      transfer.EventFailed,
		SessionID: "0123456789abcdef",
		Result: transfer.Result{
			Status:      transfer.StatusFailed,
			Reason:      "1 file(s) failed",
			FailedFiles: []string{"bad.bin"},
		},
	})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "01234567 receive  25.0%") || !strings.Contains(lines[0], "eta 2s") {
		t.Fatalf("unexpected progress line %q", lines[0])
	}
	if lines[1] != "01234567 failed: 1 file(s) failed [bad.bin]" {
		t.Fatalf("unexpected failure line %q", lines[1])
	}
}

func TestDescribeCompletedResult(t *testing.T) {
	got := describeResult("abc", transfer.Result{
		Status:           transfer.StatusCompleted,
		BytesTransferred: 2048,
		Elapsed:          1200 * time.Millisecond,
		Location:         "/tmp/in",
	})
	if got != "abc completed: 2.0 KB in 1.2s -> /tmp/in" {
		t.Fatalf("describeResult() = %q", got)
	}
}

package commands

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"pullsend/transfer"
)

// eventPrinter renders transfer events as lines of text. Offers are
// forwarded to the prompt loop instead of being answered here, since event
// callbacks must not block. Offers that do not fit are rejected through
// reject when it is set.
type eventPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	offers chan transfer.Proposal
	reject func(sessionID, reason string) error
}

func newEventPrinter(out io.Writer) *eventPrinter {
	return &eventPrinter{out: out, offers: make(chan transfer.Proposal, 16)}
}

func (p *eventPrinter) handle(event transfer.Event) {
	switch event.Kind {
	case transfer.EventOffer:
		if event.Proposal == nil {
			return
		}
		select {
		case p.offers <- *event.Proposal:
		default:
			p.printf("offer %s rejected: too many pending offers\n", shortID(event.SessionID))
			if p.reject != nil {
				_ = p.reject(event.SessionID, "too many pending offers")
			}
		}
	case transfer.EventProgress:
		snap := event.Progress
		p.printf("%s %s %5.1f%%  %s / %s  %s/s  eta %s\n",
			shortID(event.SessionID),
			event.Direction,
			snap.Percent,
			formatBytes(snap.BytesDone),
			formatBytes(snap.TotalBytes),
			formatBytes(int64(snap.Speed)),
			formatETA(snap.ETA, snap.ETAKnown))
	case transfer.EventCompleted, transfer.EventFailed, transfer.EventCancelled:
		p.printf("%s\n", describeResult(event.SessionID, event.Result))
	}
}

func (p *eventPrinter) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func describeProposal(proposal transfer.Proposal) string {
	var b strings.Builder
	sender := valueOrDefault(proposal.SenderName, proposal.PeerID)
	fmt.Fprintf(&b, "%s wants to send %d file(s), %s:\n", sender, len(proposal.Files), formatBytes(proposal.TotalSize))
	for _, file := range proposal.Files {
		fmt.Fprintf(&b, "  %s (%s)\n", file.RelativePath, formatBytes(file.Size))
	}
	return b.String()
}

func describeResult(sessionID string, result transfer.Result) string {
	switch result.Status {
	case transfer.StatusCompleted:
		line := fmt.Sprintf("%s completed: %s in %s", shortID(sessionID), formatBytes(result.BytesTransferred), result.Elapsed.Round(time.Millisecond))
		if result.Location != "" {
			line += " -> " + result.Location
		}
		return line
	default:
		line := fmt.Sprintf("%s %s: %s", shortID(sessionID), result.Status, valueOrDefault(result.Reason, "no reason given"))
		if len(result.FailedFiles) > 0 {
			line += " [" + strings.Join(result.FailedFiles, ", ") + "]"
		}
		return line
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func formatBytes(size int64) string {
	if size < 0 {
		return "0 B"
	}
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	prefixes := []string{"KB", "MB", "GB", "TB"}
	if exp >= len(prefixes) {
		exp = len(prefixes) - 1
	}
	return fmt.Sprintf("%.1f %s", float64(size)/float64(div), prefixes[exp])
}

func formatETA(eta time.Duration, known bool) string {
	if !known {
		return "--"
	}
	return eta.Round(time.Second).String()
}

func formatTimestamp(unixMilli int64) string {
	if unixMilli <= 0 {
		return "-"
	}
	return time.UnixMilli(unixMilli).Format("2006-01-02 15:04")
}

// Package progress estimates transfer throughput over a sliding window and
// throttles snapshots handed to the UI boundary.
package progress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultWindow       = 3 * time.Second
	DefaultEmitInterval = 200 * time.Millisecond
	// DefaultNoiseFloor is the speed in bytes per second below which ETA is unknown.
	DefaultNoiseFloor = 1024.0
)

// Direction tells which side of a transfer a tracker measures.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// Options configure a Tracker. Zero values take the defaults.
type Options struct {
	Window       time.Duration
	EmitInterval time.Duration
	NoiseFloor   float64
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.EmitInterval <= 0 {
		o.EmitInterval = DefaultEmitInterval
	}
	if o.NoiseFloor <= 0 {
		o.NoiseFloor = DefaultNoiseFloor
	}
	return o
}

// Snapshot is a point-in-time view of a transfer's progress.
type Snapshot struct {
	SessionID   string
	Direction   Direction
	BytesDone   int64
	TotalBytes  int64
	Percent     float64
	Speed       float64
	ETA         time.Duration
	ETAKnown    bool
	FileIndex   int
	FileCount   int
	CurrentFile string
}

type sample struct {
	at    time.Time
	bytes int64
}

// Tracker accumulates byte counts for one session. Safe for concurrent use.
type Tracker struct {
	opts      Options
	sessionID string
	direction Direction
	total     int64
	limiter   *rate.Limiter

	mu          sync.Mutex
	done        int64
	samples     []sample
	fileIndex   int
	fileCount   int
	currentFile string
}

// NewTracker creates a tracker for a session expected to move total bytes.
func NewTracker(sessionID string, direction Direction, total int64, opts Options) *Tracker {
	opts = opts.withDefaults()
	return &Tracker{
		opts:      opts,
		sessionID: sessionID,
		direction: direction,
		total:     total,
		limiter:   rate.NewLimiter(rate.Every(opts.EmitInterval), 1),
	}
}

// AddBytes records n more bytes at now and evicts samples that fell out of
// the window. AddBytes(0, now) marks a starting point.
func (t *Tracker) AddBytes(n int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.done += n
	t.samples = append(t.samples, sample{at: now, bytes: t.done})

	cutoff := now.Add(-t.opts.Window)
	drop := 0
	for drop < len(t.samples)-1 && t.samples[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		t.samples = append(t.samples[:0], t.samples[drop:]...)
	}
}

// SetFile records which file is currently moving.
func (t *Tracker) SetFile(index, count int, name string) {
	t.mu.Lock()
	t.fileIndex, t.fileCount, t.currentFile = index, count, name
	t.mu.Unlock()
}

// BytesDone returns the cumulative byte count.
func (t *Tracker) BytesDone() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Speed returns bytes per second across the window, or 0 with fewer than
// two samples.
func (t *Tracker) Speed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.speedLocked()
}

func (t *Tracker) speedLocked() float64 {
	if len(t.samples) < 2 {
		return 0
	}
	first, last := t.samples[0], t.samples[len(t.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.bytes-first.bytes) / elapsed
}

// ETA returns the estimated time remaining. known is false while the speed
// sits below the noise floor.
func (t *Tracker) ETA() (eta time.Duration, known bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.etaLocked(t.speedLocked())
}

func (t *Tracker) etaLocked(speed float64) (time.Duration, bool) {
	if speed < t.opts.NoiseFloor {
		return 0, false
	}
	remaining := t.total - t.done
	if remaining <= 0 {
		return 0, true
	}
	return time.Duration(float64(remaining) / speed * float64(time.Second)), true
}

// Snapshot returns the current state without throttling. BytesDone and
// Percent are capped at the total; bytes served again for retried chunks
// only count toward Speed.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	speed := t.speedLocked()
	eta, known := t.etaLocked(speed)
	done := min(t.done, t.total)
	percent := 100.0
	if t.total > 0 {
		percent = float64(done) / float64(t.total) * 100
	}
	return Snapshot{
		SessionID:   t.sessionID,
		Direction:   t.direction,
		BytesDone:   done,
		TotalBytes:  t.total,
		Percent:     percent,
		Speed:       speed,
		ETA:         eta,
		ETAKnown:    known,
		FileIndex:   t.fileIndex,
		FileCount:   t.fileCount,
		CurrentFile: t.currentFile,
	}
}

// Emit returns a snapshot at most once per emit interval, however often it
// is called.
func (t *Tracker) Emit(now time.Time) (Snapshot, bool) {
	if !t.limiter.AllowN(now, 1) {
		return Snapshot{}, false
	}
	return t.Snapshot(), true
}

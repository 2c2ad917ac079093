package orchestrator

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// DefaultProgressBuffer is the reporter channel size when none is given.
const DefaultProgressBuffer = 64

// ProgressReporter fans stage events out on a buffered channel. A slow
// reader never stalls a cycle: events that do not fit are counted and
// dropped.
type ProgressReporter struct {
	mu      sync.Mutex
	events  chan ProgressEvent
	done    bool
	dropped atomic.Uint64
}

// NewProgressReporter returns a reporter buffering up to size events.
func NewProgressReporter(size int) *ProgressReporter {
	if size <= 0 {
		size = DefaultProgressBuffer
	}
	return &ProgressReporter{events: make(chan ProgressEvent, size)}
}

// Emit queues ev. It never blocks and is a no-op after Close.
func (pr *ProgressReporter) Emit(ev ProgressEvent) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if pr.done {
		return
	}
	select {
	case pr.events <- ev:
	default:
		pr.dropped.Add(1)
	}
}

// Subscribe returns the event stream. It closes when the reporter does.
func (pr *ProgressReporter) Subscribe() <-chan ProgressEvent {
	return pr.events
}

// Dropped reports how many events were discarded because the buffer was full.
func (pr *ProgressReporter) Dropped() uint64 {
	return pr.dropped.Load()
}

// Close ends the stream. Later calls do nothing.
func (pr *ProgressReporter) Close() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if !pr.done {
		pr.done = true
		close(pr.events)
	}
}

var progressGlyphs = map[ProgressStatus]string{
	ProgressPending:  "○",
	ProgressWorking:  "●",
	ProgressComplete: "✓",
	ProgressFailed:   "✗",
	ProgressBlocked:  "⊘",
}

// FormatProgress renders ev as one indented status line, e.g.
// "  ✗ Feature Analysis failed: timeout".
func FormatProgress(ev ProgressEvent) string {
	glyph, ok := progressGlyphs[ev.Status]
	if !ok {
		return fmt.Sprintf("  ? %s (%s)", ev.Stage.Label(), ev.Status)
	}
	line := fmt.Sprintf("  %s %s %s", glyph, ev.Stage.Label(), ev.Status)
	if ev.Message != "" && (ev.Status == ProgressFailed || ev.Status == ProgressBlocked) {
		line += ": " + ev.Message
	}
	return line
}

// FormatCycleHeader is the line printed before a cycle's events.
func FormatCycleHeader(projectID, cycleID string) string {
	return fmt.Sprintf("[%s] cycle %s", projectID, cycleID)
}

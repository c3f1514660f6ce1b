// Package progress renders a single-line progress display for trace ingestion.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Counts is a snapshot of ingestion progress.
type Counts struct {
	Read      int
	Accepted  int
	Dropped   int
	Malformed int
	Processed int
	Backlog   int
}

// Display manages the progress line during ingestion.
type Display struct {
	mu      sync.Mutex
	out     io.Writer
	started bool
	stopped bool

	counts Counts

	startTime  time.Time
	lastUpdate time.Time
	interval   time.Duration
	source     string

	lastLine string
}

// New creates a display writing to stderr.
func New() *Display {
	return NewWithWriter(os.Stderr)
}

// NewWithWriter creates a display writing to w.
func NewWithWriter(w io.Writer) *Display {
	return &Display{out: w, interval: 100 * time.Millisecond}
}

// Start begins the display.
func (d *Display) Start(source string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}

	d.started = true
	d.startTime = time.Now()
	d.source = source
}

// Update records c and redraws the line at most once per interval.
func (d *Display) Update(c Counts) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.counts = c
	if !d.started || d.stopped {
		return
	}
	if time.Since(d.lastUpdate) < d.interval {
		return
	}
	d.draw()
}

func (d *Display) draw() {
	c := d.counts

	// Share of accepted traces already processed
	progress := 0
	if c.Accepted > 0 {
		progress = int(float64(c.Processed) / float64(c.Accepted) * 100)
		if progress > 100 {
			progress = 100
		}
	}

	elapsed := time.Since(d.startTime)
	speed := float64(0)
	if elapsed.Seconds() > 0 {
		speed = float64(c.Read) / elapsed.Seconds()
	}

	barWidth := 30
	filled := int(float64(progress) / 100 * float64(barWidth))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	line := fmt.Sprintf("\r[%s] %3d%% | Read: %d | Processed: %d | Dropped: %d | Backlog: %d | %.1f t/s | %s",
		bar, progress, c.Read, c.Processed, c.Dropped, c.Backlog, speed, formatDuration(elapsed))

	// Clear a longer previous line
	if len(line) < len(d.lastLine) {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", len(d.lastLine)))
	}
	fmt.Fprint(d.out, line)
	d.lastLine = line
	d.lastUpdate = time.Now()
}

// Stop draws the final line and moves past it.
func (d *Display) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || !d.started {
		return
	}

	d.draw()
	d.stopped = true
	fmt.Fprintln(d.out)
}

// Counts returns the last recorded counts.
func (d *Display) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

// PrintSummary prints a final summary after ingestion.
func (d *Display) PrintSummary() {
	d.mu.Lock()
	c := d.counts
	duration := time.Since(d.startTime)
	source := d.source
	d.mu.Unlock()

	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(d.out, "║                      Ingestion Complete                      ║")
	fmt.Fprintln(d.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(d.out)
	fmt.Fprintf(d.out, "  Source:              %s\n", truncate(source, 50))
	fmt.Fprintf(d.out, "  Duration:            %s\n", formatDuration(duration))
	fmt.Fprintf(d.out, "  Traces Read:         %d\n", c.Read)
	fmt.Fprintf(d.out, "  Accepted:            %d\n", c.Accepted)
	fmt.Fprintf(d.out, "  Dropped:             %d\n", c.Dropped)
	fmt.Fprintf(d.out, "  Malformed:           %d\n", c.Malformed)
	fmt.Fprintf(d.out, "  Processed:           %d\n", c.Processed)
	fmt.Fprintln(d.out)

	if duration.Seconds() > 0 {
		fmt.Fprintf(d.out, "  Average Speed:       %.1f traces/sec\n", float64(c.Read)/duration.Seconds())
		fmt.Fprintln(d.out)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

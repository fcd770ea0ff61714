// Package stats derives rate snapshots from the arrival window.
package stats

import (
	"math"
	"time"

	"github.com/dgnsrekt/livetraffic/internal/window"
)

// Snapshot is one point-in-time view of the request rate.
type Snapshot struct {
	Timestamp int64   `json:"t"`     // epoch ms
	Total     uint64  `json:"total"` // arrivals since start
	RPS       int     `json:"rps"`   // arrivals in the last instant span
	Avg1m     float64 `json:"avg1m"` // arrivals per second over the window, 2 dp
}

// Computer turns the Counter's contents into Snapshots.
type Computer struct {
	counter *window.Counter
	window  int64 // ms
	instant int64 // ms
}

// NewComputer creates a Computer averaging over the counter's retention
// window and reporting the instantaneous rate over instant.
func NewComputer(counter *window.Counter, instant time.Duration) *Computer {
	return &Computer{
		counter: counter,
		window:  counter.Retention().Milliseconds(),
		instant: instant.Milliseconds(),
	}
}

// Compute evicts arrivals older than the window relative to now and returns
// the resulting Snapshot.
func (c *Computer) Compute(now time.Time) Snapshot {
	ms := now.UnixMilli()
	total, counts := c.counter.Window(ms-c.window, ms-c.instant, ms-c.window)

	var avg float64
	if c.window > 0 {
		avg = round2(float64(counts[1]) / (float64(c.window) / 1000))
	}

	return Snapshot{
		Timestamp: ms,
		Total:     total,
		RPS:       counts[0],
		Avg1m:     avg,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

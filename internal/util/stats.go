package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Relay traffic counters
// ──────────────────────────────────────────────────────────────────────────────

// Stats counts relay traffic. One instance is owned by the hosting process and
// shared by the relay server and its links.
type Stats struct {
	EnvelopesIn  atomic.Int64 // envelopes decoded from any link
	EnvelopesOut atomic.Int64 // envelopes handed to an endpoint
	Dropped      atomic.Int64 // malformed inbound or undeliverable outbound envelopes
	Misses       atomic.Int64 // outbound envelopes with no registered endpoint
	BytesIn      atomic.Int64
	BytesOut     atomic.Int64
}

// NewStats returns a zeroed counter set.
func NewStats() *Stats { return &Stats{} }

func (s *Stats) AddIn(n int)  { s.EnvelopesIn.Add(1); s.BytesIn.Add(int64(n)) }
func (s *Stats) AddOut(n int) { s.EnvelopesOut.Add(1); s.BytesOut.Add(int64(n)) }
func (s *Stats) AddDropped()  { s.Dropped.Add(1) }
func (s *Stats) AddMiss()     { s.Misses.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics every
// interval. Quiet intervals are skipped. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, s *Stats, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevIn, prevOut, prevDropped, prevBytesIn, prevBytesOut int64
		for {
			select {
			case <-ticker.C:
				in := s.EnvelopesIn.Load()
				out := s.EnvelopesOut.Load()
				dropped := s.Dropped.Load()
				bytesIn := s.BytesIn.Load()
				bytesOut := s.BytesOut.Load()

				secs := interval.Seconds()
				inS := float64(bytesIn-prevBytesIn) / secs
				outS := float64(bytesOut-prevBytesOut) / secs

				if in != prevIn || out != prevOut || dropped != prevDropped {
					pterm.DefaultLogger.Info(formatStats(inS, outS, in-prevIn, out-prevOut, dropped-prevDropped))
				}

				prevIn, prevOut, prevDropped = in, out, dropped
				prevBytesIn, prevBytesOut = bytesIn, bytesOut

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed width (exactly 8 chars) string,
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders one reporter line.
func formatStats(inS, outS float64, inE, outE, dropped int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Envelopes: %3d↓ %3d↑ | Dropped: %d",
		formatBytes(inS),
		formatBytes(outS),
		inE,
		outE,
		dropped,
	)
}

package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide transfer/session counter.
var Stats = &stats{}

type stats struct {
	Sessions  atomic.Int64 // cumulative count of transfer/relay sessions opened
	Completed atomic.Int64 // cumulative count of sessions that ran to completion
	BytesIn   atomic.Int64 // cumulative bytes received from appliances
	BytesOut  atomic.Int64 // cumulative bytes sent toward receivers
}

func (s *stats) AddSession()   { s.Sessions.Add(1) }
func (s *stats) AddCompleted() { s.Completed.Add(1) }
func (s *stats) AddIn(n int)   { s.BytesIn.Add(int64(n)) }
func (s *stats) AddOut(n int)  { s.BytesOut.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session statistics every
// 10 seconds while there is activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevIn, prevOut, prevSessions, prevDone int64
		for {
			select {
			case <-ticker.C:
				sessions := Stats.Sessions.Load()
				done := Stats.Completed.Load()
				in := Stats.BytesIn.Load()
				out := Stats.BytesOut.Load()

				inRate := float64(in-prevIn) / 10.0
				outRate := float64(out-prevOut) / 10.0
				opened := sessions - prevSessions
				finished := done - prevDone

				if opened > 0 || finished > 0 || inRate > 10 || outRate > 10 {
					LogInfo("In: %s/s | Out: %s/s | Sessions: %2d opened %2d done",
						formatBytes(inRate), formatBytes(outRate), opened, finished)
				}

				prevIn = in
				prevOut = out
				prevSessions = sessions
				prevDone = done

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width human-readable string,
// for example "99.0   B", " 1.5 KiB", "98.9 GiB".
func formatBytes(b float64) string {
	unitIdx := 0
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

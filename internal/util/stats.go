package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/data counter.
var Stats = &stats{}

type stats struct {
	Sessions  atomic.Int64 // cumulative count of sessions started since process start
	MsgSent   atomic.Int64 // signaling messages written to the control channel
	MsgRecv   atomic.Int64 // signaling messages read from the control channel
	BytesSent atomic.Int64 // cumulative bytes written to DataChannels
	BytesRecv atomic.Int64 // cumulative bytes read from DataChannels
}

func (s *stats) AddSession()   { s.Sessions.Add(1) }
func (s *stats) AddMsgSent()   { s.MsgSent.Add(1) }
func (s *stats) AddMsgRecv()   { s.MsgRecv.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevMsgSent, prevMsgRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				msgSent := Stats.MsgSent.Load()
				msgRecv := Stats.MsgRecv.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				outM := msgSent - prevMsgSent
				inM := msgRecv - prevMsgRecv

				if outM > 0 || inM > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, inM, outM))
				}

				prevSent = sent
				prevRecv = recv
				prevMsgSent = msgSent
				prevMsgRecv = msgRecv

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS float64, inM, outM int64) string {
	return fmt.Sprintf("Data in: %s/s | Data out: %s/s | Signaling: %2d↓ %2d↑",
		formatBytes(inS),
		formatBytes(outS),
		inM,
		outM,
	)
}

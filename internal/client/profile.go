package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chronologos/goremote/internal/transport"
	"github.com/chronologos/goremote/internal/version"
)

// logProfile emits a periodic RTT line to stderr on each heartbeat tick.
// QUIC streams add loss counters from the connection.
func (c *Client) logProfile(stream transport.Stream) {
	ps := c.stats.snapshot()
	line := fmt.Sprintf("[profile] rtt=%s (min=%s avg=%s max=%s) pings=%d",
		formatDuration(ps.latest),
		formatDuration(ps.min),
		formatDuration(ps.average),
		formatDuration(ps.max),
		ps.count,
	)
	if qs, ok := stream.(transport.ProfileableStream); ok {
		stats := qs.ConnectionStats()
		line += fmt.Sprintf(" quic_rtt=%s loss=%d/%dpkts",
			formatDuration(stats.SmoothedRTT), stats.PacketsLost, stats.PacketsSent)
	}
	fmt.Fprintln(c.stderr, line)
}

// logProfileSummary emits a final summary to stderr and writes a JSON
// profile next to it.
func (c *Client) logProfileSummary(stream transport.Stream) {
	ps := c.stats.snapshot()
	duration := time.Since(c.stats.start)
	fmt.Fprintf(c.stderr, "[profile] === Connection Profile ===\n")
	fmt.Fprintf(c.stderr, "[profile] Duration: %s over %s\n", duration.Round(time.Millisecond), stream.Mode())
	fmt.Fprintf(c.stderr, "[profile] Ping RTT: min=%s avg=%s max=%s latest=%s (%d pings)\n",
		formatDuration(ps.min),
		formatDuration(ps.average),
		formatDuration(ps.max),
		formatDuration(ps.latest),
		ps.count,
	)

	p := profileJSON{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Commit:    version.Commit,
		Host:      c.cfg.Host,
		Transport: stream.Mode().String(),
		DurationS: duration.Seconds(),
		Ping: profilePing{
			Count:    ps.count,
			MinMs:    msFloat(ps.min),
			AvgMs:    msFloat(ps.average),
			MaxMs:    msFloat(ps.max),
			LatestMs: msFloat(ps.latest),
		},
	}
	if qs, ok := stream.(transport.ProfileableStream); ok {
		stats := qs.ConnectionStats()
		fmt.Fprintf(c.stderr, "[profile] Traffic: sent=%s/%dpkts recv=%s/%dpkts lost=%dpkts\n",
			formatBytes(stats.BytesSent),
			stats.PacketsSent,
			formatBytes(stats.BytesReceived),
			stats.PacketsReceived,
			stats.PacketsLost,
		)
		p.QUIC = &profileQUIC{
			SmoothMs:  msFloat(stats.SmoothedRTT),
			BytesSent: stats.BytesSent,
			BytesRecv: stats.BytesReceived,
			PktsSent:  stats.PacketsSent,
			PktsRecv:  stats.PacketsReceived,
			PktsLost:  stats.PacketsLost,
		}
	}

	c.writeProfileJSON(p)
}

// profileJSON is the structured profile written to the profile directory.
type profileJSON struct {
	Timestamp string       `json:"timestamp"`
	Commit    string       `json:"commit"`
	Host      string       `json:"host"`
	Transport string       `json:"transport"`
	DurationS float64      `json:"duration_s"`
	Ping      profilePing  `json:"ping"`
	QUIC      *profileQUIC `json:"quic,omitempty"`
}

type profilePing struct {
	Count    int     `json:"count"`
	MinMs    float64 `json:"min_ms"`
	AvgMs    float64 `json:"avg_ms"`
	MaxMs    float64 `json:"max_ms"`
	LatestMs float64 `json:"latest_ms"`
}

type profileQUIC struct {
	SmoothMs  float64 `json:"smooth_ms"`
	BytesSent uint64  `json:"bytes_sent"`
	BytesRecv uint64  `json:"bytes_recv"`
	PktsSent  uint64  `json:"pkts_sent"`
	PktsRecv  uint64  `json:"pkts_recv"`
	PktsLost  uint64  `json:"pkts_lost"`
}

// writeProfileJSON dumps p to goremote-profile-<timestamp>.json.
func (c *Client) writeProfileJSON(p profileJSON) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		c.log.Warn("profile: json marshal", "err", err)
		return
	}

	filename := filepath.Join(c.profileDir, fmt.Sprintf("goremote-profile-%s.json", time.Now().Format("20060102-150405")))
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		c.log.Warn("profile: write", "file", filename, "err", err)
		return
	}

	fmt.Fprintf(c.stderr, "[profile] wrote %s\n", filename)
}

// msFloat converts a Duration to milliseconds as float64.
func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// formatDuration formats a duration as milliseconds with one decimal.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0ms"
	}
	return fmt.Sprintf("%.1fms", msFloat(d))
}

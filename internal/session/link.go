package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/chronologos/govr/internal/transport"
)

// LinkStats is the QUIC connection's view of the path. TCP connections do
// not report it.
type LinkStats struct {
	RTT     LinkRTT     `json:"rtt"`
	Traffic LinkTraffic `json:"traffic"`
}

type LinkRTT struct {
	MinMs    float64 `json:"min_ms"`
	SmoothMs float64 `json:"smooth_ms"`
	LatestMs float64 `json:"latest_ms"`
	JitterMs float64 `json:"jitter_ms"`
}

type LinkTraffic struct {
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
	PktsSent  uint64 `json:"pkts_sent"`
	PktsRecv  uint64 `json:"pkts_recv"`
	PktsLost  uint64 `json:"pkts_lost"`
}

func linkStats(conn transport.Conn) (LinkStats, bool) {
	pc, ok := conn.(transport.ProfileableConn)
	if !ok {
		return LinkStats{}, false
	}
	s := pc.ConnectionStats()
	return LinkStats{
		RTT: LinkRTT{
			MinMs:    msFloat(s.MinRTT),
			SmoothMs: msFloat(s.SmoothedRTT),
			LatestMs: msFloat(s.LatestRTT),
			JitterMs: msFloat(s.MeanDeviation),
		},
		Traffic: LinkTraffic{
			BytesSent: s.BytesSent,
			BytesRecv: s.BytesReceived,
			PktsSent:  s.PacketsSent,
			PktsRecv:  s.PacketsReceived,
			PktsLost:  s.PacketsLost,
		},
	}, true
}

// logLinkSummary writes the end-of-session path summary.
func logLinkSummary(log *slog.Logger, conn transport.Conn, started time.Time) {
	s, ok := linkStats(conn)
	if !ok {
		return
	}
	log.Info("link summary",
		"duration", time.Since(started).Round(time.Second),
		"rtt_min", formatMs(s.RTT.MinMs),
		"rtt_smooth", formatMs(s.RTT.SmoothMs),
		"jitter", formatMs(s.RTT.JitterMs),
		"sent", formatBytes(s.Traffic.BytesSent),
		"recv", formatBytes(s.Traffic.BytesRecv),
		"lost_pkts", s.Traffic.PktsLost,
	)
}

func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func formatMs(ms float64) string {
	return fmt.Sprintf("%.1fms", ms)
}

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

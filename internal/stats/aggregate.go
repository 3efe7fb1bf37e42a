// Package stats turns raw routing backend path information into normalized
// counts. Everything here is pure: no I/O and no hidden clock.
package stats

import (
	"strings"
	"time"

	"stream-supervisor/internal/routing"
)

// PathStats is the normalized view of one backend path.
type PathStats struct {
	Name           string         `json:"name"`
	Ready          bool           `json:"ready"`
	ReadyTime      string         `json:"ready_time,omitempty"`
	UptimeSeconds  *int64         `json:"uptime_seconds"`
	BytesReceived  uint64         `json:"bytes_received"`
	BytesSent      uint64         `json:"bytes_sent"`
	Source         string         `json:"source,omitempty"`
	ReadersCount   int            `json:"readers_count"`
	ProtocolCounts map[string]int `json:"protocol_counts"`
	TrackCounts    map[string]int `json:"track_counts"`
}

// codecKinds maps codec names the backend reports without a type prefix to a
// media type.
var codecKinds = map[string]string{
	"av1":            "video",
	"vp8":            "video",
	"vp9":            "video",
	"h264":           "video",
	"h265":           "video",
	"hevc":           "video",
	"mjpeg":          "video",
	"mpeg-1/2 video": "video",
	"mpeg-4 video":   "video",
	"opus":           "audio",
	"aac":            "audio",
	"mpeg-4 audio":   "audio",
	"mpeg-1/2 audio": "audio",
	"mpeg-1 audio":   "audio",
	"ac-3":           "audio",
	"g711":           "audio",
	"g722":           "audio",
	"lpcm":           "audio",
	"speex":          "audio",
	"vorbis":         "audio",
	"klv":            "data",
	"mpeg-ts":        "data",
}

// Aggregate normalizes info as seen at now. A missing, unready or malformed
// ready time yields a nil uptime.
func Aggregate(info routing.PathInfo, now time.Time) PathStats {
	st := PathStats{
		Name:           info.Name,
		Ready:          info.Ready,
		ReadyTime:      info.ReadyTime,
		UptimeSeconds:  uptime(info, now),
		BytesReceived:  info.BytesReceived,
		BytesSent:      info.BytesSent,
		ReadersCount:   len(info.Readers),
		ProtocolCounts: make(map[string]int),
		TrackCounts:    make(map[string]int),
	}
	if info.Source != nil {
		st.Source = info.Source.Type
	}

	for _, r := range info.Readers {
		st.ProtocolCounts[ReaderProtocol(r)]++
	}
	for _, t := range info.Tracks {
		st.TrackCounts[TrackType(t)]++
	}
	return st
}

// AggregateAll applies Aggregate to every path, keeping order.
func AggregateAll(infos []routing.PathInfo, now time.Time) []PathStats {
	out := make([]PathStats, 0, len(infos))
	for _, info := range infos {
		out = append(out, Aggregate(info, now))
	}
	return out
}

// ReaderProtocol returns the grouping key of a reader: its protocol, or the
// backend's session type when no protocol is given.
func ReaderProtocol(r routing.Reader) string {
	if p := strings.TrimSpace(r.Protocol); p != "" {
		return strings.ToLower(p)
	}
	if t := strings.TrimSpace(r.Type); t != "" {
		return strings.ToLower(t)
	}
	return "unknown"
}

// TrackType returns the media type of a track. Structured records and
// "type:codec" strings carry it explicitly; bare codec names are classified.
func TrackType(t routing.Track) string {
	if typ := strings.TrimSpace(t.Type); typ != "" {
		return strings.ToLower(typ)
	}
	codec := strings.ToLower(strings.TrimSpace(t.Codec))
	if kind, ok := codecKinds[codec]; ok {
		return kind
	}
	if codec == "" {
		return "unknown"
	}
	return codec
}

func uptime(info routing.PathInfo, now time.Time) *int64 {
	if !info.Ready || info.ReadyTime == "" {
		return nil
	}
	ready, err := time.Parse(time.RFC3339Nano, info.ReadyTime)
	if err != nil {
		return nil
	}
	secs := int64(now.Sub(ready) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return &secs
}

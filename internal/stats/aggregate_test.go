package stats

import (
	"reflect"
	"testing"
	"time"

	"stream-supervisor/internal/routing"

	"github.com/goccy/go-json"
	"pgregory.net/rapid"
)

var now = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func TestAggregate_counts(t *testing.T) {
	info := routing.PathInfo{
		Name:          "live/cam1",
		Ready:         true,
		ReadyTime:     "2026-10-17T11:59:00Z",
		BytesReceived: 10,
		BytesSent:     20,
		Source:        &routing.PathSource{Type: "rtmpConn"},
		Readers:       []routing.Reader{{Protocol: "tcp"}, {Protocol: "TCP"}, {Type: "webRTCSession"}},
		Tracks: []routing.Track{
			routing.ParseTrack("video:H264"),
			{Type: "video", Codec: "H264"},
			routing.ParseTrack("Opus"),
		},
	}

	got := Aggregate(info, now)

	if got.UptimeSeconds == nil || *got.UptimeSeconds != 60 {
		t.Errorf("expected uptime 60, got %v", got.UptimeSeconds)
	}
	if got.ReadersCount != 3 {
		t.Errorf("expected 3 readers, got %d", got.ReadersCount)
	}
	if !reflect.DeepEqual(got.ProtocolCounts, map[string]int{"tcp": 2, "webrtcsession": 1}) {
		t.Errorf("unexpected protocol counts %v", got.ProtocolCounts)
	}
	if !reflect.DeepEqual(got.TrackCounts, map[string]int{"video": 2, "audio": 1}) {
		t.Errorf("unexpected track counts %v", got.TrackCounts)
	}
	if got.Source != "rtmpConn" || got.BytesSent != 20 {
		t.Errorf("unexpected passthrough fields %+v", got)
	}
}

func TestAggregate_uptime_null_cases(t *testing.T) {
	cases := []struct {
		name string
		info routing.PathInfo
	}{
		{"missing", routing.PathInfo{Ready: true}},
		{"malformed", routing.PathInfo{Ready: true, ReadyTime: "yesterday-ish"}},
		{"not_ready", routing.PathInfo{Ready: false, ReadyTime: "2026-10-17T11:00:00Z"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Aggregate(tc.info, now).UptimeSeconds; got != nil {
				t.Errorf("expected nil uptime, got %d", *got)
			}
		})
	}
}

func TestAggregate_future_ready_time_clamps(t *testing.T) {
	got := Aggregate(routing.PathInfo{Ready: true, ReadyTime: "2026-10-17T12:00:05.5Z"}, now)
	if got.UptimeSeconds == nil || *got.UptimeSeconds != 0 {
		t.Errorf("expected clamped uptime 0, got %v", got.UptimeSeconds)
	}
}

func TestAggregateAll_reader_protocol_counts(t *testing.T) {
	infos := []routing.PathInfo{
		{Name: "live/a", Readers: []routing.Reader{{Protocol: "tcp"}, {Protocol: "tcp"}, {Protocol: "tcp"}}},
		{Name: "live/b"},
	}

	got := AggregateAll(infos, now)
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if !reflect.DeepEqual(got[0].ProtocolCounts, map[string]int{"tcp": 3}) {
		t.Errorf("unexpected counts for a: %v", got[0].ProtocolCounts)
	}
	if got[1].ProtocolCounts == nil || len(got[1].ProtocolCounts) != 0 {
		t.Errorf("expected empty counts for b, got %v", got[1].ProtocolCounts)
	}

	b, err := json.Marshal(got[1])
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if counts, ok := decoded["protocol_counts"].(map[string]any); !ok || len(counts) != 0 {
		t.Errorf("expected protocol_counts {} in JSON, got %s", b)
	}
	if v, present := decoded["uptime_seconds"]; !present || v != nil {
		t.Errorf("expected uptime_seconds null in JSON, got %s", b)
	}
}

func TestTrackType_forms_agree(t *testing.T) {
	structured := TrackType(routing.Track{Type: "Video", Codec: "H264"})
	prefixed := TrackType(routing.ParseTrack("video:H264"))
	bare := TrackType(routing.ParseTrack("H264"))
	if structured != "video" || prefixed != "video" || bare != "video" {
		t.Errorf("expected all forms to normalize to video, got %q %q %q", structured, prefixed, bare)
	}
	if TrackType(routing.Track{}) != "unknown" {
		t.Error("expected unknown for an empty track")
	}
}

func TestProperty_Aggregate_is_deterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		protocols := rapid.SliceOf(rapid.SampledFrom([]string{"tcp", "udp", "rtsp", "", "WebRTC"})).Draw(rt, "protocols")
		tracks := rapid.SliceOf(rapid.SampledFrom([]string{"video:H264", "H265", "audio:AAC", "Opus", "klv", ""})).Draw(rt, "tracks")
		readyTime := rapid.SampledFrom([]string{"", "garbage", "2026-10-17T11:00:00Z", "2026-10-17T11:59:59.999Z"}).Draw(rt, "readyTime")

		info := routing.PathInfo{Name: "live/x", Ready: rapid.Bool().Draw(rt, "ready"), ReadyTime: readyTime}
		for _, p := range protocols {
			info.Readers = append(info.Readers, routing.Reader{Protocol: p})
		}
		for _, s := range tracks {
			info.Tracks = append(info.Tracks, routing.ParseTrack(s))
		}

		first := Aggregate(info, now)
		second := Aggregate(info, now)
		if !reflect.DeepEqual(first, second) {
			rt.Fatalf("aggregate not deterministic: %+v vs %+v", first, second)
		}

		total := 0
		for _, n := range first.ProtocolCounts {
			total += n
		}
		if total != len(protocols) || first.ReadersCount != len(protocols) {
			rt.Fatalf("protocol counts %v do not cover %d readers", first.ProtocolCounts, len(protocols))
		}
	})
}

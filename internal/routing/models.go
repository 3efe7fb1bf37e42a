package routing

import (
	"bytes"
	"strings"

	"github.com/goccy/go-json"
)

// PathInfo is a named path as reported by the routing backend. It is never
// stored locally; every read fetches it fresh.
type PathInfo struct {
	Name          string      `json:"name"`
	ConfName      string      `json:"confName,omitempty"`
	Ready         bool        `json:"ready"`
	ReadyTime     string      `json:"readyTime,omitempty"`
	BytesReceived uint64      `json:"bytesReceived"`
	BytesSent     uint64      `json:"bytesSent"`
	Source        *PathSource `json:"source,omitempty"`
	Tracks        []Track     `json:"tracks"`
	Readers       []Reader    `json:"readers"`
}

// PathSource describes what feeds a path.
type PathSource struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// UnmarshalJSON accepts either an object or a bare string naming the source type.
func (s *PathSource) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(`"`)) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = PathSource{Type: v}
		return nil
	}
	type plain PathSource
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = PathSource(v)
	return nil
}

// Track is one media track of a path. The backend reports tracks either as
// structured records or as strings such as "video:H264" or "H264".
type Track struct {
	Type  string `json:"type,omitempty"`
	Codec string `json:"codec,omitempty"`
}

// UnmarshalJSON accepts both the structured and the string representation.
func (t *Track) UnmarshalJSON(data []byte) error {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte(`"`)) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*t = ParseTrack(v)
		return nil
	}
	type plain Track
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*t = Track(v)
	return nil
}

// ParseTrack splits a "type:codec" string. A string without a colon is taken
// to be a codec name.
func ParseTrack(s string) Track {
	s = strings.TrimSpace(s)
	if typ, codec, ok := strings.Cut(s, ":"); ok {
		return Track{Type: strings.TrimSpace(typ), Codec: strings.TrimSpace(codec)}
	}
	return Track{Codec: s}
}

// Reader is a client consuming a path.
type Reader struct {
	Protocol string `json:"protocol,omitempty"`
	Type     string `json:"type,omitempty"`
	ID       string `json:"id,omitempty"`
}

// pathList is the envelope of the list endpoint.
type pathList struct {
	ItemCount int        `json:"itemCount"`
	PageCount int        `json:"pageCount"`
	Items     []PathInfo `json:"items"`
}

// addPathRequest is the body of the path registration endpoint.
type addPathRequest struct {
	Source         string `json:"source"`
	SourceOnDemand bool   `json:"sourceOnDemand"`
}

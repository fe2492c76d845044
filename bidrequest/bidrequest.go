package bidrequest

import (
	"sort"
	"time"

	"github.com/sharpyfox/rtbkit/currency"
)

// Format is a creative or spot size in pixels.
type Format struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (f Format) IsZeroArea() bool {
	return f.Width <= 0 || f.Height <= 0
}

// Position is the fold position of an ad spot.
type Position string

const (
	PositionUnknown Position = "unknown"
	PositionAbove   Position = "above"
	PositionBelow   Position = "below"
)

// SegmentList is a sorted set of segment names within one taxonomy source.
type SegmentList []string

// NewSegmentList returns a deduplicated, sorted list.
func NewSegmentList(segments ...string) SegmentList {
	seen := make(map[string]struct{}, len(segments))
	out := make(SegmentList, 0, len(segments))
	for _, s := range segments {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (l SegmentList) Contains(segment string) bool {
	i := sort.SearchStrings(l, segment)
	return i < len(l) && l[i] == segment
}

// Intersects reports whether the two lists share any segment.
func (l SegmentList) Intersects(other SegmentList) bool {
	i, j := 0, 0
	for i < len(l) && j < len(other) {
		switch {
		case l[i] == other[j]:
			return true
		case l[i] < other[j]:
			i++
		default:
			j++
		}
	}
	return false
}

// AdSpot is one placement within a bid request.
type AdSpot struct {
	ID       string                 `json:"id"`
	Format   Format                 `json:"format"`
	Position Position               `json:"position"`
	Floor    currency.Amount        `json:"floor"`
	Segments map[string]SegmentList `json:"segments,omitempty"`
}

// Location is the normalized geo attached to a request.
type Location struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
	City    string `json:"city,omitempty"`
}

// FullString renders the location for regex filtering, most general first.
func (l Location) FullString() string {
	s := l.Country
	if l.Region != "" {
		s += ":" + l.Region
	}
	if l.City != "" {
		s += ":" + l.City
	}
	return s
}

// BidRequest is the exchange-normalized auction opportunity. Connectors build
// it; the engine and the filter pipeline consume it read-only.
type BidRequest struct {
	ID              string            `json:"id"`
	Exchange        string            `json:"exchange"`
	ProtocolVersion string            `json:"protocolVersion,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	URL             string            `json:"url,omitempty"`
	Language        string            `json:"language,omitempty"`
	Location        Location          `json:"location"`
	UserIDs         map[string]string `json:"userIds,omitempty"`
	IP              string            `json:"ip,omitempty"`
	UserAgent       string            `json:"userAgent,omitempty"`
	Spots           []AdSpot          `json:"spots"`
}

// SegmentsFor returns the union of the spots' segment lists for one taxonomy
// source, and whether any spot carries that source at all.
func (r *BidRequest) SegmentsFor(source string) (SegmentList, bool) {
	var union []string
	present := false
	for i := range r.Spots {
		if list, ok := r.Spots[i].Segments[source]; ok {
			present = true
			union = append(union, list...)
		}
	}
	if !present {
		return nil, false
	}
	return NewSegmentList(union...), true
}

package parser

import (
	"time"

	"hlspoll/work/types"
)

// Manifest is the parser-neutral result of decoding one M3U8 document.
// Exactly one of Media and Master is populated, matching Kind.
type Manifest struct {
	Kind   types.PlaylistKind
	Media  *MediaIndex
	Master *MasterIndex
}

// MasterIndex lists the variant streams of a multivariant playlist. The
// engine never selects a variant; masters are surfaced as-is and polling
// stops.
type MasterIndex struct {
	IndependentSegments bool
	Variants            []Variant
}

// Variant is one EXT-X-STREAM-INF entry.
type Variant struct {
	URI        string
	Bandwidth  int64
	Resolution string
	Codecs     string
	Name       string
}

// ServerControl mirrors EXT-X-SERVER-CONTROL. Durations are in seconds,
// zero meaning the attribute was absent.
type ServerControl struct {
	CanBlockReload bool
	PartHoldBack   float64
	HoldBack       float64
	CanSkipUntil   float64
}

// Part is one LL-HLS partial segment (EXT-X-PART).
type Part struct {
	URI         string
	Duration    float64
	Independent bool
	Gap         bool
	ByteRange   *types.ByteRange
}

// Segment is one media segment. A Segment with an empty URI is the trailing
// partial-only segment of an LL-HLS playlist: its parts have been published
// but the full segment has not yet been wrapped.
type Segment struct {
	URI         string
	Duration    float64 // Seconds, 0 for a partial-only trailing segment
	ProgramTime *time.Time
	Gap         bool
	Parts       []Part
	Custom      []string // Raw custom tag lines attached to this segment
}

// PreloadHint is one EXT-X-PRELOAD-HINT entry in document order.
type PreloadHint struct {
	Type            string // "PART" or "MAP"
	URI             string
	ByteRangeStart  uint64
	ByteRangeLength *uint64
}

// RenditionReport is one EXT-X-RENDITION-REPORT entry.
type RenditionReport struct {
	URI      string
	LastMSN  uint64
	LastPart *int
}

// MediaIndex is the decoded form of a media playlist, carrying everything
// the polling engine derives its scheduling and head decisions from.
type MediaIndex struct {
	Version         int
	MediaSequence   uint64
	SkippedSegments int // EXT-X-SKIP delta-update count, already excluded from Segments
	TargetDuration  float64
	PartTarget      float64 // EXT-X-PART-INF PART-TARGET in seconds, 0 when absent
	IFramesOnly     bool
	PlaylistType    string // "", "VOD" or "EVENT"
	Ended           bool
	ServerControl   *ServerControl

	Segments         []*Segment
	PreloadHints     []PreloadHint
	RenditionReports []RenditionReport
	Custom           map[string][]string // Playlist-global custom tag lines by tag name
}

// LastMSN returns the media sequence number of the last full segment, or of
// the last partial-only segment when includePartial is set. An empty segment
// list degenerates to the playlist's MediaSequence.
func (m *MediaIndex) LastMSN(includePartial bool) uint64 {
	n := len(m.Segments)
	if !includePartial && n > 0 && m.Segments[n-1].URI == "" {
		n--
	}
	if n == 0 {
		return m.MediaSequence
	}
	return m.MediaSequence + uint64(m.SkippedSegments) + uint64(n-1)
}

// IsLive reports whether the playlist may still grow: not ended and not VOD.
func (m *MediaIndex) IsLive() bool {
	return !m.Ended && m.PlaylistType != "VOD"
}

// CanBlockReload reports whether the server advertises blocking reload support.
func (m *MediaIndex) CanBlockReload() bool {
	return m.ServerControl != nil && m.ServerControl.CanBlockReload
}

// LastSegment returns the final segment including a partial-only trailer,
// or nil for an empty playlist.
func (m *MediaIndex) LastSegment() *Segment {
	if len(m.Segments) == 0 {
		return nil
	}
	return m.Segments[len(m.Segments)-1]
}

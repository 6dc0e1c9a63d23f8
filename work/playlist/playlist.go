package playlist

import (
	"net/url"
	"strings"
	"time"

	"hlspoll/work/parser"
	"hlspoll/work/types"
)

// HintKind names the preload-hint kinds the projection keeps.
const (
	HintPart = "part"
	HintMap  = "map"
)

// Hint is one projected preload hint.
type Hint struct {
	URI       string
	ByteRange types.ByteRange
}

// Playlist is a read-only view over a parsed media playlist. When built with
// low-latency disabled it exposes a stripped copy of the index: no part info,
// no preload hints, no rendition reports, no part-hold-back, no partial-only
// trailing segment and no per-segment parts, so downstream consumers see a
// plain RFC 8216 playlist.
type Playlist struct {
	index *parser.MediaIndex
	hints map[string]Hint
}

// New wraps idx into a view. With noLowLatency set, LL-HLS features are
// stripped from a copy; idx itself is never mutated.
func New(idx *parser.MediaIndex, noLowLatency bool) *Playlist {
	if noLowLatency {
		idx = stripLowLatency(idx)
	}
	return &Playlist{index: idx, hints: projectHints(idx)}
}

// stripLowLatency returns a copy of idx with every low-latency feature
// removed.
func stripLowLatency(idx *parser.MediaIndex) *parser.MediaIndex {
	out := *idx
	out.PartTarget = 0
	out.PreloadHints = nil
	out.RenditionReports = nil
	if idx.ServerControl != nil {
		sc := *idx.ServerControl
		sc.PartHoldBack = 0
		out.ServerControl = &sc
	}

	segments := idx.Segments
	if n := len(segments); n > 0 && segments[n-1].URI == "" {
		segments = segments[:n-1]
	}
	out.Segments = make([]*parser.Segment, 0, len(segments))
	for _, s := range segments {
		c := *s
		c.Parts = nil
		out.Segments = append(out.Segments, &c)
	}
	return &out
}

// projectHints walks the preload hints in document order, keeping the last
// entry of each recognized kind that carries a URI.
func projectHints(idx *parser.MediaIndex) map[string]Hint {
	hints := map[string]Hint{}
	for _, h := range idx.PreloadHints {
		kind := strings.ToLower(h.Type)
		if (kind != HintPart && kind != HintMap) || h.URI == "" {
			continue
		}
		hints[kind] = Hint{
			URI:       h.URI,
			ByteRange: types.ByteRange{Offset: h.ByteRangeStart, Length: h.ByteRangeLength},
		}
	}
	return hints
}

// Index returns the underlying (possibly stripped) media index.
func (p *Playlist) Index() *parser.MediaIndex {
	return p.index
}

// LastMSN forwards to the index.
func (p *Playlist) LastMSN(includePartial bool) uint64 {
	return p.index.LastMSN(includePartial)
}

// IsLive forwards to the index.
func (p *Playlist) IsLive() bool {
	return p.index.IsLive()
}

// PartTarget returns the LL-HLS part target in seconds, 0 when absent or
// stripped.
func (p *Playlist) PartTarget() float64 {
	return p.index.PartTarget
}

// TargetDuration returns the playlist target duration in seconds.
func (p *Playlist) TargetDuration() float64 {
	return p.index.TargetDuration
}

// CanBlockReload reports whether the server advertises blocking reloads.
func (p *Playlist) CanBlockReload() bool {
	return p.index.CanBlockReload()
}

// PartHoldBack returns EXT-X-SERVER-CONTROL PART-HOLD-BACK in seconds, 0 when
// absent or stripped.
func (p *Playlist) PartHoldBack() float64 {
	if p.index.ServerControl == nil {
		return 0
	}
	return p.index.ServerControl.PartHoldBack
}

// PreloadHints returns the projected hints keyed by lower-cased kind.
func (p *Playlist) PreloadHints() map[string]Hint {
	return p.hints
}

// usesParts reports whether partial-segment semantics apply to head
// computations: a part target is present and the playlist is not
// I-frames-only.
func (p *Playlist) usesParts() bool {
	return p.index.PartTarget > 0 && !p.index.IFramesOnly
}

// IsSameHead reports whether other represents the same head position: equal
// last MSN, and when partial inclusion applies, the same number of published
// parts on the trailing segment.
func (p *Playlist) IsSameHead(other *Playlist) bool {
	if other == nil {
		return false
	}
	include := p.usesParts()
	if p.LastMSN(include) != other.LastMSN(include) {
		return false
	}
	if include {
		return trailingPartCount(p.index) == trailingPartCount(other.index)
	}
	return true
}

func trailingPartCount(idx *parser.MediaIndex) int {
	if last := idx.LastSegment(); last != nil {
		return len(last.Parts)
	}
	return 0
}

// NextHead computes the (msn, part) position a blocking reload should ask
// the server to advance past. With parts in play, a complete trailing
// segment points at part 0 of the next MSN, while a partial-only trailer
// points at its next unpublished part.
func (p *Playlist) NextHead() types.Head {
	if p.usesParts() {
		last := p.index.LastSegment()
		if last == nil {
			return types.Head{MSN: p.index.MediaSequence}
		}
		if last.URI != "" {
			return types.Head{MSN: p.LastMSN(true) + 1, Part: 0, HasPart: true}
		}
		return types.Head{MSN: p.LastMSN(true), Part: len(last.Parts), HasPart: true}
	}
	return types.Head{MSN: p.LastMSN(false) + 1}
}

// StartDate returns the program time of the segment at the playlist's media
// sequence, when known.
func (p *Playlist) StartDate() *time.Time {
	if len(p.index.Segments) == 0 {
		return nil
	}
	return p.index.Segments[0].ProgramTime
}

// EndDate returns the instant at which the last segment (including a
// partial-only trailer) ends. When the trailer itself carries no program
// time, earlier segments are walked backwards, summing durations to infer
// the instant.
func (p *Playlist) EndDate() *time.Time {
	segments := p.index.Segments
	total := 0.0
	for i := len(segments) - 1; i >= 0; i-- {
		total += segmentDuration(segments[i])
		if pt := segments[i].ProgramTime; pt != nil {
			end := pt.Add(time.Duration(total * float64(time.Second)))
			return &end
		}
	}
	return nil
}

// segmentDuration returns the segment duration, falling back to the sum of
// its part durations for partial-only trailers.
func segmentDuration(s *parser.Segment) float64 {
	if s.Duration > 0 {
		return s.Duration
	}
	total := 0.0
	for _, part := range s.Parts {
		total += part.Duration
	}
	return total
}

// SnapshotMeta records where and when a snapshot was obtained.
type SnapshotMeta struct {
	URL      *url.URL  // Request URL the snapshot was fetched from
	Updated  time.Time // Instant the fetch completed
	Modified time.Time // Server-reported modification instant, zero if unknown
}

// Snapshot is one immutable delivery unit produced by a successful refresh.
// Playlist is nil for master manifests.
type Snapshot struct {
	Index    *parser.Manifest
	Playlist *Playlist
	Meta     SnapshotMeta
}

// IsLive reports whether the snapshot's playlist may still grow. Master
// snapshots are never live: the engine stops after delivering them.
func (s *Snapshot) IsLive() bool {
	return s.Playlist != nil && s.Playlist.IsLive()
}

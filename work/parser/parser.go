package parser

import (
	"strconv"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"
	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"

	"hlspoll/work/logger"
	"hlspoll/work/types"
)

// Options controls parsing behavior.
type Options struct {
	// Extensions maps custom tag names (with or without the leading "#") to
	// whether the tag is segment-local (true) or playlist-global (false).
	// Matching tag lines are preserved verbatim on the resulting index.
	Extensions map[string]bool
}

// attrRe matches one KEY=VALUE pair inside an M3U8 attribute list; quoted
// values may contain commas.
var attrRe = regexp.MustCompile(`([A-Za-z0-9-]+)=("[^"]*"|[^,]*)`)

// Parse decodes an M3U8 document into a Manifest. The strict RFC 8216bis
// decoder is tried first; inputs it rejects are retried through the lenient
// legacy decoder, so sloppy real-world playlists still load. LL-HLS tags the
// decoders do not surface (MAP preload hints, rendition reports, I-frames
// marker, caller extensions) are recovered by a supplemental line scan over
// the same text.
func Parse(text string, opts Options) (*Manifest, error) {
	if !strings.HasPrefix(strings.TrimLeft(text, "\ufeff \t\r\n"), "#EXTM3U") {
		return nil, types.Parserf("missing #EXTM3U header")
	}

	man, err := parseStrict(text)
	if err != nil {
		logger.Debug("{parser - Parse} Strict decode failed, trying lenient decoder: %v", err)
		man, err = parseLenient(text)
		if err != nil {
			return nil, types.Parserf("parsing playlist: %v", err).WithCause(err)
		}
	}

	if man.Kind == types.KindMedia {
		applyScan(man.Media, text, opts)
	}
	return man, nil
}

// parseStrict decodes through gohlslib, which understands the low-latency
// tag set (PART-INF, SERVER-CONTROL, PART, SKIP).
func parseStrict(text string) (*Manifest, error) {
	pl, err := playlist.Unmarshal([]byte(text))
	if err != nil {
		return nil, err
	}

	switch p := pl.(type) {
	case *playlist.Multivariant:
		master := &MasterIndex{IndependentSegments: p.IndependentSegments}
		for _, v := range p.Variants {
			master.Variants = append(master.Variants, Variant{
				URI:        v.URI,
				Bandwidth:  int64(v.Bandwidth),
				Resolution: v.Resolution,
				Codecs:     strings.Join(v.Codecs, ","),
			})
		}
		return &Manifest{Kind: types.KindMaster, Master: master}, nil

	case *playlist.Media:
		med := &MediaIndex{
			Version:        p.Version,
			MediaSequence:  uint64(p.MediaSequence),
			TargetDuration: float64(p.TargetDuration),
			Ended:          p.Endlist,
			Custom:         map[string][]string{},
		}
		if p.Skip != nil {
			med.SkippedSegments = p.Skip.SkippedSegments
		}
		if p.PlaylistType != nil {
			med.PlaylistType = string(*p.PlaylistType)
		}
		if p.PartInf != nil {
			med.PartTarget = p.PartInf.PartTarget.Seconds()
		}
		if p.ServerControl != nil {
			sc := &ServerControl{CanBlockReload: p.ServerControl.CanBlockReload}
			if p.ServerControl.PartHoldBack != nil {
				sc.PartHoldBack = p.ServerControl.PartHoldBack.Seconds()
			}
			if p.ServerControl.HoldBack != nil {
				sc.HoldBack = p.ServerControl.HoldBack.Seconds()
			}
			if p.ServerControl.CanSkipUntil != nil {
				sc.CanSkipUntil = p.ServerControl.CanSkipUntil.Seconds()
			}
			med.ServerControl = sc
		}
		for _, s := range p.Segments {
			med.Segments = append(med.Segments, &Segment{
				URI:         s.URI,
				Duration:    s.Duration.Seconds(),
				ProgramTime: s.DateTime,
				Gap:         s.Gap,
				Parts:       convertParts(s.Parts),
			})
		}
		// Trailing parts not yet wrapped into a full segment become the
		// partial-only head segment.
		if len(p.Parts) > 0 {
			med.Segments = append(med.Segments, &Segment{Parts: convertParts(p.Parts)})
		}
		return &Manifest{Kind: types.KindMedia, Media: med}, nil

	default:
		return nil, types.Parserf("unrecognized playlist type")
	}
}

func convertParts(in []*playlist.MediaPart) []Part {
	var out []Part
	for _, p := range in {
		part := Part{
			URI:         p.URI,
			Duration:    p.Duration.Seconds(),
			Independent: p.Independent,
			Gap:         p.Gap,
		}
		if p.ByteRangeLength != nil {
			br := &types.ByteRange{Length: p.ByteRangeLength}
			if p.ByteRangeStart != nil {
				br.Offset = *p.ByteRangeStart
			}
			part.ByteRange = br
		}
		out = append(out, part)
	}
	return out
}

// parseLenient decodes through the legacy decoder, which accepts playlists
// the strict one rejects. It has no LL-HLS awareness; the supplemental scan
// still recovers hints and markers from the raw text afterwards.
func parseLenient(text string) (*Manifest, error) {
	pl, listType, err := m3u8.DecodeFrom(strings.NewReader(text), true)
	if err != nil {
		return nil, err
	}

	switch listType {
	case m3u8.MASTER:
		mp := pl.(*m3u8.MasterPlaylist)
		master := &MasterIndex{}
		for _, v := range mp.Variants {
			if v == nil {
				continue
			}
			master.Variants = append(master.Variants, Variant{
				URI:        v.URI,
				Bandwidth:  int64(v.Bandwidth),
				Resolution: v.Resolution,
				Codecs:     v.Codecs,
				Name:       v.Name,
			})
		}
		return &Manifest{Kind: types.KindMaster, Master: master}, nil

	case m3u8.MEDIA:
		mp := pl.(*m3u8.MediaPlaylist)
		med := &MediaIndex{
			MediaSequence:  mp.SeqNo,
			TargetDuration: mp.TargetDuration,
			Ended:          mp.Closed,
			IFramesOnly:    mp.Iframe,
			Custom:         map[string][]string{},
		}
		switch mp.MediaType {
		case m3u8.VOD:
			med.PlaylistType = "VOD"
		case m3u8.EVENT:
			med.PlaylistType = "EVENT"
		}
		for _, s := range mp.Segments {
			if s == nil {
				break
			}
			seg := &Segment{URI: s.URI, Duration: s.Duration}
			if !s.ProgramDateTime.IsZero() {
				t := s.ProgramDateTime
				seg.ProgramTime = &t
			}
			med.Segments = append(med.Segments, seg)
		}
		return &Manifest{Kind: types.KindMedia, Media: med}, nil

	default:
		return nil, types.Parserf("unrecognized playlist type")
	}
}

// applyScan walks the raw playlist text and attaches the tags neither
// decoder exposes: preload hints of every kind in document order, rendition
// reports, the I-frames-only marker, and caller-registered extension tags
// (playlist-global or attached to the segment they precede).
func applyScan(med *MediaIndex, text string, opts Options) {
	extensions := map[string]bool{}
	for name, segmentLocal := range opts.Extensions {
		extensions[strings.TrimPrefix(name, "#")] = segmentLocal
	}

	med.PreloadHints = nil
	med.RenditionReports = nil

	segIdx := 0
	pendingCustom := []string{}

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "#") {
			// URI line: closes the current segment, taking any pending
			// segment-local custom tags with it.
			if segIdx < len(med.Segments) {
				med.Segments[segIdx].Custom = append(med.Segments[segIdx].Custom, pendingCustom...)
			}
			pendingCustom = pendingCustom[:0]
			segIdx++
			continue
		}

		name, attrs, _ := strings.Cut(strings.TrimPrefix(line, "#"), ":")
		switch name {
		case "EXT-X-I-FRAMES-ONLY":
			med.IFramesOnly = true

		case "EXT-X-PRELOAD-HINT":
			hint := PreloadHint{}
			for key, val := range scanAttrs(attrs) {
				switch key {
				case "TYPE":
					hint.Type = strings.ToUpper(val)
				case "URI":
					hint.URI = val
				case "BYTERANGE-START":
					if n, err := strconv.ParseUint(val, 10, 64); err == nil {
						hint.ByteRangeStart = n
					}
				case "BYTERANGE-LENGTH":
					if n, err := strconv.ParseUint(val, 10, 64); err == nil {
						hint.ByteRangeLength = &n
					}
				}
			}
			med.PreloadHints = append(med.PreloadHints, hint)

		case "EXT-X-RENDITION-REPORT":
			report := RenditionReport{}
			for key, val := range scanAttrs(attrs) {
				switch key {
				case "URI":
					report.URI = val
				case "LAST-MSN":
					if n, err := strconv.ParseUint(val, 10, 64); err == nil {
						report.LastMSN = n
					}
				case "LAST-PART":
					if n, err := strconv.Atoi(val); err == nil {
						report.LastPart = &n
					}
				}
			}
			med.RenditionReports = append(med.RenditionReports, report)

		default:
			segmentLocal, known := extensions[name]
			if !known {
				continue
			}
			if segmentLocal {
				pendingCustom = append(pendingCustom, line)
			} else {
				med.Custom[name] = append(med.Custom[name], line)
			}
		}
	}

	// Segment-local tags after the last URI line belong to the trailing
	// partial-only segment when one exists, otherwise they are kept global.
	if len(pendingCustom) > 0 {
		if last := med.LastSegment(); last != nil && last.URI == "" {
			last.Custom = append(last.Custom, pendingCustom...)
		} else {
			for _, line := range pendingCustom {
				name, _, _ := strings.Cut(strings.TrimPrefix(line, "#"), ":")
				med.Custom[name] = append(med.Custom[name], line)
			}
		}
	}
}

// scanAttrs parses an M3U8 attribute list into a key/value map, stripping
// quotes from quoted values.
func scanAttrs(attrs string) map[string]string {
	out := map[string]string{}
	for _, m := range attrRe.FindAllStringSubmatch(attrs, -1) {
		out[m[1]] = strings.Trim(m[2], `"`)
	}
	return out
}

package parser

import (
	"slices"
	"strconv"
	"strings"

	"aio-proxy/work/types"
	"aio-proxy/work/utils"
)

// VideoDescriptor is the structured view of a stream's free-text metadata.
//
// Single-valued attributes hold Unknown when nothing was detected. Multi-valued
// attributes are ascending by priority and never contain Unknown; Languages is the
// one exception, holding exactly [Unknown] when no language was found.
type VideoDescriptor struct {
	Resolution string   // one of ResolutionPriority's keys or Unknown
	Quality    string   // release source (BluRay, WEB-DL, ...) or Unknown
	Codec      string   // highest ranked codec or Unknown
	BitDepth   string   // "10-bit" style marker, empty when absent
	HDR        []string // HDR formats, ascending
	Audio      []string // audio formats, ascending
	Channels   string   // widest channel layout ("5.1"), empty when absent
	Languages  []string // flag emojis in table order
	Size       string   // formatted size, empty when unknown
	SizeBytes  int64    // parsed size in bytes, 0 when unknown
	IsCached   bool     // copied from the record
}

// Parse extracts a VideoDescriptor from a stream record. The display name is
// consulted for languages and resolution only; everything else comes from the
// title, description, torrent title and filename.
func Parse(rec *types.StreamRecord) VideoDescriptor {
	text := utils.NormalizeSpace(strings.Join([]string{
		rec.Title,
		rec.Description,
		rec.TorrentTitle,
		rec.Filename(),
	}, " "))
	name := rec.Name

	d := VideoDescriptor{
		Quality:  qualityRule.first(text),
		Codec:    codecRule.best(text),
		HDR:      hdrRule.all(text),
		Audio:    audioRule.all(text),
		IsCached: rec.IsCached,
	}

	d.Resolution = resolutionRule.best(name + " " + text)

	if m := bitDepthPattern.FindStringSubmatch(text); m != nil {
		d.BitDepth = m[1] + "-bit"
	}
	if ch := channelRule.all(text); len(ch) > 0 {
		d.Channels = ch[len(ch)-1]
	}

	d.Languages = languageRule.all(name + " " + text)
	if len(d.Languages) == 0 {
		d.Languages = []string{Unknown}
	}

	d.SizeBytes = explicitSize(rec)
	if d.SizeBytes == 0 {
		d.SizeBytes = ParseSizeText(text)
	}
	d.Size = utils.FormatBytes(d.SizeBytes)

	return d
}

func explicitSize(rec *types.StreamRecord) int64 {
	for _, n := range []int64{int64(rec.Size), int64(rec.TorrentSize), rec.VideoSize()} {
		if n > 0 {
			return n
		}
	}
	return 0
}

// ParseSizeText finds the first "<number> <unit>" size in text and converts it to
// bytes using 1024 multipliers. It returns 0 when no size is present.
func ParseSizeText(text string) int64 {
	m := sizePattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}

	value, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", "."), 64)
	if err != nil {
		return 0
	}
	return int64(value * sizeMultipliers[strings.ToUpper(m[2])])
}

// HDRRank is the priority of the best HDR format, 0 for SDR.
func (d *VideoDescriptor) HDRRank() int {
	return maxPriority(d.HDR, HDRPriority)
}

// AudioRank is the priority of the best audio format, 0 when none was found.
func (d *VideoDescriptor) AudioRank() int {
	return maxPriority(d.Audio, AudioPriority)
}

// CodecRank is the codec's priority, 0 for Unknown.
func (d *VideoDescriptor) CodecRank() int {
	return CodecPriority[d.Codec]
}

// ResolutionRank is the resolution's priority, 0 for Unknown.
func (d *VideoDescriptor) ResolutionRank() int {
	return ResolutionPriority[d.Resolution]
}

// KnownLanguages returns the detected flags without the Unknown sentinel.
func (d *VideoDescriptor) KnownLanguages() []string {
	return slices.DeleteFunc(slices.Clone(d.Languages), func(l string) bool { return l == Unknown })
}

// Summary renders the multi-line description shown to players. Lines without data
// are left out; HDR and audio are listed best first.
func (d *VideoDescriptor) Summary() string {
	var lines []string

	if d.Resolution != Unknown && d.Resolution != "" {
		lines = append(lines, "📺 "+d.Resolution)
	}
	if d.Quality != Unknown && d.Quality != "" {
		lines = append(lines, "🎞️ "+d.Quality)
	}
	if d.Codec != Unknown && d.Codec != "" {
		line := "⚙️ " + d.Codec
		if d.BitDepth != "" {
			line += " " + d.BitDepth
		}
		lines = append(lines, line)
	}
	if len(d.HDR) > 0 {
		lines = append(lines, "✨ "+strings.Join(descending(d.HDR), ", "))
	}
	if len(d.Audio) > 0 {
		line := "🔊 " + strings.Join(descending(d.Audio), ", ")
		if d.Channels != "" {
			line += " " + d.Channels
		}
		lines = append(lines, line)
	}
	if langs := d.KnownLanguages(); len(langs) > 0 {
		lines = append(lines, "🎙️ "+strings.Join(langs, ", "))
	}
	if d.Size != "" {
		lines = append(lines, "💾 "+d.Size)
	}
	if !d.IsCached {
		lines = append(lines, "⚠️ Instant streaming unavailable")
	}

	return strings.Join(lines, "\n")
}

func descending(values []string) []string {
	out := slices.Clone(values)
	slices.Reverse(out)
	return out
}

package parser

import (
	"sort"
	"strings"

	"github.com/grafana/regexp"
)

// Unknown is the sentinel used for single-valued attributes that could not be detected
const Unknown = "Unknown"

// attribute is one ordered rule table: every pattern is scanned, every match is
// normalized, and the priority map both filters to the known set and orders results.
type attribute struct {
	patterns  []*regexp.Regexp
	normalize func(string) string
	priority  map[string]int
}

// all returns every distinct normalized value found in text, ascending by priority.
// Values that normalize to something outside the priority table are discarded.
func (a *attribute) all(text string) []string {
	if text == "" {
		return nil
	}

	seen := make(map[string]struct{})
	var out []string
	for _, re := range a.patterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			raw := m[0]
			if len(m) > 1 && m[1] != "" {
				raw = m[1]
			}

			value := a.normalize(strings.TrimSpace(raw))
			if _, known := a.priority[value]; !known {
				continue
			}
			if _, dup := seen[value]; dup {
				continue
			}
			seen[value] = struct{}{}
			out = append(out, value)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return a.priority[out[i]] < a.priority[out[j]]
	})
	return out
}

// best returns the highest-priority value found, or Unknown.
func (a *attribute) best(text string) string {
	values := a.all(text)
	if len(values) == 0 {
		return Unknown
	}
	return values[len(values)-1]
}

// first returns the normalized first match of the first pattern that matches at all.
// Used for attributes where declaration order matters more than rank.
func (a *attribute) first(text string) string {
	for _, re := range a.patterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		raw := m[0]
		if len(m) > 1 && m[1] != "" {
			raw = m[1]
		}
		if value := a.normalize(strings.TrimSpace(raw)); value != "" {
			return value
		}
	}
	return Unknown
}

// maxPriority returns the highest priority among values, 0 when none are ranked.
func maxPriority(values []string, priority map[string]int) int {
	best := 0
	for _, v := range values {
		if p := priority[v]; p > best {
			best = p
		}
	}
	return best
}

func squash(s string) string {
	return strings.NewReplacer(" ", "", ".", "", "-", "", "_", "").Replace(strings.ToUpper(s))
}

// ResolutionPriority ranks display resolutions; Unknown is absent and ranks 0.
var ResolutionPriority = map[string]int{
	"360p":  1,
	"480p":  2,
	"720p":  3,
	"1080p": 4,
	"4K":    5,
	"8K":    6,
}

var HDRPriority = map[string]int{
	"HDR":    1,
	"HDR10":  2,
	"HDR10+": 3,
	"DV":     4,
}

var AudioPriority = map[string]int{
	"MP3":    1,
	"AAC":    2,
	"DD":     3,
	"DD+":    4,
	"DTS":    5,
	"DTS-HD": 6,
	"TrueHD": 7,
	"Atmos":  8,
}

var CodecPriority = map[string]int{
	"MP4":    1,
	"MPEG-2": 2,
	"VP8":    3,
	"H264":   4,
	"VP9":    5,
	"H265":   6,
	"AV1":    7,
}

var resolutionAliases = map[string]string{
	"4320": "8K",
	"2160": "4K",
	"1080": "1080p",
	"720":  "720p",
	"480":  "480p",
	"360":  "360p",
	"8K":   "8K",
	"4K":   "4K",
	"UHD":  "4K",
	"FHD":  "1080p",
	"HD":   "720p",
	"SD":   "480p",
}

var resolutionRule = &attribute{
	patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(4320|2160|1080|720|480|360)p?\b`),
		// a hyphen before the token is excluded so "DTS-HD" does not read as 720p
		regexp.MustCompile(`(?i)(?:^|[^\w-])(8K|4K|2K|UHD|FHD|HD|SD)\b`),
	},
	normalize: func(s string) string {
		return resolutionAliases[strings.ToUpper(s)]
	},
	priority: ResolutionPriority,
}

var qualityAliases = map[string]string{
	"WEBDL":    "WEB-DL",
	"WEBRIP":   "WEBRip",
	"BLURAY":   "BluRay",
	"BDRIP":    "BluRay",
	"BRRIP":    "BluRay",
	"HDTV":     "HDTV",
	"CAMRIP":   "CAM",
	"HDCAM":    "HDCAM",
	"DVDRIP":   "DVDRip",
	"TELESYNC": "TS",
	"TS":       "TS",
	"PROPER":   "PROPER",
	"REPACK":   "REPACK",
}

// quality has no ranking; the first pattern (source type) wins over release tags
var qualityRule = &attribute{
	patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(WEB-?DL|WEB-?RIP|BLU-?RAY|BD-?RIP|BR-?RIP|HDTV|CAM-?RIP|HDCAM|DVD-?RIP)\b`),
		regexp.MustCompile(`(?i)\b(TELESYNC|TS)\b`),
		regexp.MustCompile(`(?i)\b(PROPER|REPACK)\b`),
	},
	normalize: func(s string) string {
		if v, ok := qualityAliases[squash(s)]; ok {
			return v
		}
		return strings.ToUpper(s)
	},
}

var codecAliases = map[string]string{
	"HEVC":  "H265",
	"X265":  "H265",
	"H265":  "H265",
	"AVC":   "H264",
	"X264":  "H264",
	"H264":  "H264",
	"VP9":   "VP9",
	"VP8":   "VP8",
	"AV1":   "AV1",
	"MPEG4": "MP4",
	"MPEG2": "MPEG-2",
}

var codecRule = &attribute{
	patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(HEVC|[xh]\.?265|[xh]\.?264|AVC|MPEG-?[24]|VP[89]|AV1)\b`),
	},
	normalize: func(s string) string {
		return codecAliases[squash(s)]
	},
	priority: CodecPriority,
}

var bitDepthPattern = regexp.MustCompile(`(?i)\b(8|10|12)-?bit\b`)

var hdrAliases = map[string]string{
	"DOLBYVISION": "DV",
	"DV":          "DV",
	"DOVI":        "DV",
	"HDR10PLUS":   "HDR10+",
	"HDR10+":      "HDR10+",
	"HDR10P":      "HDR10+",
	"HDR10":       "HDR10",
	"HDR":         "HDR",
}

// HDR10+ has no trailing word boundary since "+" is not a word character
var hdrRule = &attribute{
	patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)(HDR10\+|\bHDR10(?:PLUS|P)?\b|\bDOLBY[\s.-]?VISION\b|\bDV\b|\bDOVI\b|\bHDR\b)`),
	},
	normalize: func(s string) string {
		return hdrAliases[squash(s)]
	},
	priority: HDRPriority,
}

// channelPattern strips a trailing channel layout from an audio token
var channelPattern = regexp.MustCompile(`([257])\.1`)

var audioAliases = map[string]string{
	"DOLBYATMOS":       "Atmos",
	"ATMOS":            "Atmos",
	"TRUEHD":           "TrueHD",
	"DTSHD":            "DTS-HD",
	"DTSMA":            "DTS-HD",
	"DTSX":             "DTS",
	"DTSES":            "DTS",
	"DTS":              "DTS",
	"DOLBYDIGITALPLUS": "DD+",
	"DOLBYDIGITAL+":    "DD+",
	"DDP":              "DD+",
	"DD+":              "DD+",
	"EAC3":             "DD+",
	"DOLBYDIGITAL":     "DD",
	"DD":               "DD",
	"AC3":              "DD",
	"AAC":              "AAC",
	"MP3":              "MP3",
}

var audioRule = &attribute{
	patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)(\bDDP(?:[257]\.1)?\b|\bDD\+|\bDD(?:[257]\.1)?\b|\bE-?AC-?3\b|DOLBY\s*DIGITAL\s*(?:PLUS|\+)?)`),
		regexp.MustCompile(`(?i)\b(DTS(?:-(?:HD|X|ES|MA))?)`),
		regexp.MustCompile(`(?i)(DOLBY\s*ATMOS|\bATMOS\b|TRUE-?HD)`),
		regexp.MustCompile(`(?i)\b(AAC|MP3|AC-?3)`),
	},
	normalize: func(s string) string {
		return audioAliases[squash(channelPattern.ReplaceAllString(s, ""))]
	},
	priority: AudioPriority,
}

// channels are tracked apart from the audio format set
var channelRule = &attribute{
	patterns: []*regexp.Regexp{
		regexp.MustCompile(`(?i)(?:^|\D)([257]\.1)(?:\s*CH(?:ANNEL)?)?`),
	},
	normalize: func(s string) string { return s },
	priority:  map[string]int{"2.1": 1, "5.1": 2, "7.1": 3},
}

var sizePattern = regexp.MustCompile(`(?i)(\d+(?:[.,]\d+)?)\s*([KMGT])i?B\b`)

var sizeMultipliers = map[string]float64{
	"K": 1 << 10,
	"M": 1 << 20,
	"G": 1 << 30,
	"T": 1 << 40,
}

// language is one row of the language table; the row order is the display order
type language struct {
	flag    string
	aliases []string
}

var languageTable = []language{
	{"🇬🇧", []string{"eng", "english", "ingles", "anglais", "engels", "englisch"}},
	{"🇪🇸", []string{"spa", "spanish", "latino", "castellano", "espanol", "latinoamericano", "hispano"}},
	{"🇫🇷", []string{"fre", "french", "francais", "vff", "truefrench"}},
	{"🇩🇪", []string{"ger", "german", "deutsch", "deu", "deutsche"}},
	{"🇮🇹", []string{"ita", "italian", "italiano"}},
	{"🇷🇺", []string{"rus", "russian"}},
	{"🇯🇵", []string{"jpn", "japanese", "jap"}},
	{"🇰🇷", []string{"kor", "korean"}},
	{"🇨🇳", []string{"chi", "chinese", "mandarin", "cantonese"}},
	{"🇮🇳", []string{"hin", "hindi"}},
	{"🇵🇹", []string{"por", "portuguese", "portugues", "ptbr", "brazilian"}},
	{"🇵🇱", []string{"pol", "polish", "polski"}},
	{"🇳🇱", []string{"dut", "dutch", "nederlands", "flemish"}},
	{"🇩🇰", []string{"dan", "danish", "dansk"}},
	{"🇫🇮", []string{"fin", "finnish", "suomi"}},
	{"🇳🇴", []string{"nor", "norwegian", "norsk"}},
	{"🇸🇪", []string{"swe", "swedish", "svenska"}},
	{"🇹🇷", []string{"tur", "turkish", "turkce"}},
	{"🇸🇦", []string{"ara", "arabic"}},
	{"🇹🇭", []string{"tha", "thai"}},
	{"🇻🇳", []string{"vie", "vietnamese"}},
	{"🇮🇩", []string{"ind", "indonesian"}},
	{"🇺🇦", []string{"ukr", "ukrainian"}},
	{"🇮🇱", []string{"heb", "hebrew"}},
	{"🇬🇷", []string{"gre", "greek"}},
}

var languageRule = buildLanguageAttribute()

func buildLanguageAttribute() *attribute {
	lookup := map[string]string{"🇺🇸": "🇬🇧"}
	priority := make(map[string]int, len(languageTable))
	var words, flags []string

	for i, row := range languageTable {
		priority[row.flag] = i + 1
		lookup[row.flag] = row.flag
		flags = append(flags, regexp.QuoteMeta(row.flag))
		for _, alias := range row.aliases {
			lookup[alias] = row.flag
			words = append(words, regexp.QuoteMeta(alias))
		}
	}
	flags = append(flags, regexp.QuoteMeta("🇺🇸"))

	// longer aliases first so "english" is not cut short at "eng"
	sort.SliceStable(words, func(i, j int) bool { return len(words[i]) > len(words[j]) })

	return &attribute{
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)\b`),
			regexp.MustCompile(`(` + strings.Join(flags, "|") + `)`),
		},
		normalize: func(s string) string {
			if flag, ok := lookup[s]; ok {
				return flag
			}
			return lookup[strings.ToLower(s)]
		},
		priority: priority,
	}
}

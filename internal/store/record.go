package store

import (
	"strings"
	"time"
	"unicode"

	"github.com/mattjoyce/crossbard/internal/protocol"
)

// RecordVersion is the wire format version written into every record.
const RecordVersion = 1

// KeyIDs holds the JSON array of listed producer ids.
const KeyIDs = "plugin_ids"

// RecordKey returns the key a producer's record is stored under.
func RecordKey(id string) string { return "plugin_" + id }

// Record is the wire form of a producer's latest snapshot as read by
// rendering surfaces. Records are immutable once stored.
type Record struct {
	Version   int                 `json:"version"`
	PluginID  string              `json:"pluginId"`
	Icon      string              `json:"icon"`
	Text      string              `json:"text"`
	Color     string              `json:"color,omitempty"`
	Tooltip   string              `json:"tooltip,omitempty"`
	Header    protocol.Header     `json:"header"`
	Menu      []protocol.MenuLine `json:"menu"`
	Truncated bool                `json:"truncated"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// NewRecord derives the wire record from a parsed snapshot.
func NewRecord(snap *protocol.Snapshot, now time.Time) Record {
	attrs := snap.Header.Attributes
	icon, text := splitIcon(snap.Header.Text)
	if v := attrs["icon"]; v != "" {
		icon, text = v, snap.Header.Text
	}
	menu := snap.Menu
	if menu == nil {
		menu = []protocol.MenuLine{}
	}
	return Record{
		Version:   RecordVersion,
		PluginID:  snap.ProducerID,
		Icon:      icon,
		Text:      text,
		Color:     normalizeColor(attrs["color"]),
		Tooltip:   attrs["tooltip"],
		Header:    snap.Header,
		Menu:      menu,
		Truncated: snap.Truncated,
		UpdatedAt: now.UTC(),
	}
}

// splitIcon peels a leading symbol token ("⚡ 45%") off the header text.
// Text without a symbol prefix, or made only of the symbol, is returned as is.
func splitIcon(text string) (string, string) {
	tok, rest, found := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)
	if !found || tok == "" || rest == "" {
		return "", text
	}
	for _, r := range tok {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return "", text
		}
	}
	return tok, rest
}

var namedColors = map[string]string{
	"black":   "000000",
	"white":   "ffffff",
	"red":     "ff3b30",
	"green":   "34c759",
	"blue":    "007aff",
	"yellow":  "ffcc00",
	"orange":  "ff9500",
	"purple":  "af52de",
	"pink":    "ff2d55",
	"teal":    "30b0c7",
	"cyan":    "32ade6",
	"brown":   "a2845e",
	"gray":    "8e8e93",
	"grey":    "8e8e93",
	"magenta": "ff00ff",
}

// normalizeColor maps a color attribute to six or eight hex digits without
// '#'. A "light,dark" pair keeps the first entry. Unknown values yield "".
func normalizeColor(v string) string {
	v, _, _ = strings.Cut(v, ",")
	v = strings.ToLower(strings.TrimSpace(v))
	if hex, ok := namedColors[v]; ok {
		return hex
	}
	v = strings.TrimPrefix(v, "#")
	switch len(v) {
	case 3:
		v = string([]byte{v[0], v[0], v[1], v[1], v[2], v[2]})
	case 6, 8:
	default:
		return ""
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return ""
		}
	}
	return v
}

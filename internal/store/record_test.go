package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/crossbard/internal/protocol"
)

func TestNormalizeColor(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "green", want: "34c759"},
		{in: "Red", want: "ff3b30"},
		{in: "#FF8800", want: "ff8800"},
		{in: "ff8800", want: "ff8800"},
		{in: "#abc", want: "aabbcc"},
		{in: "#11223344", want: "11223344"},
		{in: "white,black", want: "ffffff"},
		{in: "chartreuse", want: ""},
		{in: "#ggg", want: ""},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeColor(tt.in), tt.in)
	}
}

func TestSplitIcon(t *testing.T) {
	tests := []struct {
		in       string
		wantIcon string
		wantText string
	}{
		{in: "⚡ 45%", wantIcon: "⚡", wantText: "45%"},
		{in: "🌡️  21°C", wantIcon: "🌡️", wantText: "21°C"},
		{in: "CPU 45%", wantIcon: "", wantText: "CPU 45%"},
		{in: "⚡", wantIcon: "", wantText: "⚡"},
		{in: "45%", wantIcon: "", wantText: "45%"},
	}
	for _, tt := range tests {
		icon, text := splitIcon(tt.in)
		assert.Equal(t, tt.wantIcon, icon, tt.in)
		assert.Equal(t, tt.wantText, text, tt.in)
	}
}

func TestNewRecordIconAttribute(t *testing.T) {
	snap := &protocol.Snapshot{
		ProducerID: "mail.5m.py",
		Header: protocol.Header{
			Text:       "3 unread",
			Attributes: map[string]string{"icon": "✉", "color": "blue"},
		},
	}
	rec := NewRecord(snap, time.Unix(0, 0))

	assert.Equal(t, "✉", rec.Icon)
	assert.Equal(t, "3 unread", rec.Text)
	assert.Equal(t, "007aff", rec.Color)
	assert.NotNil(t, rec.Menu)
	assert.Equal(t, time.UTC, rec.UpdatedAt.Location())
}

package protocol

import (
	"errors"
	"reflect"
	"sort"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExample(t *testing.T) {
	snap, err := Parse("cpu.10s.sh", []byte("⚡ 45% | color=green\n---\nCPU Usage: 45%\n---\nRefresh | refresh=true"))
	require.NoError(t, err)

	assert.Equal(t, "cpu.10s.sh", snap.ProducerID)
	assert.Equal(t, Header{Text: "⚡ 45%", Attributes: map[string]string{"color": "green"}}, snap.Header)
	assert.Equal(t, []MenuLine{
		{Text: "CPU Usage: 45%", Depth: 0, Section: 0, Attributes: map[string]string{}},
		{Text: "Refresh", Depth: 0, Section: 1, Attributes: map[string]string{"refresh": "true"}},
	}, snap.Menu)
	assert.True(t, snap.Salvageable())
}

func TestParse(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantHeader   Header
		wantMenu     []MenuLine
		wantWarnings int
	}{
		{
			name:       "header only",
			input:      "🔋 87%\n",
			wantHeader: Header{Text: "🔋 87%", Attributes: map[string]string{}},
			wantMenu:   []MenuLine{},
		},
		{
			name:       "crlf and trailing whitespace",
			input:      "Up  \r\n---\r\nItem | href=https://example.com  \r\n",
			wantHeader: Header{Text: "Up", Attributes: map[string]string{}},
			wantMenu: []MenuLine{
				{Text: "Item", Attributes: map[string]string{"href": "https://example.com"}},
			},
		},
		{
			name:       "extra header lines ignored",
			input:      "first\nsecond | color=red\n---\nmenu",
			wantHeader: Header{Text: "first", Attributes: map[string]string{}},
			wantMenu:   []MenuLine{{Text: "menu", Attributes: map[string]string{}}},
		},
		{
			name:       "leading blank lines before header",
			input:      "\n\n  title  \n---\n",
			wantHeader: Header{Text: "title", Attributes: map[string]string{}},
			wantMenu:   []MenuLine{},
		},
		{
			name:       "submenu depth",
			input:      "T\n---\nParent\n--Child | color=#ff0000\n---- Grandchild\n",
			wantHeader: Header{Text: "T", Attributes: map[string]string{}},
			wantMenu: []MenuLine{
				{Text: "Parent", Attributes: map[string]string{}},
				{Text: "Child", Depth: 2, Attributes: map[string]string{"color": "#ff0000"}},
				{Text: "Grandchild", Depth: 4, Attributes: map[string]string{}},
			},
		},
		{
			name:       "separator with surrounding whitespace",
			input:      "T\n  ---  \na\n\t---\nb",
			wantHeader: Header{Text: "T", Attributes: map[string]string{}},
			wantMenu: []MenuLine{
				{Text: "a", Attributes: map[string]string{}},
				{Text: "b", Section: 1, Attributes: map[string]string{}},
			},
		},
		{
			name:         "dash-only line is a warning",
			input:        "T\n---\n--\n-----\nok",
			wantHeader:   Header{Text: "T", Attributes: map[string]string{}},
			wantMenu:     []MenuLine{{Text: "ok", Attributes: map[string]string{}}},
			wantWarnings: 2,
		},
		{
			name:       "quoted values",
			input:      `T | tooltip='a b c' title="say \"hi\" \\ bye" empty=''` + "\n",
			wantHeader: Header{Text: "T", Attributes: map[string]string{"tooltip": "a b c", "title": `say "hi" \ bye`, "empty": ""}},
			wantMenu:   []MenuLine{},
		},
		{
			name:       "single quotes keep shell text literal",
			input:      "T\n---\nStop | bash='echo \"{\\\"running\\\":false}\" > \"/tmp/state.json\"' terminal=false refresh=true\n",
			wantHeader: Header{Text: "T", Attributes: map[string]string{}},
			wantMenu: []MenuLine{
				{Text: "Stop", Attributes: map[string]string{
					"bash":     `echo "{\"running\":false}" > "/tmp/state.json"`,
					"terminal": "false",
					"refresh":  "true",
				}},
			},
		},
		{
			name:         "unmatched quote runs to end of line",
			input:        "T | tooltip='never closed color=red\n",
			wantHeader:   Header{Text: "T", Attributes: map[string]string{"tooltip": "never closed color=red"}},
			wantMenu:     []MenuLine{},
			wantWarnings: 1,
		},
		{
			name:         "unmatched double quote",
			input:        "T | a=\"open\n",
			wantHeader:   Header{Text: "T", Attributes: map[string]string{"a": "open"}},
			wantMenu:     []MenuLine{},
			wantWarnings: 1,
		},
		{
			name:         "bare tokens and empty keys warn",
			input:        "T | color=red bogus =x\n",
			wantHeader:   Header{Text: "T", Attributes: map[string]string{"color": "red"}},
			wantMenu:     []MenuLine{},
			wantWarnings: 2,
		},
		{
			name:       "duplicate keys last wins",
			input:      "T | color=red color=blue\n",
			wantHeader: Header{Text: "T", Attributes: map[string]string{"color": "blue"}},
			wantMenu:   []MenuLine{},
		},
		{
			name:       "bars that do not start attributes stay in text",
			input:      "T\n---\nTotal: 3 | Pending: 1 | Done: 2\nA|B\nx | y | size=12\n",
			wantHeader: Header{Text: "T", Attributes: map[string]string{}},
			wantMenu: []MenuLine{
				{Text: "Total: 3 | Pending: 1 | Done: 2", Attributes: map[string]string{}},
				{Text: "A|B", Attributes: map[string]string{}},
				{Text: "x | y", Attributes: map[string]string{"size": "12"}},
			},
		},
		{
			name:       "escaped bar",
			input:      `a \| b=c | color=red` + "\n",
			wantHeader: Header{Text: "a | b=c", Attributes: map[string]string{"color": "red"}},
			wantMenu:   []MenuLine{},
		},
		{
			name:       "bar at end of line",
			input:      "Title |\n",
			wantHeader: Header{Text: "Title", Attributes: map[string]string{}},
			wantMenu:   []MenuLine{},
		},
		{
			name:       "empty labels keep their attributes",
			input:      "T\n---\n--| href=https://x\n| color=red\n|\n",
			wantHeader: Header{Text: "T", Attributes: map[string]string{}},
			wantMenu: []MenuLine{
				{Text: "", Depth: 2, Attributes: map[string]string{"href": "https://x"}},
				{Text: "", Attributes: map[string]string{"color": "red"}},
				{Text: "|", Attributes: map[string]string{}},
			},
		},
		{
			name:       "indented menu text keeps its indent",
			input:      "T\n---\nPending:\n  Buy milk\n",
			wantHeader: Header{Text: "T", Attributes: map[string]string{}},
			wantMenu: []MenuLine{
				{Text: "Pending:", Attributes: map[string]string{}},
				{Text: "  Buy milk", Attributes: map[string]string{}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := Parse("test.1s.sh", []byte(tt.input))
			require.NotNil(t, snap)

			if tt.wantWarnings == 0 {
				require.NoError(t, err)
			} else {
				var perr *ParseError
				require.True(t, errors.As(err, &perr), "expected *ParseError, got %v", err)
				assert.False(t, perr.Empty)
				assert.Len(t, perr.Warnings, tt.wantWarnings)
			}
			assert.Equal(t, tt.wantHeader, snap.Header)
			assert.Equal(t, tt.wantMenu, snap.Menu)
		})
	}
}

func TestParseEmptyOutput(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\n", "\r\n \t\r\n"} {
		snap, err := Parse("cpu.10s.sh", []byte(in))
		assert.Nil(t, snap)

		var perr *ParseError
		require.True(t, errors.As(err, &perr))
		assert.True(t, perr.Empty)
		assert.Contains(t, perr.Error(), "empty output")
	}
}

func TestParseDefaultHeader(t *testing.T) {
	snap, err := Parse("cpu.10s.sh", []byte("---\nCPU Usage: 45%\n"))
	require.NoError(t, err)
	assert.Equal(t, "Cpu", snap.Header.Text)
	assert.True(t, snap.Salvageable())

	snap, err = Parse("battery.30s.py", []byte(" | color=red\n"))
	require.NoError(t, err)
	assert.Equal(t, "Battery", snap.Header.Text)
	assert.Equal(t, "red", snap.Header.Attributes["color"])
	assert.False(t, snap.Salvageable(), "nothing printed but attributes")

	snap, err = Parse("cpu.10s.sh", []byte("| color=red\n---\nItem"))
	require.NoError(t, err)
	assert.Equal(t, "Cpu", snap.Header.Text)
	assert.Equal(t, map[string]string{"color": "red"}, snap.Header.Attributes)
	require.Len(t, snap.Menu, 1)
	assert.Equal(t, "Item", snap.Menu[0].Text)
	assert.True(t, snap.Salvageable())

	snap, err = Parse("x.1s.sh", []byte("---\n---\n"))
	require.NoError(t, err)
	assert.False(t, snap.Salvageable())
}

func TestParseErrorMessage(t *testing.T) {
	_, err := Parse("w.1s.sh", []byte("T | color=red bogus\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 1")
	assert.Contains(t, err.Error(), "bogus")
}

// Property: parsing the same bytes twice yields deeply equal results.
func TestParseDeterministic_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	genLine := gen.OneGenOf(
		gen.Const("---"),
		gen.Const(""),
		gen.Const("--"),
		gen.AlphaString(),
		gen.AnyString(),
		gen.Const("Refresh | refresh=true"),
		gen.Const("--Sub | color='light blue' href=\"https://x\""),
		gen.Const("broken | a='open"),
		gen.Const("Total: 1 | Done: 1"),
	)
	genOutput := gen.SliceOf(genLine).Map(func(lines []string) string {
		return strings.Join(lines, "\n")
	})

	properties.Property("parse is deterministic", prop.ForAll(
		func(out string) bool {
			s1, e1 := Parse("gen.1s.sh", []byte(out))
			s2, e2 := Parse("gen.1s.sh", []byte(out))
			return reflect.DeepEqual(s1, s2) && reflect.DeepEqual(e1, e2)
		},
		genOutput,
	))

	properties.TestingRun(t)
}

// Property: well-formed lines rendered from a structure parse back to it.
func TestParseRendersBack_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	genText := gen.RegexMatch(`[A-Za-z0-9][A-Za-z0-9 :%.]{0,20}[A-Za-z0-9]`)
	genAttrs := gen.MapOf(
		gen.RegexMatch(`[a-z][a-z0-9]{0,7}`),
		gen.RegexMatch(`[A-Za-z0-9 #:/.]{0,12}`),
	)
	genItem := gopter.CombineGens(genText, gen.IntRange(0, 3), genAttrs).Map(func(vals []interface{}) MenuLine {
		return MenuLine{
			Text:       vals[0].(string),
			Depth:      vals[1].(int) * 2,
			Attributes: vals[2].(map[string]string),
		}
	})

	properties.Property("render then parse is identity", prop.ForAll(
		func(header string, headerAttrs map[string]string, items []MenuLine) bool {
			var b strings.Builder
			b.WriteString(render(header, headerAttrs))
			b.WriteString("\n---\n")
			for _, it := range items {
				b.WriteString(strings.Repeat("-", it.Depth))
				b.WriteString(render(it.Text, it.Attributes))
				b.WriteString("\n")
			}

			snap, err := Parse("gen.1s.sh", []byte(b.String()))
			if err != nil {
				t.Logf("unexpected error: %v\n%s", err, b.String())
				return false
			}
			if snap.Header.Text != header || !sameAttrs(snap.Header.Attributes, headerAttrs) {
				return false
			}
			if len(snap.Menu) != len(items) {
				return false
			}
			for i, it := range items {
				got := snap.Menu[i]
				if got.Text != it.Text || got.Depth != it.Depth || !sameAttrs(got.Attributes, it.Attributes) {
					return false
				}
			}
			return true
		},
		genText,
		genAttrs,
		gen.SliceOf(genItem),
	))

	properties.TestingRun(t)
}

func render(text string, attrs map[string]string) string {
	if len(attrs) == 0 {
		return text
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(text)
	b.WriteString(" |")
	for _, k := range keys {
		b.WriteString(" " + k + "='" + attrs[k] + "'")
	}
	return b.String()
}

func sameAttrs(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

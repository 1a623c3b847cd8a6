// Package protocol parses the line-oriented status format producers print.
//
//	⚡ 45% | color=green          header: text plus attributes
//	---                           separator
//	CPU Usage: 45%                menu line
//	--Per core                    submenu line (depth 2)
//	Refresh | refresh=true        menu line with attributes
//
// Attributes follow the first " | " whose right-hand side starts with a
// key=value token. Values may be 'single-quoted' (literal) or
// "double-quoted" (\" and \\ escapes).
package protocol

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/crossbard/internal/producer"
)

const separator = "---"

// Parse converts stdout into a Snapshot.
//
// Empty or whitespace-only output returns (nil, *ParseError{Empty: true}).
// Recoverable problems return the snapshot together with a *ParseError
// listing the warnings. Parsing the same bytes always yields an equal result.
func Parse(producerID string, stdout []byte) (*Snapshot, error) {
	text := strings.TrimPrefix(string(stdout), "\uFEFF")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{ProducerID: producerID, Empty: true}
	}

	p := parser{snap: &Snapshot{ProducerID: producerID, Menu: []MenuLine{}}}
	p.snap.Header.Attributes = map[string]string{}

	inMenu := false
	haveHeader := false
	section := 0
	for i, raw := range strings.Split(text, "\n") {
		lineNo := i + 1
		line := strings.TrimRight(raw, " \t\r")
		trimmed := strings.TrimSpace(line)

		if trimmed == separator {
			if inMenu {
				section++
			}
			inMenu = true
			continue
		}
		if trimmed == "" {
			continue
		}

		if !inMenu {
			// Only the first non-blank line before the first separator
			// is the header; the rest are ignored.
			if haveHeader {
				continue
			}
			haveHeader = true
			label, attrs := p.splitLine(line, lineNo)
			p.snap.Header = Header{Text: strings.TrimSpace(label), Attributes: attrs}
			continue
		}

		depth := 0
		for depth < len(line) && line[depth] == '-' {
			depth++
		}
		if depth == len(line) {
			p.warn(lineNo, fmt.Sprintf("dash-only line %q is not a separator", line))
			continue
		}
		body := line[depth:]
		if depth > 0 {
			body = strings.TrimLeft(body, " \t")
		}
		label, attrs := p.splitLine(body, lineNo)
		p.snap.Menu = append(p.snap.Menu, MenuLine{
			Text:       label,
			Depth:      depth,
			Section:    section,
			Attributes: attrs,
		})
	}

	if p.snap.Header.Text == "" {
		p.snap.Header.Text = producer.DisplayName(producerID)
		p.snap.headerDefaulted = true
	}

	if len(p.warnings) > 0 {
		return p.snap, &ParseError{ProducerID: producerID, Warnings: p.warnings}
	}
	return p.snap, nil
}

type parser struct {
	snap     *Snapshot
	warnings []Warning
}

func (p *parser) warn(line int, msg string) {
	p.warnings = append(p.warnings, Warning{Line: line, Message: msg})
}

// splitLine separates display text from the attribute list.
func (p *parser) splitLine(line string, lineNo int) (string, map[string]string) {
	attrs := map[string]string{}
	idx := attributeBar(line)
	if idx < 0 {
		return unescapeBar(line), attrs
	}
	text := unescapeBar(strings.TrimRight(line[:idx], " \t"))
	p.parseAttributes(line[idx+1:], lineNo, attrs)
	return text, attrs
}

// attributeBar returns the index of the "|" that starts the attribute list,
// or -1. The bar must be unescaped, start the line or follow whitespace,
// be followed by whitespace or end of line, and the next token must look
// like key=value (or be absent). "Total: 3 | Pending: 1" therefore stays
// plain text, while "| color=red" is an empty label with attributes.
func attributeBar(line string) int {
	for i := 0; i < len(line); i++ {
		if line[i] != '|' {
			continue
		}
		if i > 0 && !isSpace(line[i-1]) {
			continue
		}
		if i+1 < len(line) && !isSpace(line[i+1]) {
			continue
		}
		rest := strings.TrimLeft(line[i+1:], " \t")
		if rest == "" {
			if i == 0 {
				// a lone "|" is text
				continue
			}
			return i
		}
		tok := rest
		if j := strings.IndexAny(tok, " \t"); j >= 0 {
			tok = tok[:j]
		}
		if eq := strings.IndexByte(tok, '='); eq > 0 {
			return i
		}
	}
	return -1
}

// parseAttributes tokenises whitespace-separated key=value pairs into attrs.
// Later duplicates win.
func (p *parser) parseAttributes(s string, lineNo int, attrs map[string]string) {
	i := 0
	for {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			return
		}

		start := i
		for i < len(s) && s[i] != '=' && !isSpace(s[i]) {
			i++
		}
		if i >= len(s) || s[i] != '=' {
			p.warn(lineNo, fmt.Sprintf("attribute %q has no value", s[start:i]))
			continue
		}
		key := s[start:i]
		i++ // '='

		var value string
		switch {
		case i < len(s) && s[i] == '\'':
			end := strings.IndexByte(s[i+1:], '\'')
			if end < 0 {
				p.warn(lineNo, fmt.Sprintf("unterminated quote in attribute %q", key))
				value, i = s[i+1:], len(s)
			} else {
				value, i = s[i+1:i+1+end], i+end+2
			}
		case i < len(s) && s[i] == '"':
			var closed bool
			value, i, closed = readDoubleQuoted(s, i+1)
			if !closed {
				p.warn(lineNo, fmt.Sprintf("unterminated quote in attribute %q", key))
			}
		default:
			vstart := i
			for i < len(s) && !isSpace(s[i]) {
				i++
			}
			value = s[vstart:i]
		}

		if key == "" {
			p.warn(lineNo, "attribute with empty key ignored")
			continue
		}
		attrs[key] = value
	}
}

// readDoubleQuoted reads from s[i:] up to the closing quote, honouring \"
// and \\. Without a closing quote the value runs to end of input.
func readDoubleQuoted(s string, i int) (string, int, bool) {
	var b strings.Builder
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\'):
			b.WriteByte(s[i+1])
			i += 2
		case c == '"':
			return b.String(), i + 1, true
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String(), i, false
}

func unescapeBar(s string) string {
	return strings.ReplaceAll(s, `\|`, "|")
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' }

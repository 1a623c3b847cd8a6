package protocol

import (
	"fmt"
	"strings"
)

// Header is the first line of producer output.
type Header struct {
	Text       string            `json:"text"`
	Attributes map[string]string `json:"attributes"`
}

// MenuLine is one item below the first separator.
type MenuLine struct {
	Text string `json:"text"`
	// Depth is the submenu nesting level, the number of leading dashes.
	Depth int `json:"depth"`
	// Section counts the separators seen after the first one; items between
	// the first and second separator are in section 0.
	Section    int               `json:"section"`
	Attributes map[string]string `json:"attributes"`
}

// Snapshot is the structured form of one successful producer run.
type Snapshot struct {
	ProducerID string     `json:"producer_id"`
	Header     Header     `json:"header"`
	Menu       []MenuLine `json:"menu"`
	// Truncated is set when the producer's stdout hit the capture cap.
	Truncated bool `json:"truncated,omitempty"`

	headerDefaulted bool
}

// Salvageable reports whether the snapshot carries anything the producer
// actually printed: header text or at least one menu item.
func (s *Snapshot) Salvageable() bool {
	return s != nil && (!s.headerDefaulted || len(s.Menu) > 0)
}

// Warning is a recoverable problem on one input line.
type Warning struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	return fmt.Sprintf("line %d: %s", w.Line, w.Message)
}

// ParseError reports output that was empty or only partly understood. When
// Empty is false a snapshot accompanies the error.
type ParseError struct {
	ProducerID string
	Empty      bool
	Warnings   []Warning
}

func (e *ParseError) Error() string {
	if e.Empty {
		return fmt.Sprintf("producer %s: empty output", e.ProducerID)
	}
	msgs := make([]string, 0, len(e.Warnings))
	for _, w := range e.Warnings {
		msgs = append(msgs, w.String())
	}
	return fmt.Sprintf("producer %s: %d parse warning(s): %s", e.ProducerID, len(e.Warnings), strings.Join(msgs, "; "))
}

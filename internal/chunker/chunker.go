// Package chunker splits circular text into segments sized for embedding.
package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Policy selects how text is segmented.
type Policy string

const (
	// PolicyWindow is a fixed-width sliding window with overlap.
	PolicyWindow Policy = "window"
	// PolicyParagraph accumulates whole paragraphs up to the size budget.
	PolicyParagraph Policy = "paragraph"
)

const (
	DefaultSize      = 1000
	DefaultStep      = 900
	DefaultMinLength = 300
	DefaultMaxChunks = 30
)

// Chunker splits text. Sizes are measured in characters (runes).
type Chunker struct {
	policy    Policy
	size      int
	step      int
	minLength int
	maxChunks int
}

// Option configures the chunker.
type Option func(*Chunker)

func WithPolicy(p Policy) Option {
	return func(c *Chunker) {
		if p != "" {
			c.policy = p
		}
	}
}

func WithSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.size = size
		}
	}
}

func WithStep(step int) Option {
	return func(c *Chunker) {
		if step > 0 {
			c.step = step
		}
	}
}

func WithMinLength(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.minLength = n
		}
	}
}

// WithMaxChunks caps segments per document; 0 disables the cap.
func WithMaxChunks(n int) Option {
	return func(c *Chunker) {
		if n >= 0 {
			c.maxChunks = n
		}
	}
}

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyWindow, "":
		return PolicyWindow, nil
	case PolicyParagraph:
		return PolicyParagraph, nil
	default:
		return "", fmt.Errorf("unknown chunk policy %q", s)
	}
}

// New creates a chunker. A step larger than the window is clamped to it.
func New(opts ...Option) *Chunker {
	c := &Chunker{
		policy:    PolicyWindow,
		size:      DefaultSize,
		step:      DefaultStep,
		minLength: DefaultMinLength,
		maxChunks: DefaultMaxChunks,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.step > c.size {
		c.step = c.size
	}
	return c
}

// Split returns the ordered segments of text. Text shorter than the minimum
// length yields nil. Segments beyond the cap are dropped.
func (c *Chunker) Split(text string) []string {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < c.minLength {
		return nil
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var out []string
	switch c.policy {
	case PolicyParagraph:
		out = c.paragraphs(text)
	default:
		out = window([]rune(text), c.size, c.step, c.maxChunks)
	}
	if c.maxChunks > 0 && len(out) > c.maxChunks {
		out = out[:c.maxChunks]
	}
	return out
}

// window slides a size-wide window by step. The last window ends at the
// end of the text, so no window lies entirely inside its predecessor.
func window(r []rune, size, step, limit int) []string {
	n := len(r)
	if n == 0 {
		return nil
	}
	var out []string
	for start := 0; ; start += step {
		end := min(start+size, n)
		out = append(out, string(r[start:end]))
		if end == n || (limit > 0 && len(out) == limit) {
			return out
		}
	}
}

var blankLine = regexp.MustCompile(`\n\s*\n`)

func (c *Chunker) paragraphs(text string) []string {
	var out []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, p := range blankLine.Split(text, -1) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		pr := []rune(p)
		if len(pr) > c.size {
			flush()
			out = append(out, window(pr, c.size, c.step, 0)...)
			continue
		}
		if curLen > 0 && curLen+2+len(pr) > c.size {
			flush()
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(p)
		curLen += len(pr)
		if c.maxChunks > 0 && len(out) >= c.maxChunks {
			break
		}
	}
	flush()
	return out
}

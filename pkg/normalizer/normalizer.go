// Package normalizer turns raw transport output into the line events sent to
// the terminal client.
package normalizer

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
)

// DefaultBannerMarker is the substring that marks the end of a login banner.
const DefaultBannerMarker = "Last login"

// DefaultPromptPattern matches the two lines of a boxed shell prompt, with or
// without a leading color escape:
//
//	┌──(user㉿host)-[~]
//	└─#
const DefaultPromptPattern = `^(\x1B\[.*?m)?(┌──\(.*?\)-\[.*?\]|└─# ?)$`

// MaxLineLength bounds the unterminated tail kept between chunks. A longer
// run without a newline is cut and emitted as a line of its own.
const MaxLineLength = 64 << 10

// Config holds the tunable heuristics.
type Config struct {
	// BannerMarker gates shell output: lines are dropped until one containing
	// the marker has been seen. Empty disables gating.
	BannerMarker string `yaml:"banner_marker"`
	// PromptPattern is a regular expression matched against trimmed lines.
	PromptPattern string `yaml:"prompt_pattern"`
}

// DefaultConfig returns the built-in heuristics.
func DefaultConfig() Config {
	return Config{BannerMarker: DefaultBannerMarker, PromptPattern: DefaultPromptPattern}
}

// Compile validates the prompt pattern. An empty pattern compiles the default.
func (c Config) Compile() (*regexp.Regexp, error) {
	p := c.PromptPattern
	if p == "" {
		p = DefaultPromptPattern
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("normalizer: prompt pattern: %w", err)
	}
	return re, nil
}

// Normalizer reassembles chunks into lines and filters them. It is not safe
// for concurrent use; each session owns one.
type Normalizer struct {
	// OnOverflow, if set, is called each time a run longer than
	// MaxLineLength is cut without a newline.
	OnOverflow func(length int)

	marker string
	prompt *regexp.Regexp
	serial bool

	buf         []byte
	bannerSeen  bool
	lastPrompt  string
	lastEmitted string
	emitted     bool
}

// NewShell returns a normalizer for login-shell output. A nil prompt uses
// DefaultPromptPattern.
func NewShell(bannerMarker string, prompt *regexp.Regexp) *Normalizer {
	return &Normalizer{
		marker:     bannerMarker,
		prompt:     orDefault(prompt),
		bannerSeen: bannerMarker == "",
	}
}

// NewSerial returns a normalizer for serial output: no banner gating, and
// every line is stripped of control bytes and surrounding whitespace.
func NewSerial(prompt *regexp.Regexp) *Normalizer {
	return &Normalizer{prompt: orDefault(prompt), serial: true, bannerSeen: true}
}

var defaultPrompt = regexp.MustCompile(DefaultPromptPattern)

func orDefault(re *regexp.Regexp) *regexp.Regexp {
	if re == nil {
		return defaultPrompt
	}
	return re
}

// Feed appends chunk and returns the lines it completed, each ending in
// "\n". An unterminated tail stays buffered until a later chunk ends it or
// it outgrows MaxLineLength.
func (n *Normalizer) Feed(chunk []byte) []string {
	n.buf = append(n.buf, chunk...)

	var out []string
	for {
		i := bytes.IndexByte(n.buf, '\n')
		if i < 0 {
			break
		}
		line := string(n.buf[:i])
		n.buf = n.buf[i+1:]
		if s, ok := n.line(line); ok {
			out = append(out, s+"\n")
		}
	}
	for len(n.buf) > MaxLineLength {
		line := string(n.buf[:MaxLineLength])
		n.buf = n.buf[MaxLineLength:]
		if n.OnOverflow != nil {
			n.OnOverflow(MaxLineLength)
		}
		if s, ok := n.line(line); ok {
			out = append(out, s+"\n")
		}
	}
	if len(n.buf) == 0 {
		n.buf = nil
	}
	return out
}

// Pending returns the number of buffered bytes not yet ended by a newline.
func (n *Normalizer) Pending() int { return len(n.buf) }

// Reset drops buffered data and filter state, as if newly created.
func (n *Normalizer) Reset() {
	n.buf = nil
	n.bannerSeen = n.serial || n.marker == ""
	n.lastPrompt = ""
	n.lastEmitted = ""
	n.emitted = false
}

func (n *Normalizer) line(raw string) (string, bool) {
	line := strings.TrimSuffix(raw, "\r")
	if n.serial {
		line = strings.TrimSpace(printable(line))
		if line == "" {
			return "", false
		}
	}

	if !n.bannerSeen {
		if strings.Contains(line, n.marker) {
			n.bannerSeen = true
		}
		return "", false
	}

	if n.prompt.MatchString(strings.TrimSpace(line)) {
		if line == n.lastPrompt {
			return "", false
		}
		n.lastPrompt = line
		return n.emit(line), true
	}

	if n.emitted && line == n.lastEmitted {
		return "", false
	}
	n.lastPrompt = ""
	return n.emit(line), true
}

func (n *Normalizer) emit(line string) string {
	n.lastEmitted = line
	n.emitted = true
	return line
}

// printable drops control characters other than tab, including stray
// escape bytes from a device booting at another baud rate.
func printable(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || (r >= 0x20 && r != 0x7f && r != 0xfffd) {
			return r
		}
		return -1
	}, s)
}

package core

import (
	"bytes"
	"regexp"
)

// DefaultNormalizer removes the nondeterministic stamps code generators
// commonly write into their output.
//
// This normalizer handles:
//   - @Generated(date = "...") annotation values
//   - ISO 8601 timestamps (2024-12-13T10:30:45Z)
//   - "Generated on/at <date>" header lines
//   - Generator version banners (OpenAPI Generator 7.4.0)
type DefaultNormalizer struct {
	patterns []*normPattern
}

type normPattern struct {
	regex       *regexp.Regexp
	replacement []byte
}

// NewDefaultNormalizer creates a normalizer with the generated-code patterns.
func NewDefaultNormalizer() *DefaultNormalizer {
	return &DefaultNormalizer{
		patterns: []*normPattern{
			{
				regex:       regexp.MustCompile(`date\s*=\s*"[^"]*"`),
				replacement: []byte(`date = "<TIMESTAMP>"`),
			},
			{
				regex:       regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:?\d{2})?`),
				replacement: []byte("<TIMESTAMP>"),
			},
			{
				regex:       regexp.MustCompile(`(?i)(generated\s+(on|at))\s*:?\s*[^\n]*`),
				replacement: []byte("$1 <TIMESTAMP>"),
			},
			{
				regex:       regexp.MustCompile(`(?i)(openapi[- ]generator)(\s+version)?\s*:?\s*v?\d+\.\d+\.\d+(-[0-9A-Za-z.]+)?`),
				replacement: []byte("$1 <VERSION>"),
			},
		},
	}
}

// Normalize removes nondeterministic patterns from content.
func (n *DefaultNormalizer) Normalize(content []byte) []byte {
	result := content
	for _, p := range n.patterns {
		result = p.regex.ReplaceAll(result, p.replacement)
	}
	return result
}

// LineEndingNormalizer converts CRLF to LF before applying an inner normalizer,
// so generators run on different platforms digest identically.
type LineEndingNormalizer struct {
	Inner OutputNormalizer
}

// NewLineEndingNormalizer wraps inner.
func NewLineEndingNormalizer(inner OutputNormalizer) *LineEndingNormalizer {
	return &LineEndingNormalizer{Inner: inner}
}

// Normalize converts line endings and applies Inner.
func (n *LineEndingNormalizer) Normalize(content []byte) []byte {
	result := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if n.Inner != nil {
		result = n.Inner.Normalize(result)
	}
	return result
}

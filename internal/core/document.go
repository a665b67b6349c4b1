package core

import (
	"crypto/sha256"
	"encoding/hex"
)

// DocumentFormat describes how a SpecDocument's content is encoded.
type DocumentFormat string

const (
	FormatJSON DocumentFormat = "json"
	FormatYAML DocumentFormat = "yaml"
	FormatText DocumentFormat = "text"
)

// Extension returns the file extension used when persisting the format.
func (f DocumentFormat) Extension() string {
	switch f {
	case FormatJSON:
		return ".json"
	case FormatYAML:
		return ".yaml"
	default:
		return ".txt"
	}
}

// SpecDocument is a resolved specification.
//
// A SpecDocument is immutable once constructed: the content is copied in and
// only ever copied out, so a generator can never alter what the resolver
// produced and two stages reading the same document see identical bytes.
type SpecDocument struct {
	name    string
	path    string
	format  DocumentFormat
	content []byte
	digest  string
	sources []string
}

// NewSpecDocument builds a document persisted at path. Sources lists the
// files the content was assembled from, root included.
func NewSpecDocument(name, path string, format DocumentFormat, content []byte, sources ...string) *SpecDocument {
	buf := make([]byte, len(content))
	copy(buf, content)
	sum := sha256.Sum256(buf)
	return &SpecDocument{
		name:    name,
		path:    path,
		format:  format,
		content: buf,
		digest:  hex.EncodeToString(sum[:]),
		sources: append([]string(nil), sources...),
	}
}

// Name is the root name the document was resolved from.
func (d *SpecDocument) Name() string { return d.name }

// Path is the deterministic location the document was persisted at.
func (d *SpecDocument) Path() string { return d.path }

// Format is the content encoding.
func (d *SpecDocument) Format() DocumentFormat { return d.format }

// Digest is the hex sha256 of the content.
func (d *SpecDocument) Digest() string { return d.digest }

// Len returns the content length in bytes.
func (d *SpecDocument) Len() int { return len(d.content) }

// Bytes returns a copy of the content.
func (d *SpecDocument) Bytes() []byte {
	out := make([]byte, len(d.content))
	copy(out, d.content)
	return out
}

// Sources returns the files the document was assembled from, sorted. A
// document rebuilt from its persisted form has none.
func (d *SpecDocument) Sources() []string {
	return append([]string(nil), d.sources...)
}

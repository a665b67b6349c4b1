package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
)

// Fingerprint identifies the exact work a stage would perform.
//
// Two runs of a stage with equal fingerprints would invoke the same tools on
// the same bytes, so the second run may be skipped when the stage's outputs
// are still in place.
type Fingerprint string

// String returns the hex digest.
func (f Fingerprint) String() string { return string(f) }

// FingerprintInput lists everything that contributes to a Fingerprint.
type FingerprintInput struct {
	// Stage is the node being fingerprinted. Name, Kind, Digest and the
	// declared outputs contribute; scheduling-only fields do not.
	Stage Stage

	// Inputs is the resolved input set (already sorted by InputResolver).
	Inputs *InputSet

	// Upstream maps dependency name to its fingerprint, so a change anywhere
	// above a stage changes the stage too.
	Upstream map[string]Fingerprint
}

// Fingerprinter computes stage fingerprints.
type Fingerprinter struct{}

// NewFingerprinter creates a Fingerprinter.
func NewFingerprinter() *Fingerprinter {
	return &Fingerprinter{}
}

// Compute returns the fingerprint of in.
//
// Components are written in this order, each length-prefixed:
//  1. Stage name, kind and configuration digest
//  2. Sorted declared outputs
//  3. Sorted upstream (name, fingerprint) pairs
//  4. For each input: path and content
func (f *Fingerprinter) Compute(in FingerprintInput) Fingerprint {
	h := sha256.New()

	writeField(h, []byte(in.Stage.Name))
	writeField(h, []byte(in.Stage.Kind))
	writeField(h, []byte(in.Stage.Digest))

	outputs := append([]string(nil), in.Stage.Outputs...)
	sort.Strings(outputs)
	writeCount(h, len(outputs))
	for _, o := range outputs {
		writeField(h, []byte(o))
	}

	names := make([]string, 0, len(in.Upstream))
	for name := range in.Upstream {
		names = append(names, name)
	}
	sort.Strings(names)
	writeCount(h, len(names))
	for _, name := range names {
		writeField(h, []byte(name))
		writeField(h, []byte(in.Upstream[name]))
	}

	if in.Inputs == nil {
		writeCount(h, 0)
	} else {
		writeCount(h, len(in.Inputs.Inputs))
		for _, inp := range in.Inputs.Inputs {
			writeField(h, []byte(inp.Path))
			writeField(h, inp.Content)
		}
	}

	return Fingerprint(hex.EncodeToString(h.Sum(nil)))
}

// writeField writes an 8-byte big-endian length prefix followed by data.
func writeField(h hash.Hash, data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	h.Write(prefix[:])
	h.Write(data)
}

func writeCount(h hash.Hash, n int) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(n))
	h.Write(prefix[:])
}

package dag

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"

	"genweaver/internal/core"
)

// computeStageDefHash hashes the declarative fields of a stage.
//
// Determinism rules:
//   - Path lists are treated as sets and sorted.
//   - DependsOn is excluded; it is captured by the graph's edge structure.
//   - All fields are length-prefixed to avoid ambiguity.
func computeStageDefHash(s core.Stage) StageDefHash {
	h := sha256.New()

	writeField(h, []byte(s.Name))
	writeField(h, []byte(s.Kind))
	writeField(h, []byte(s.Digest))
	writeField(h, []byte(s.OnlyIf))
	writeField(h, []byte(strconv.FormatBool(s.BestEffort)))

	for _, list := range [][]string{s.Inputs, s.Outputs, s.SkipIfExists} {
		sorted := append([]string(nil), list...)
		sort.Strings(sorted)
		writeCount(h, len(sorted))
		for _, p := range sorted {
			writeField(h, []byte(p))
		}
	}

	return StageDefHash(hex.EncodeToString(h.Sum(nil)))
}

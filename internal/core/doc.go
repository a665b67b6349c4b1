// Package core provides the domain models shared by every pipeline component.
//
// # Core Types
//
// Stage: a named unit of pipeline work with declared upstream dependencies.
// SpecDocument: a resolved, consolidated specification consumed by a generator.
// GeneratedArtifactSet: the ordered set of files a generation target produced.
// PatchRule: an idempotent textual correction applied to generated sources.
//
// The package also owns the external invocation boundary (Invoker), input
// expansion (InputResolver), stage fingerprints (Fingerprinter) and output
// normalization used when digesting generated trees.
//
// # Design Principles
//
//  1. Values handed between stages are immutable once produced
//  2. Every ordering is explicit and sorted, never filesystem order
//  3. Digests are length-prefixed so distinct inputs cannot collide by concatenation
package core

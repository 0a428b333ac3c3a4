package persister

import "github.com/samoadb/samoa/clock"

// MergeFunc reconciles an incoming remote value against the value
// currently stored locally under the same key (nil if no record exists
// yet) and returns the value that should be written in its place.
// Mirrors datamodel::merge_func_t in the original persister (spec.md
// §4.2): the persister itself is payload-agnostic — it stores opaque
// byte strings and lets the caller (the replication layer, via
// datatype.Blob/Counter (de)serialization) supply the actual merge
// semantics.
type MergeFunc func(local, remote []byte) (merged []byte, result clock.MergeResult, err error)

// UpkeepFunc is invoked on each live element as it reaches the leaf
// layer's head during leaf compaction (spec.md §4.9 eventual-consistency
// upkeep — re-replication and digest-rotation hooks attach here). It
// returns the value to keep the element under (letting upkeep rewrite
// it, e.g. to drop an expired per-author delta) and whether the element
// should survive at all; returning keep=false lets a tombstone or
// expired record fall out of the store entirely.
type UpkeepFunc func(key, value []byte) (newValue []byte, keep bool)

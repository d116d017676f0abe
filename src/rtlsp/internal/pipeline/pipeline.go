// Package pipeline defines the language analysis phases the typecheck
// engine drives: parse, resolve, and infer, plus the isolated per-file
// state hash the fast path compares.
package pipeline

import "github.com/rubytyper/rtlsp/src/rtlsp/internal/state"

// FileIndex is the parse output for a single file, before its definitions
// are interned into a GlobalState.
type FileIndex struct {
	Defs []state.Definition
	Refs []state.Reference
}

// Driver is one language frontend.
type Driver interface {
	// Parse builds the index for a single file. Pure; safe to call from
	// worker goroutines.
	Parse(path, source string) FileIndex

	// Commit interns idx's definitions into gs and installs defs and refs
	// on the file entry. Must run on the goroutine owning gs.
	Commit(gs *state.GlobalState, ref state.FileRef, idx FileIndex)

	// Hash computes the isolated-resolution state hash of source: a digest
	// of the file's exported symbol surface. Equal surfaces hash equal
	// regardless of method bodies. Pure; never zero.
	Hash(path, source string) uint32

	// Resolve binds constant references in files against gs's symbol table
	// and reports unresolved constants to the error queue.
	Resolve(gs *state.GlobalState, files []state.FileRef)

	// Infer checks call references in files against known method
	// definitions and reports unresolved calls and arity mismatches to the
	// error queue.
	Infer(gs *state.GlobalState, files []state.FileRef)
}

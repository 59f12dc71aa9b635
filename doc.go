// Package zen decides which C++ translation units actually need rebuilding
// after a set of source edits. It canonicalizes each file into a token
// stream that ignores comments and whitespace, segments headers into named
// declaration units, and compares fingerprints against the previous run's
// persisted state. In deep mode it additionally tracks which declaration
// units each translation unit uses, so a change to an unused helper in a
// widely included header no longer rebuilds the world.
//
// Precision is tunable per project, per file, and per block through
// ZEN(...) comment markers, with the innermost marker winning:
//
//	// ZEN(deep)     file-scope marker, anywhere outside a declaration
//	// ZEN(disable)  on or directly above a declaration
//
// The engine never decides what to compile; it reports a rebuild verdict
// and reason per translation unit and leaves scheduling to the build
// system driving it.
package zen

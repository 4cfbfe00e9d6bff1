// Package dispatch is the Host Dispatch Table: the registry that binds
// guest-visible symbols to host implementations and the trampolines guest
// code calls them through.
//
// Every entry owns an 8-byte slot in a dedicated region. The CPU core stops
// before executing a slot (see IsTrap); slots also contain
// "svc #slot; bx lr" so a core without the trap predicate reports an SVC
// that identifies the same entry. Dispatch reads AAPCS arguments, runs the
// handler, writes r0/r1 and resumes at lr.
//
// Imports the loader cannot resolve are given stub entries that fail with
// an unimplemented error when called, unless an error return or the
// return-zero policy applies. Registering the symbol later reuses the
// stub's slot, so already-bound code picks up the implementation.
package dispatch

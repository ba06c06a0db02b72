// Package ipc frames the parent-child channel between master and workers.
//
// Frames are newline-delimited JSON carrying a kind tag and an opaque
// payload. Each direction rides one pipe, so per-direction ordering follows
// pipe semantics. Pipe() builds an in-process pair over OS pipes for the
// single-process mode and for tests.
package ipc

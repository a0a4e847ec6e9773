// Package files provides crash-safe persistence primitives for the file
// storage driver: atomic whole-file replacement, JSON table load/store and
// append-only JSON lines.
//
// Every writer replaces a file by writing a sibling temp file, syncing it
// and renaming it over the target, so readers observe either the old or the
// new content, never a partial write. Callers are responsible for
// serializing writers of the same file.
package files

// Package runtimefiles keeps the generated configuration files of a
// namespace on disk, reconciled with the edits made by the user.
//
// The generator output is the baseline. A user edit, submitted through
// Store.Override or made directly on disk and picked up by Watcher, is
// persisted and wins until Store.Reset restores the generated content.
// Files are only rewritten when their BLAKE3 content hash changes.
package runtimefiles

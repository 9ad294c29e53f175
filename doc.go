// Package remap implements the remap engine for a block-level bad-sector
// remapping target: an O(1) bad-sector-to-spare-sector lookup table, the
// I/O path that consults it, the error observer that grows it on media
// failure, and the persistence engine that keeps it durable across restarts.
//
// The host block-layer glue that registers a target with a kernel or
// userspace block stack and dispatches actual I/O requests into this
// package is out of scope; this package exposes plain Go types
// (BlockDevice, Target) that a thin host adapter is expected to drive.
package remap

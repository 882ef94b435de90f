// Package btrbck manages numbered snapshots of subvolumes
// and replicates them between repositories.
//
// A _stream repository_ is a directory holding one or more _streams_.
// A stream is a named data source:
// usually a btrfs subvolume that some application writes to.
// Each time a snapshot of a stream is taken,
// it gets the next number in that stream's sequence.
// Snapshots are read-only and are never renumbered,
// so the pair (stream name, number) identifies the same data everywhere,
// in every repository the stream has been replicated to.
//
// Because snapshot numbers are stable,
// two repositories can find the newest snapshot they have in common
// simply by comparing their lists of numbers.
// That snapshot serves as the base ("parent") for an incremental send
// of everything newer,
// so after the first full transfer only the differences travel.
// A transfer runs over a single duplex byte stream,
// which may be a pair of in-process pipes (when both repositories are local)
// or the stdin/stdout of this same program run on another host via SSH.
//
// Snapshots accumulate,
// so each repository thins them out with a tiered retention policy:
// everything recent is kept,
// then one snapshot per exponentially wider age band,
// then only the single oldest.
// The number kept therefore grows with the logarithm of the history's length.
//
// The actual snapshot mechanics
// (creating, deleting, sending, and receiving subvolume snapshots)
// are delegated to an Engine.
// The btrfs engine drives the btrfs command-line tool;
// the dir engine uses plain directories and tar streams
// and works on any filesystem.
package btrbck

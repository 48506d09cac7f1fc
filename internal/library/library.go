// Package library implements the library registry and canonical
// info-hash-keyed tree described in spec.md §4.2: the VFS root's fixed
// /browse and /v1 shape, built from a set of pluggable Library
// collaborators.
package library

import (
	"time"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/engine"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/vfs"
)

// FileEntry describes one file within a torrent, as published by a
// Library for a given (info_hash, network) pair.
type FileEntry struct {
	// Index is the file's position in the torrent's original file
	// order. Padding files keep their index so the by-index view's
	// names stay aligned with the torrent metadata even though padding
	// entries themselves are hidden.
	Index int
	// Path is the file's path within the torrent, split into
	// components (e.g. ["subdir", "movie.mkv"]).
	Path []string
	// Offset is the file's byte offset within the torrent's
	// concatenated content stream, as required to open a TorrentIO
	// window for just this file.
	Offset int64
	Size   int64
	MTime  *time.Time
	// Padding marks a layout-padding file: hidden from both f/ and i/
	// but still occupying an index.
	Padding bool
}

// Opener opens a streaming read window over a torrent's content. This
// is the "opener indirection" from the design notes: the library tree
// never imports the TorrentIO/Request service packages directly, only
// this function type, so the two halves of the system can be built and
// tested independently of one another.
type Opener func(infoHash string, start, stop int64, configureATP engine.ConfigureATP) (vfs.ReadStream, error)

// Library is one source of content. A library claims zero or more
// torrents (by info hash), optionally under more than one network, and
// contributes a set of curated nodes to /browse.
type Library interface {
	// Key identifies this library. The registry does not mount
	// anything under it: BrowseNodes entries go directly under /browse.
	Key() string
	// BrowseNodes returns the curated nodes this library publishes,
	// each mounted at /browse/<name> under its map key, built with
	// parent (the /browse directory) as their Dir parent.
	BrowseNodes(parent vfs.Dir) map[string]vfs.Node
	// Networks returns the networks under which this library knows
	// infoHash, or nil if it does not claim infoHash at all.
	Networks(infoHash string) []string
	// Files returns infoHash's file list as known on network. Only
	// called for a network previously returned by Networks.
	Files(infoHash, network string) ([]FileEntry, error)
	// ConfigureATP returns the add-torrent-parameters callback for
	// infoHash, invoked by the Request service exactly once when the
	// torrent is added to the engine on demand.
	ConfigureATP(infoHash string) (engine.ConfigureATP, error)
}

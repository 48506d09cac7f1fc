// Package engine defines the narrow boundary between this system and
// the BitTorrent engine it drives. The engine itself — piece storage,
// peer wire protocol, DHT — is treated as an opaque actor: it emits
// Alerts and accepts control calls on Handles, and nothing else about
// its internals is visible to the rest of this module. See
// internal/engine/anacrolix.go for the one concrete adapter, backed by
// github.com/anacrolix/torrent.
package engine

import (
	"context"
	"time"
)

// PiecePriority mirrors anacrolix/torrent's four-level priority scheme,
// kept as its own type so the Request service never imports the
// concrete torrent library directly.
type PiecePriority int

const (
	PriorityNone PiecePriority = iota
	PriorityNormal
	PriorityReadahead
	PriorityNow
)

// ATP are add-torrent parameters: the metadata, save path, trackers and
// flags the engine needs in order to start fetching a torrent it
// doesn't yet know about. A torrent is added lazily, on first request,
// so the caller that knows how to populate ATP for a given info hash is
// handed a callback rather than being asked to pre-register every
// torrent up front.
type ATP struct {
	InfoHash   string
	SavePath   string
	Trackers   []string
	Metainfo   []byte // raw bencoded .torrent metadata, if known up front
	MagnetURI  string // used instead of Metainfo when metadata is not yet known
}

// ConfigureATP is invoked exactly once per on-demand torrent add, to
// populate ATP from whatever side channel the caller has (a library's
// per-torrent metadata store, a magnet link, etc).
type ConfigureATP func(atp *ATP) error

// Handle is the engine's per-torrent control surface. All methods must
// be safe for concurrent use; the engine's contract guarantees this, so
// callers never need their own locking around a Handle.
type Handle interface {
	InfoHash() string
	// SetPiecePriority requests the engine prioritize piece index i.
	SetPiecePriority(i int, p PiecePriority)
	// PieceComplete reports whether piece i has been fully downloaded
	// and verified.
	PieceComplete(i int) bool
	// NumPieces returns the torrent's total piece count, or 0 if the
	// torrent's metadata has not yet arrived.
	NumPieces() int
	// PieceLength returns the length in bytes of a full piece (the
	// final piece may be shorter).
	PieceLength() int64
	// Length returns the torrent's total content length, or 0 if
	// metadata has not yet arrived.
	Length() int64
	// SaveResumeData asynchronously requests a resume-data snapshot;
	// the result arrives as a SaveResumeDataAlert or
	// SaveResumeDataFailedAlert. onlyIfModified skips the save if
	// nothing has changed since the last save; a skipped save is
	// reported as a SaveResumeDataFailedAlert, so every nil return is
	// followed by exactly one of the two alerts.
	SaveResumeData(onlyIfModified, flushDiskCache bool) error
	// ReadPiece returns the verified bytes of piece i. Callers must only
	// call this once PieceComplete(i) is true.
	ReadPiece(i int) ([]byte, error)
}

// Engine is the control surface for the whole torrent client: adding
// and removing torrents, and the single alert stream every other
// subsystem in this module subscribes to.
type Engine interface {
	// AddTorrent starts fetching a torrent described by atp, returning
	// its Handle. The engine alert stream additionally emits an
	// AddTorrentAlert once the add completes (which may race this
	// call's return in either direction).
	AddTorrent(ctx context.Context, atp ATP) (Handle, error)
	// RemoveTorrent drops a torrent from the engine. A
	// TorrentRemovedAlert follows once teardown completes.
	RemoveTorrent(infoHash string) error
	// Alerts returns a channel of alerts, closed when the engine shuts
	// down. The alert driver is this channel's sole consumer.
	Alerts() <-chan Alert
	// Close shuts the engine down, closing the Alerts channel.
	Close() error
}

// TickDeadline is returned by a Ticker to advertise when it next wants
// to be woken regardless of alert arrival.
type TickDeadline = time.Time

// Ticker is implemented by any alert subscriber with time-based work
// (ResumeService's periodic save-all, for instance). The alert driver
// wakes a Ticker no later than its deadline even if no alert arrives.
type Ticker interface {
	// GetTickDeadline returns the next time this subscriber should be
	// woken, or the zero Time if it has none. A subscriber that has
	// aborted and will never tick again returns a deadline far enough
	// in the future to never fire (InfiniteDeadline).
	GetTickDeadline() time.Time
	// Tick is called when the deadline passes.
	Tick()
}

// InfiniteDeadline is returned by Ticker.GetTickDeadline to mean "never".
var InfiniteDeadline = time.Unix(1<<62, 0)

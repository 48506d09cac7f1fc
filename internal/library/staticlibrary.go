package library

import (
	"fmt"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/engine"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/vfs"
)

// torrentRecord is one torrent known to a StaticLibrary.
type torrentRecord struct {
	networks []string
	files    []FileEntry
	trackers []string
	metainfo []byte
}

// StaticLibrary is a Library whose manifest is fixed at construction
// time: every torrent it knows about, and the trackers/metainfo needed
// to add it to the engine, is supplied up front. This is the library
// implementation a standalone deployment (or a test) uses when it has
// no dynamic indexer behind it — a YAML- or JSON-loaded manifest is the
// natural config source, but StaticLibrary itself is agnostic to how
// its manifest was produced.
type StaticLibrary struct {
	key      string
	torrents map[string]*torrentRecord
}

// NewStaticLibrary creates an empty StaticLibrary identified by key.
func NewStaticLibrary(key string) *StaticLibrary {
	return &StaticLibrary{key: key, torrents: make(map[string]*torrentRecord)}
}

// AddTorrent registers infoHash under network with the given files and
// the tracker list / raw metainfo used to configure the engine's
// add-torrent parameters on first request.
func (l *StaticLibrary) AddTorrent(infoHash, network string, files []FileEntry, trackers []string, metainfo []byte) {
	rec, ok := l.torrents[infoHash]
	if !ok {
		rec = &torrentRecord{files: files, trackers: trackers, metainfo: metainfo}
		l.torrents[infoHash] = rec
	}
	for _, n := range rec.networks {
		if n == network {
			return
		}
	}
	rec.networks = append(rec.networks, network)
}

func (l *StaticLibrary) Key() string { return l.key }

// BrowseNodes returns no curated nodes by default; a StaticLibrary
// intended to populate /browse should be wrapped or extended by the
// caller with its own symlinks into /v1, since the curated set is a
// matter of policy this generic manifest type has no opinion on.
func (l *StaticLibrary) BrowseNodes(parent vfs.Dir) map[string]vfs.Node {
	return nil
}

func (l *StaticLibrary) Networks(infoHash string) []string {
	rec, ok := l.torrents[infoHash]
	if !ok {
		return nil
	}
	return rec.networks
}

func (l *StaticLibrary) Files(infoHash, network string) ([]FileEntry, error) {
	rec, ok := l.torrents[infoHash]
	if !ok {
		return nil, fmt.Errorf("library: unknown torrent %s", infoHash)
	}
	return rec.files, nil
}

func (l *StaticLibrary) ConfigureATP(infoHash string) (engine.ConfigureATP, error) {
	rec, ok := l.torrents[infoHash]
	if !ok {
		return nil, fmt.Errorf("library: unknown torrent %s", infoHash)
	}
	trackers := rec.trackers
	metainfo := rec.metainfo
	return func(atp *engine.ATP) error {
		atp.InfoHash = infoHash
		atp.Trackers = trackers
		atp.Metainfo = metainfo
		return nil
	}, nil
}

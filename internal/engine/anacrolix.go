package engine

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	anatorrent "github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	atypes "github.com/anacrolix/torrent/types"
)

// AnacrolixEngine adapts github.com/anacrolix/torrent to the Engine
// interface. anacrolix/torrent has no built-in alert queue the way
// libtorrent does, so this is the one piece of synthesis glue the
// opaque-engine design calls for (§4.6): a poller goroutine per torrent
// translates GotInfo()/piece-state changes into the Alert vocabulary
// the rest of this module consumes, and SaveResumeData fabricates a
// bencoded resume blob since anacrolix has no native equivalent of
// libtorrent's write_resume_data.
type AnacrolixEngine struct {
	client *anatorrent.Client

	mu      sync.Mutex
	handles map[string]*anacrolixHandle
	alerts  chan Alert
	closed  bool
}

// NewAnacrolixEngine wraps an already-configured *torrent.Client.
// Building the client (data dir, rate limiters, NoUpload/Seed, conn
// limits) is the caller's responsibility, mirroring
// backend/torrent.NewFs's use of torrent.NewDefaultClientConfig.
func NewAnacrolixEngine(client *anatorrent.Client) *AnacrolixEngine {
	return &AnacrolixEngine{
		client:  client,
		handles: make(map[string]*anacrolixHandle),
		alerts:  make(chan Alert, 256),
	}
}

func (e *AnacrolixEngine) Alerts() <-chan Alert { return e.alerts }

func (e *AnacrolixEngine) emit(a Alert) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	select {
	case e.alerts <- a:
	default:
		// Slow consumer: drop rather than block the synthesizing
		// goroutine indefinitely. The alert driver is meant to be a
		// fast, non-blocking dispatcher per §4.6; a full channel means
		// it has fallen behind and alerts are already stale.
	}
}

func (e *AnacrolixEngine) AddTorrent(ctx context.Context, atp ATP) (Handle, error) {
	var t *anatorrent.Torrent
	var err error
	switch {
	case atp.MagnetURI != "":
		t, err = e.client.AddMagnet(atp.MagnetURI)
	case len(atp.Metainfo) > 0:
		mi, merr := metainfo.Load(bytes.NewReader(atp.Metainfo))
		if merr != nil {
			return nil, fmt.Errorf("engine: decode metainfo: %w", merr)
		}
		t, _, err = e.client.AddTorrent(mi)
	default:
		ih, herr := hashFromHex(atp.InfoHash)
		if herr != nil {
			return nil, herr
		}
		var ok bool
		t, ok = e.client.AddTorrentInfoHash(ih)
		if !ok {
			err = fmt.Errorf("engine: torrent %s already tracked", atp.InfoHash)
		}
	}
	if err != nil {
		e.emit(NewAddTorrentAlert(atp.InfoHash, nil, err))
		return nil, err
	}

	if len(atp.Trackers) > 0 {
		t.AddTrackers([][]string{atp.Trackers})
	}

	h := &anacrolixHandle{infoHash: atp.InfoHash, t: t, engine: e}

	e.mu.Lock()
	e.handles[atp.InfoHash] = h
	e.mu.Unlock()

	go h.watch(ctx)

	return h, nil
}

func (e *AnacrolixEngine) RemoveTorrent(infoHash string) error {
	e.mu.Lock()
	h, ok := e.handles[infoHash]
	delete(e.handles, infoHash)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("engine: unknown torrent %s", infoHash)
	}
	h.t.Drop()
	e.emit(NewTorrentRemovedAlert(infoHash))
	return nil
}

func (e *AnacrolixEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()
	e.client.Close()
	close(e.alerts)
	return nil
}

func hashFromHex(s string) (metainfo.Hash, error) {
	var h metainfo.Hash
	if len(s) != 40 {
		return h, fmt.Errorf("engine: info hash %q is not 40 hex characters", s)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("engine: info hash %q is not valid hex", s)
	}
	copy(h[:], decoded)
	return h, nil
}

type anacrolixHandle struct {
	infoHash string
	t        *anatorrent.Torrent
	engine   *AnacrolixEngine

	mu            sync.Mutex
	lastCompleted []bool
}

func (h *anacrolixHandle) InfoHash() string { return h.infoHash }

func (h *anacrolixHandle) SetPiecePriority(i int, p PiecePriority) {
	if i < 0 || i >= h.t.NumPieces() {
		return
	}
	h.t.Piece(i).SetPriority(toAnacrolixPriority(p))
}

func (h *anacrolixHandle) PieceComplete(i int) bool {
	if i < 0 || i >= h.t.NumPieces() {
		return false
	}
	return h.t.Piece(i).State().Complete
}

func (h *anacrolixHandle) NumPieces() int {
	select {
	case <-h.t.GotInfo():
		return h.t.NumPieces()
	default:
		return 0
	}
}

func (h *anacrolixHandle) PieceLength() int64 {
	select {
	case <-h.t.GotInfo():
		return h.t.Info().PieceLength
	default:
		return 0
	}
}

func (h *anacrolixHandle) Length() int64 {
	select {
	case <-h.t.GotInfo():
		return h.t.Length()
	default:
		return 0
	}
}

// resumeBlob is what this adapter writes as a torrent's "resume data":
// enough to re-add the torrent without re-announcing from scratch and
// to know which pieces were already verified. anacrolix/torrent has no
// native resume-data concept (it always rehashes from on-disk state at
// AddTorrent time), so this is a deliberate, documented substitute.
type resumeBlob struct {
	InfoHash  string `bencode:"info_hash"`
	Metainfo  []byte `bencode:"metainfo,omitempty"`
	Completed []bool `bencode:"completed"`
}

func (h *anacrolixHandle) SaveResumeData(onlyIfModified, flushDiskCache bool) error {
	select {
	case <-h.t.GotInfo():
	default:
		return fmt.Errorf("engine: %s: metadata not yet available", h.infoHash)
	}

	n := h.t.NumPieces()
	completed := make([]bool, n)
	for i := 0; i < n; i++ {
		completed[i] = h.t.Piece(i).State().Complete
	}

	h.mu.Lock()
	unchanged := onlyIfModified && boolsEqual(h.lastCompleted, completed)
	h.mu.Unlock()
	if unchanged {
		h.engine.emit(NewSaveResumeDataFailedAlert(h.infoHash, fmt.Errorf("engine: %s: resume data not modified", h.infoHash)))
		return nil
	}

	var miBytes []byte
	mi := h.t.Metainfo()
	var buf bytes.Buffer
	if err := bencode.NewEncoder(&buf).Encode(mi); err == nil {
		miBytes = buf.Bytes()
	}

	blob := resumeBlob{InfoHash: h.infoHash, Metainfo: miBytes, Completed: completed}

	go func() {
		data, err := bencode.Marshal(blob)
		if err != nil {
			h.engine.emit(NewSaveResumeDataFailedAlert(h.infoHash, err))
			return
		}
		h.mu.Lock()
		h.lastCompleted = completed
		h.mu.Unlock()
		h.engine.emit(NewSaveResumeDataAlert(h.infoHash, data))
	}()
	return nil
}

// ATPFromResumeData decodes a resume blob produced by SaveResumeData
// back into an ATP suitable for AddTorrent. The blob's Completed field
// is not consulted: anacrolix/torrent always rehashes from on-disk
// state at AddTorrent time.
func ATPFromResumeData(data []byte) (ATP, error) {
	var blob resumeBlob
	if err := bencode.Unmarshal(data, &blob); err != nil {
		return ATP{}, fmt.Errorf("engine: decode resume data: %w", err)
	}
	return ATP{InfoHash: blob.InfoHash, Metainfo: blob.Metainfo}, nil
}

// ReadPiece reads a completed piece's bytes via a fresh torrent.Reader
// seeked to the piece's byte offset, since anacrolix/torrent exposes
// piece data only through its whole-torrent Reader rather than a
// per-piece accessor.
func (h *anacrolixHandle) ReadPiece(i int) ([]byte, error) {
	select {
	case <-h.t.GotInfo():
	default:
		return nil, fmt.Errorf("engine: %s: metadata not yet available", h.infoHash)
	}
	if i < 0 || i >= h.t.NumPieces() {
		return nil, fmt.Errorf("engine: %s: piece %d out of range", h.infoHash, i)
	}
	if !h.t.Piece(i).State().Complete {
		return nil, fmt.Errorf("engine: %s: piece %d not complete", h.infoHash, i)
	}

	info := h.t.Info()
	length := info.PieceLength
	if rem := h.t.Length() - int64(i)*info.PieceLength; rem < length {
		length = rem
	}

	r := h.t.NewReader()
	defer r.Close()
	if _, err := r.Seek(int64(i)*info.PieceLength, io.SeekStart); err != nil {
		return nil, fmt.Errorf("engine: %s: seek piece %d: %w", h.infoHash, i, err)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("engine: %s: read piece %d: %w", h.infoHash, i, err)
	}
	return buf, nil
}

// watch polls GotInfo and per-piece completion, synthesizing
// AddTorrentAlert, PieceCompleteAlert and TorrentFinishedAlert — the
// translation layer anacrolix/torrent's callback-free API requires.
func (h *anacrolixHandle) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-h.t.GotInfo():
	}
	h.engine.emit(NewAddTorrentAlert(h.infoHash, h, nil))

	n := h.t.NumPieces()
	seen := make([]bool, n)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		allComplete := true
		for i := 0; i < n; i++ {
			c := h.t.Piece(i).State().Complete
			if c && !seen[i] {
				seen[i] = true
				h.engine.emit(NewPieceCompleteAlert(h.infoHash, i))
			}
			allComplete = allComplete && c
		}
		if n > 0 && allComplete {
			h.engine.emit(NewTorrentFinishedAlert(h.infoHash))
			return
		}
	}
}

func boolsEqual(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func toAnacrolixPriority(p PiecePriority) atypes.PiecePriority {
	switch p {
	case PriorityNow:
		return atypes.PiecePriorityNow
	case PriorityReadahead:
		return atypes.PiecePriorityReadahead
	case PriorityNormal:
		return atypes.PiecePriorityNormal
	default:
		return atypes.PiecePriorityNone
	}
}

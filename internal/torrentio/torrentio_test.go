package torrentio

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/accounting"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/engine"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/request"
)

const testHash = "cccccccccccccccccccccccccccccccccccccccc"

type fakeHandle struct {
	infoHash    string
	content     []byte
	pieceLength int64

	mu        sync.Mutex
	completed map[int]bool
	priority  map[int]engine.PiecePriority
}

func newFakeHandle(infoHash string, content []byte, pieceLength int64) *fakeHandle {
	return &fakeHandle{
		infoHash:    infoHash,
		content:     content,
		pieceLength: pieceLength,
		completed:   make(map[int]bool),
		priority:    make(map[int]engine.PiecePriority),
	}
}

func (h *fakeHandle) InfoHash() string { return h.infoHash }
func (h *fakeHandle) SetPiecePriority(i int, p engine.PiecePriority) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.priority[i] = p
}
func (h *fakeHandle) PieceComplete(i int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed[i]
}
func (h *fakeHandle) NumPieces() int {
	n := int(int64(len(h.content)) / h.pieceLength)
	if int64(len(h.content))%h.pieceLength != 0 {
		n++
	}
	return n
}
func (h *fakeHandle) PieceLength() int64 { return h.pieceLength }
func (h *fakeHandle) Length() int64      { return int64(len(h.content)) }
func (h *fakeHandle) SaveResumeData(onlyIfModified, flushDiskCache bool) error { return nil }
func (h *fakeHandle) ReadPiece(i int) ([]byte, error) {
	h.mu.Lock()
	complete := h.completed[i]
	h.mu.Unlock()
	if !complete {
		return nil, errors.New("piece not complete")
	}
	start := int64(i) * h.pieceLength
	end := start + h.pieceLength
	if end > int64(len(h.content)) {
		end = int64(len(h.content))
	}
	return h.content[start:end], nil
}

func (h *fakeHandle) complete(i int) {
	h.mu.Lock()
	h.completed[i] = true
	h.mu.Unlock()
}

type fakeEngine struct {
	mu      sync.Mutex
	handles map[string]*fakeHandle
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{handles: make(map[string]*fakeHandle)}
}

func (e *fakeEngine) AddTorrent(ctx context.Context, atp engine.ATP) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[atp.InfoHash]
	if !ok {
		return nil, errors.New("fakeEngine: unknown torrent in test setup")
	}
	return h, nil
}
func (e *fakeEngine) RemoveTorrent(infoHash string) error { return nil }
func (e *fakeEngine) Alerts() <-chan engine.Alert         { return nil }
func (e *fakeEngine) Close() error                        { return nil }

// completeAllAndNotify marks every piece complete and drives the
// matching alerts through svc, so any blocked WaitPiece callers wake.
func completeAllAndNotify(svc *request.Service, h *fakeHandle) {
	for i := 0; i < h.NumPieces(); i++ {
		h.complete(i)
		svc.HandleAlert(engine.NewPieceCompleteAlert(h.infoHash, i))
	}
}

func TestReadSequentialAcrossPieces(t *testing.T) {
	content := make([]byte, 100)
	for i := range content {
		content[i] = byte(i)
	}
	h := newFakeHandle(testHash, content, 16)
	eng := newFakeEngine()
	eng.handles[testHash] = h
	svc := request.New(eng, time.Hour)
	cache := NewPieceCache(16)

	var stream *TorrentIO
	var openErr error
	done := make(chan struct{})
	go func() {
		stream, openErr = Open(context.Background(), svc, testHash, 0, 100, nil, cache)
		close(done)
	}()

	// Open blocks in WaitHandle until the add-torrent alert arrives.
	waitForState(t, svc, testHash, request.StateAdding)
	svc.HandleAlert(engine.NewAddTorrentAlert(testHash, h, nil))
	<-done
	require.NoError(t, openErr)
	defer stream.Close()

	completeAllAndNotify(svc, h)

	got, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSeekWithinWindow(t *testing.T) {
	content := make([]byte, 64)
	for i := range content {
		content[i] = byte(i)
	}
	h := newFakeHandle(testHash, content, 16)
	eng := newFakeEngine()
	eng.handles[testHash] = h
	svc := request.New(eng, time.Hour)
	cache := NewPieceCache(16)

	done := make(chan struct{})
	var stream *TorrentIO
	var openErr error
	go func() {
		stream, openErr = Open(context.Background(), svc, testHash, 0, 64, nil, cache)
		close(done)
	}()
	waitForState(t, svc, testHash, request.StateAdding)
	svc.HandleAlert(engine.NewAddTorrentAlert(testHash, h, nil))
	<-done
	require.NoError(t, openErr)
	defer stream.Close()

	completeAllAndNotify(svc, h)

	pos, err := stream.Seek(48, io.SeekStart)
	require.NoError(t, err)
	assert.EqualValues(t, 48, pos)

	buf := make([]byte, 16)
	n, err := stream.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, content[48:64], buf)

	// End of window: a further read returns 0 bytes and EOF.
	n, err = stream.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadBlocksUntilPieceComplete(t *testing.T) {
	content := make([]byte, 32)
	h := newFakeHandle(testHash, content, 16)
	eng := newFakeEngine()
	eng.handles[testHash] = h
	svc := request.New(eng, time.Hour)
	cache := NewPieceCache(16)

	done := make(chan struct{})
	var stream *TorrentIO
	var openErr error
	go func() {
		stream, openErr = Open(context.Background(), svc, testHash, 0, 32, nil, cache)
		close(done)
	}()
	waitForState(t, svc, testHash, request.StateAdding)
	svc.HandleAlert(engine.NewAddTorrentAlert(testHash, h, nil))
	<-done
	require.NoError(t, openErr)
	defer stream.Close()

	readDone := make(chan error, 1)
	buf := make([]byte, 16)
	go func() {
		_, err := stream.Read(buf)
		readDone <- err
	}()

	select {
	case <-readDone:
		t.Fatal("read returned before piece was complete")
	case <-time.After(20 * time.Millisecond):
	}

	h.complete(0)
	svc.HandleAlert(engine.NewPieceCompleteAlert(testHash, 0))

	select {
	case err := <-readDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("read did not wake up after piece completion")
	}
}

func TestCloseRecordsAccountingWithTrackerFromConfigureATP(t *testing.T) {
	content := make([]byte, 16)
	h := newFakeHandle(testHash, content, 16)
	eng := newFakeEngine()
	eng.handles[testHash] = h
	svc := request.New(eng, time.Hour)
	cache := NewPieceCache(16)

	store, err := accounting.Open(filepath.Join(t.TempDir(), "acct.db"))
	require.NoError(t, err)
	defer store.Close()

	configureATP := func(atp *engine.ATP) error {
		atp.Trackers = []string{"udp://tracker.example:80/announce"}
		return nil
	}

	done := make(chan struct{})
	var stream *TorrentIO
	var openErr error
	go func() {
		stream, openErr = Open(context.Background(), svc, testHash, 0, 16, configureATP, cache,
			WithAccounting(store, "alice", 1))
		close(done)
	}()
	waitForState(t, svc, testHash, request.StateAdding)
	svc.HandleAlert(engine.NewAddTorrentAlert(testHash, h, nil))
	<-done
	require.NoError(t, openErr)

	completeAllAndNotify(svc, h)
	_, err = io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())

	key := accounting.AcctKey{User: "alice", Tracker: "udp://tracker.example:80/announce", InfoHash: testHash, Generation: 1}
	acct, err := store.GetAcct(key)
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.EqualValues(t, 16, acct.NumBytes)
}

func waitForState(t *testing.T, svc *request.Service, infoHash string, want request.State) {
	t.Helper()
	assert.Eventually(t, func() bool { return svc.State(infoHash) == want }, time.Second, 2*time.Millisecond)
}

package request

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/engine"
)

type fakeHandle struct {
	infoHash  string
	mu        sync.Mutex
	priority  map[int]engine.PiecePriority
	completed map[int]bool
}

func newFakeHandle(infoHash string) *fakeHandle {
	return &fakeHandle{infoHash: infoHash, priority: make(map[int]engine.PiecePriority), completed: make(map[int]bool)}
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
func (h *fakeHandle) NumPieces() int                                    { return 100 }
func (h *fakeHandle) PieceLength() int64                                { return 16384 }
func (h *fakeHandle) Length() int64                                     { return 100 * 16384 }
func (h *fakeHandle) SaveResumeData(onlyIfModified, flushDiskCache bool) error { return nil }
func (h *fakeHandle) ReadPiece(i int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.completed[i] {
		return nil, errors.New("piece not complete")
	}
	return make([]byte, 16384), nil
}

func (h *fakeHandle) complete(i int) {
	h.mu.Lock()
	h.completed[i] = true
	h.mu.Unlock()
}

type fakeEngine struct {
	mu          sync.Mutex
	addCalls    []string
	removeCalls []string
	addErr      error
	handles     map[string]*fakeHandle
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{handles: make(map[string]*fakeHandle)}
}

func (e *fakeEngine) AddTorrent(ctx context.Context, atp engine.ATP) (engine.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addCalls = append(e.addCalls, atp.InfoHash)
	if e.addErr != nil {
		return nil, e.addErr
	}
	h := newFakeHandle(atp.InfoHash)
	e.handles[atp.InfoHash] = h
	return h, nil
}

func (e *fakeEngine) RemoveTorrent(infoHash string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removeCalls = append(e.removeCalls, infoHash)
	return nil
}

func (e *fakeEngine) Alerts() <-chan engine.Alert { return nil }
func (e *fakeEngine) Close() error                { return nil }

func (e *fakeEngine) removeCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.removeCalls)
}

const ih = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"

func TestRequestAddsTorrentOnFirstInterest(t *testing.T) {
	eng := newFakeEngine()
	svc := New(eng, time.Hour)

	_, err := svc.Request(context.Background(), ih, 0, 1, engine.PriorityNormal, nil)
	require.NoError(t, err)
	assert.Equal(t, StateAdding, svc.State(ih))
	assert.Equal(t, []string{ih}, eng.addCalls)

	svc.HandleAlert(engine.NewAddTorrentAlert(ih, eng.handles[ih], nil))
	assert.Equal(t, StateActive, svc.State(ih))
}

func TestSecondRequestDoesNotReAdd(t *testing.T) {
	eng := newFakeEngine()
	svc := New(eng, time.Hour)

	_, err := svc.Request(context.Background(), ih, 0, 1, engine.PriorityNormal, nil)
	require.NoError(t, err)
	svc.HandleAlert(engine.NewAddTorrentAlert(ih, eng.handles[ih], nil))

	_, err = svc.Request(context.Background(), ih, 2, 3, engine.PriorityNormal, nil)
	require.NoError(t, err)
	assert.Len(t, eng.addCalls, 1)
}

func TestReleaseAfterGraceRemovesTorrent(t *testing.T) {
	eng := newFakeEngine()
	svc := New(eng, 20*time.Millisecond)

	id, err := svc.Request(context.Background(), ih, 0, 1, engine.PriorityNormal, nil)
	require.NoError(t, err)
	svc.HandleAlert(engine.NewAddTorrentAlert(ih, eng.handles[ih], nil))

	svc.Release(ih, id)
	assert.Eventually(t, func() bool { return eng.removeCallCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRemoving, svc.State(ih))

	svc.HandleAlert(engine.NewTorrentRemovedAlert(ih))
	assert.Equal(t, StateAbsent, svc.State(ih))
}

func TestNewRequestDuringRemovingCancelsRemoval(t *testing.T) {
	eng := newFakeEngine()
	svc := New(eng, 20*time.Millisecond)

	id, err := svc.Request(context.Background(), ih, 0, 1, engine.PriorityNormal, nil)
	require.NoError(t, err)
	svc.HandleAlert(engine.NewAddTorrentAlert(ih, eng.handles[ih], nil))
	svc.Release(ih, id)

	assert.Eventually(t, func() bool { return svc.State(ih) == StateRemoving }, time.Second, 5*time.Millisecond)

	_, err = svc.Request(context.Background(), ih, 5, 6, engine.PriorityNormal, nil)
	require.NoError(t, err)
	assert.Equal(t, StateActive, svc.State(ih))
}

func TestWaitPieceWokenByPieceComplete(t *testing.T) {
	eng := newFakeEngine()
	svc := New(eng, time.Hour)

	_, err := svc.Request(context.Background(), ih, 0, 5, engine.PriorityNow, nil)
	require.NoError(t, err)
	h := eng.handles[ih]
	svc.HandleAlert(engine.NewAddTorrentAlert(ih, h, nil))

	done := make(chan error, 1)
	go func() {
		done <- svc.WaitPiece(context.Background(), ih, 3)
	}()

	time.Sleep(10 * time.Millisecond)
	h.complete(3)
	svc.HandleAlert(engine.NewPieceCompleteAlert(ih, 3))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitPiece did not wake up")
	}
}

func TestAddFailureReturnsErrorAndResetsToAbsent(t *testing.T) {
	eng := newFakeEngine()
	eng.addErr = errors.New("boom")
	svc := New(eng, time.Hour)

	_, err := svc.Request(context.Background(), ih, 0, 1, engine.PriorityNormal, nil)
	assert.Error(t, err)
	assert.Equal(t, StateAbsent, svc.State(ih))
}

func TestPiecePrioritiesPushedToHandle(t *testing.T) {
	eng := newFakeEngine()
	svc := New(eng, time.Hour)

	_, err := svc.Request(context.Background(), ih, 2, 4, engine.PriorityReadahead, nil)
	require.NoError(t, err)
	h := eng.handles[ih]
	svc.HandleAlert(engine.NewAddTorrentAlert(ih, h, nil))
	svc.recomputePriorities(ih)

	for p := 2; p <= 4; p++ {
		assert.Equal(t, engine.PriorityReadahead, h.priority[p])
	}
}

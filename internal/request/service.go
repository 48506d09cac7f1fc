// Package request implements the per-torrent reference-counted piece
// request state machine described in spec.md §4.4: it adds a torrent to
// the engine on first interest, tracks piece priorities as interests
// come and go, and wakes waiting TorrentIO streams on piece completion.
package request

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/engine"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/tvlog"
)

// State is a torrent's position in the per-torrent state machine.
type State int

const (
	StateAbsent State = iota
	StateAdding
	StateActive
	StateRemoving
)

func (s State) String() string {
	switch s {
	case StateAdding:
		return "adding"
	case StateActive:
		return "active"
	case StateRemoving:
		return "removing"
	default:
		return "absent"
	}
}

// DefaultGracePeriod is how long a torrent with zero interest lingers
// in the engine before this service asks for its removal.
const DefaultGracePeriod = 30 * time.Second

type interest struct {
	first, last int
	priority    engine.PiecePriority
}

type entry struct {
	state         State
	handle        engine.Handle
	interests     map[uint64]interest
	pieceRefs     map[int]int
	waiters       map[int][]chan error
	handleWaiters []chan error
	removeAt      *time.Timer
	nextID        uint64
}

// Service is the Request service.
type Service struct {
	eng   engine.Engine
	grace time.Duration

	mu       sync.Mutex
	torrents map[string]*entry

	onAdded func(infoHash string) // test/accounting hook, see SetAddedHook
}

// New creates a Service driving eng, removing idle torrents after
// grace (DefaultGracePeriod if zero).
func New(eng engine.Engine, grace time.Duration) *Service {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return &Service{eng: eng, grace: grace, torrents: make(map[string]*entry)}
}

// AlertMask is the set of alert kinds this service must receive.
func (s *Service) AlertMask() engine.AlertMask {
	return engine.MaskOf(engine.AlertAddTorrent, engine.AlertTorrentRemoved, engine.AlertPieceComplete)
}

// SetAddedHook registers a callback invoked whenever a torrent
// transitions Absent -> Adding, used by internal/accounting to bump the
// generation counter on (re)add.
func (s *Service) SetAddedHook(f func(infoHash string)) {
	s.mu.Lock()
	s.onAdded = f
	s.mu.Unlock()
}

// Request registers interest in pieces [first, last] (inclusive) of
// infoHash at priority, adding the torrent to the engine if this is the
// first interest. It returns an id to later pass to Release.
func (s *Service) Request(ctx context.Context, infoHash string, first, last int, priority engine.PiecePriority, configureATP engine.ConfigureATP) (uint64, error) {
	s.mu.Lock()
	e, ok := s.torrents[infoHash]
	if !ok {
		e = &entry{interests: make(map[uint64]interest), pieceRefs: make(map[int]int), waiters: make(map[int][]chan error)}
		s.torrents[infoHash] = e
	}

	if e.removeAt != nil {
		e.removeAt.Stop()
		e.removeAt = nil
	}
	if e.state == StateRemoving {
		e.state = StateActive
	}

	startAdd := e.state == StateAbsent
	if startAdd {
		e.state = StateAdding
	}
	id := e.nextID
	e.nextID++
	e.interests[id] = interest{first: first, last: last, priority: priority}
	hook := s.onAdded
	s.mu.Unlock()

	if startAdd {
		if hook != nil {
			hook(infoHash)
		}
		atp := engine.ATP{InfoHash: infoHash}
		if configureATP != nil {
			if err := configureATP(&atp); err != nil {
				s.failAdd(infoHash, err)
				return 0, err
			}
		}
		handle, err := s.eng.AddTorrent(ctx, atp)
		if err != nil {
			s.failAdd(infoHash, err)
			return 0, err
		}
		s.mu.Lock()
		if e2, ok := s.torrents[infoHash]; ok && e2.state == StateAdding {
			e2.handle = handle
		}
		s.mu.Unlock()
	}

	s.recomputePriorities(infoHash)
	return id, nil
}

func (s *Service) failAdd(infoHash string, err error) {
	s.mu.Lock()
	e, ok := s.torrents[infoHash]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.torrents, infoHash)
	var waiters []chan error
	for _, ws := range e.waiters {
		waiters = append(waiters, ws...)
	}
	handleWaiters := e.handleWaiters
	s.mu.Unlock()

	wrapped := fmt.Errorf("request: add torrent %s: %w", infoHash, err)
	for _, w := range waiters {
		w <- wrapped
		close(w)
	}
	for _, w := range handleWaiters {
		w <- wrapped
		close(w)
	}
}

// Release removes the interest registered under id. Once a torrent's
// last interest is released, a grace timer starts; if no new interest
// arrives before it fires, the torrent is removed from the engine.
func (s *Service) Release(infoHash string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.torrents[infoHash]
	if !ok {
		return
	}
	delete(e.interests, id)
	if len(e.interests) == 0 && e.state == StateActive {
		e.removeAt = time.AfterFunc(s.grace, func() { s.expireGrace(infoHash) })
	}
	s.recomputePrioritiesLocked(infoHash, e)
}

func (s *Service) expireGrace(infoHash string) {
	s.mu.Lock()
	e, ok := s.torrents[infoHash]
	if !ok || len(e.interests) != 0 || e.state != StateActive {
		s.mu.Unlock()
		return
	}
	e.state = StateRemoving
	handle := e.handle
	s.mu.Unlock()

	if handle != nil {
		if err := s.eng.RemoveTorrent(infoHash); err != nil {
			tvlog.Errorf(infoHash, "request: remove torrent: %v", err)
		}
	}
}

// recomputePriorities pushes to the engine handle, for every piece any
// interest covers, the highest priority among the interests covering
// it, and PriorityNone for pieces no interest covers any more.
func (s *Service) recomputePriorities(infoHash string) {
	s.mu.Lock()
	e, ok := s.torrents[infoHash]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.recomputePrioritiesLocked(infoHash, e)
	s.mu.Unlock()
}

func (s *Service) recomputePrioritiesLocked(infoHash string, e *entry) {
	piecePriority := make(map[int]engine.PiecePriority)
	for _, in := range e.interests {
		for p := in.first; p <= in.last; p++ {
			if cur, ok := piecePriority[p]; !ok || in.priority > cur {
				piecePriority[p] = in.priority
			}
		}
	}
	for p := range e.pieceRefs {
		if _, ok := piecePriority[p]; !ok {
			piecePriority[p] = engine.PriorityNone
		}
	}
	e.pieceRefs = make(map[int]int, len(piecePriority))
	for p := range piecePriority {
		e.pieceRefs[p] = 1
	}
	if e.handle == nil {
		return
	}
	for p, pr := range piecePriority {
		e.handle.SetPiecePriority(p, pr)
	}
}

// WaitHandle blocks until infoHash's engine handle is ready (the
// torrent has reached StateActive and its metadata is available), the
// add fails, or ctx is cancelled. TorrentIO uses this to learn piece
// boundaries before it can translate a byte window into piece indices.
func (s *Service) WaitHandle(ctx context.Context, infoHash string) (engine.Handle, error) {
	s.mu.Lock()
	e, ok := s.torrents[infoHash]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("request: %s: no active interest", infoHash)
	}
	if e.handle != nil && e.state == StateActive {
		h := e.handle
		s.mu.Unlock()
		return h, nil
	}
	ch := make(chan error, 1)
	e.handleWaiters = append(e.handleWaiters, ch)
	s.mu.Unlock()

	select {
	case err := <-ch:
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		e, ok := s.torrents[infoHash]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("request: %s: torrent no longer tracked", infoHash)
		}
		return e.handle, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitPiece blocks until piece is complete on infoHash, the torrent add
// fails, or ctx is cancelled.
func (s *Service) WaitPiece(ctx context.Context, infoHash string, piece int) error {
	s.mu.Lock()
	e, ok := s.torrents[infoHash]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("request: %s: no active interest", infoHash)
	}
	if e.handle != nil && e.handle.PieceComplete(piece) {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	e.waiters[piece] = append(e.waiters[piece], ch)
	s.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleAlert implements the alert-driven half of the state machine.
func (s *Service) HandleAlert(a engine.Alert) {
	switch alert := a.(type) {
	case engine.AddTorrentAlert:
		s.onAddTorrentAlert(alert)
	case engine.TorrentRemovedAlert:
		s.onTorrentRemovedAlert(alert)
	case engine.PieceCompleteAlert:
		s.onPieceComplete(alert)
	}
}

func (s *Service) onAddTorrentAlert(a engine.AddTorrentAlert) {
	s.mu.Lock()
	e, ok := s.torrents[a.InfoHash()]
	if !ok {
		if a.Err != nil {
			s.mu.Unlock()
			return
		}
		e = &entry{interests: make(map[uint64]interest), pieceRefs: make(map[int]int), waiters: make(map[int][]chan error)}
		s.torrents[a.InfoHash()] = e
	}
	if a.Err != nil {
		delete(s.torrents, a.InfoHash())
		var waiters []chan error
		for _, ws := range e.waiters {
			waiters = append(waiters, ws...)
		}
		handleWaiters := e.handleWaiters
		s.mu.Unlock()
		for _, w := range waiters {
			w <- a.Err
			close(w)
		}
		for _, w := range handleWaiters {
			w <- a.Err
			close(w)
		}
		return
	}
	e.state = StateActive
	e.handle = a.Handle
	handleWaiters := e.handleWaiters
	e.handleWaiters = nil
	s.mu.Unlock()
	for _, w := range handleWaiters {
		w <- nil
		close(w)
	}
	s.recomputePriorities(a.InfoHash())
}

func (s *Service) onTorrentRemovedAlert(a engine.TorrentRemovedAlert) {
	s.mu.Lock()
	delete(s.torrents, a.InfoHash())
	s.mu.Unlock()
}

func (s *Service) onPieceComplete(a engine.PieceCompleteAlert) {
	s.mu.Lock()
	e, ok := s.torrents[a.InfoHash()]
	if !ok {
		s.mu.Unlock()
		return
	}
	waiters := e.waiters[a.Piece]
	delete(e.waiters, a.Piece)
	s.mu.Unlock()

	for _, w := range waiters {
		w <- nil
		close(w)
	}
}

// State reports infoHash's current state, for tests and observability.
func (s *Service) State(infoHash string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.torrents[infoHash]
	if !ok {
		return StateAbsent
	}
	return e.state
}

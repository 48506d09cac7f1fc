// Package alertdriver implements the single alert-queue consumer from
// spec.md §4.6: it reads engine.Engine's alert stream and dispatches
// each alert to subscribers registered by alert kind, while also
// waking any subscriber that implements engine.Ticker no later than
// its advertised deadline, independently of alert arrival.
package alertdriver

import (
	"context"
	"sync"
	"time"

	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/engine"
	"github.com/AllSeeingEyeTolledEweSew/tvaf-ftp/internal/tvlog"
)

// Subscriber receives alerts matching the kinds set in its AlertMask.
// HandleAlert must not block: long work belongs on the subscriber's own
// executor, never on this driver's goroutine, since one slow subscriber
// would otherwise stall delivery to every other one.
type Subscriber interface {
	AlertMask() engine.AlertMask
	HandleAlert(a engine.Alert)
}

type registration struct {
	sub    Subscriber
	mask   engine.AlertMask
	ticker engine.Ticker // nil if sub does not also implement Ticker
}

// Driver is the single consumer of one engine's alert stream.
type Driver struct {
	eng engine.Engine

	mu   sync.Mutex
	subs []registration
}

// New creates a Driver over eng. Subscribe every collaborator before
// calling Run, since Run's nextDeadline/dispatch only see subscribers
// registered at the time they run (no ordering guarantee with Run
// itself if a Subscribe races a live Run).
func New(eng engine.Engine) *Driver {
	return &Driver{eng: eng}
}

// Subscribe registers sub to receive alerts matching its AlertMask. If
// sub also implements engine.Ticker, it additionally participates in
// the cooperative tick schedule.
func (d *Driver) Subscribe(sub Subscriber) {
	reg := registration{sub: sub, mask: sub.AlertMask()}
	if t, ok := sub.(engine.Ticker); ok {
		reg.ticker = t
	}
	d.mu.Lock()
	d.subs = append(d.subs, reg)
	d.mu.Unlock()
}

// Run consumes alerts until the engine's alert channel closes or ctx is
// cancelled, dispatching each to matching subscribers and waking
// Tickers whose deadline has passed. It is meant to run on its own
// goroutine, one per engine, matching the "single thread consumes the
// engine's alert queue" design.
func (d *Driver) Run(ctx context.Context) {
	for {
		deadline, hasDeadline := d.nextDeadline()
		var timer *time.Timer
		var timerC <-chan time.Time
		if hasDeadline {
			wait := time.Until(deadline)
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return
		case a, ok := <-d.eng.Alerts():
			stopTimer(timer)
			if !ok {
				return
			}
			d.dispatch(a)
		case <-timerC:
			d.tick()
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (d *Driver) snapshot() []registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := make([]registration, len(d.subs))
	copy(subs, d.subs)
	return subs
}

func (d *Driver) dispatch(a engine.Alert) {
	for _, r := range d.snapshot() {
		if r.mask.Has(a.Kind()) {
			d.safeHandle(r.sub, a)
		}
	}
}

func (d *Driver) safeHandle(sub Subscriber, a engine.Alert) {
	defer func() {
		if rec := recover(); rec != nil {
			tvlog.Errorf(a.InfoHash(), "alertdriver: subscriber panic handling %s: %v", a.Kind(), rec)
		}
	}()
	sub.HandleAlert(a)
}

func (d *Driver) tick() {
	now := time.Now()
	for _, r := range d.snapshot() {
		if r.ticker == nil {
			continue
		}
		if dl := r.ticker.GetTickDeadline(); !dl.IsZero() && !dl.After(now) {
			r.ticker.Tick()
		}
	}
}

// nextDeadline returns the earliest GetTickDeadline among registered
// Tickers that isn't zero or engine.InfiniteDeadline, and whether any
// such deadline exists.
func (d *Driver) nextDeadline() (time.Time, bool) {
	var min time.Time
	found := false
	for _, r := range d.snapshot() {
		if r.ticker == nil {
			continue
		}
		dl := r.ticker.GetTickDeadline()
		if dl.IsZero() || dl.Equal(engine.InfiniteDeadline) {
			continue
		}
		if !found || dl.Before(min) {
			min = dl
			found = true
		}
	}
	return min, found
}

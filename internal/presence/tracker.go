// Package presence tracks who is typing in which conversation, and debounces
// the local user's own typing into start/stop signals.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/clippy-oss/homie/craftworks-chat/internal/domain"
)

const (
	DefaultExpiry     = 3 * time.Second
	DefaultIdleWindow = 1 * time.Second
)

// Timer is the part of *time.Timer the package uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ChangeFunc receives the typing set of a conversation after it changed.
type ChangeFunc func(chatID string, active []domain.TypingSignal)

type entry struct {
	sig   domain.TypingSignal
	timer Timer
	gen   uint64
}

// Tracker holds remote typing signals with one expiry timer per signal.
type Tracker struct {
	expiry    time.Duration
	afterFunc AfterFunc
	now       func() time.Time

	mu      sync.Mutex
	signals map[string]map[string]*entry
	gen     uint64
	subs    map[uint64]ChangeFunc
	nextSub uint64
	closed  bool
}

type TrackerOption func(*Tracker)

func WithClock(now func() time.Time, after AfterFunc) TrackerOption {
	return func(t *Tracker) {
		t.now = now
		t.afterFunc = after
	}
}

func NewTracker(expiry time.Duration, opts ...TrackerOption) *Tracker {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	t := &Tracker{
		expiry:    expiry,
		afterFunc: realAfterFunc,
		now:       time.Now,
		signals:   make(map[string]map[string]*entry),
		subs:      make(map[uint64]ChangeFunc),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record upserts sig with a fresh expiry.
func (t *Tracker) Record(sig domain.TypingSignal) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	byUser, ok := t.signals[sig.ChatID]
	if !ok {
		byUser = make(map[string]*entry)
		t.signals[sig.ChatID] = byUser
	}
	e, existed := byUser[sig.UserID]
	if existed {
		e.timer.Stop()
	} else {
		e = &entry{}
		byUser[sig.UserID] = e
	}
	t.gen++
	gen := t.gen
	sig.ExpiresAt = t.now().Add(t.expiry)
	e.sig = sig
	e.gen = gen
	chatID, userID := sig.ChatID, sig.UserID
	e.timer = t.afterFunc(t.expiry, func() { t.expire(chatID, userID, gen) })
	active := t.activeLocked(sig.ChatID)
	subs := t.subscribersLocked()
	t.mu.Unlock()

	if !existed {
		notify(subs, chatID, active)
	}
}

// Clear removes a signal immediately and cancels its timer.
func (t *Tracker) Clear(chatID, userID string) {
	t.mu.Lock()
	e, ok := t.signals[chatID][userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	e.timer.Stop()
	t.removeLocked(chatID, userID)
	active := t.activeLocked(chatID)
	subs := t.subscribersLocked()
	t.mu.Unlock()

	notify(subs, chatID, active)
}

// ClearChat drops every signal of a conversation without notifying.
func (t *Tracker) ClearChat(chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.signals[chatID] {
		e.timer.Stop()
	}
	delete(t.signals, chatID)
}

func (t *Tracker) expire(chatID, userID string, gen uint64) {
	t.mu.Lock()
	e, ok := t.signals[chatID][userID]
	// A refresh between the timer firing and taking the lock wins.
	if !ok || e.gen != gen || t.closed {
		t.mu.Unlock()
		return
	}
	t.removeLocked(chatID, userID)
	active := t.activeLocked(chatID)
	subs := t.subscribersLocked()
	t.mu.Unlock()

	notify(subs, chatID, active)
}

func (t *Tracker) removeLocked(chatID, userID string) {
	delete(t.signals[chatID], userID)
	if len(t.signals[chatID]) == 0 {
		delete(t.signals, chatID)
	}
}

// Active returns the typing users of chatID ordered by user id.
func (t *Tracker) Active(chatID string) []domain.TypingSignal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked(chatID)
}

// Count returns the number of live signals across all conversations.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, byUser := range t.signals {
		n += len(byUser)
	}
	return n
}

func (t *Tracker) activeLocked(chatID string) []domain.TypingSignal {
	byUser := t.signals[chatID]
	out := make([]domain.TypingSignal, 0, len(byUser))
	for _, e := range byUser {
		out = append(out, e.sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OnChange subscribes fn and returns a function removing it.
func (t *Tracker) OnChange(fn ChangeFunc) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextSub++
	id := t.nextSub
	t.subs[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subs, id)
	}
}

func (t *Tracker) subscribersLocked() []ChangeFunc {
	ids := make([]uint64, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]ChangeFunc, len(ids))
	for i, id := range ids {
		out[i] = t.subs[id]
	}
	return out
}

func notify(subs []ChangeFunc, chatID string, active []domain.TypingSignal) {
	for _, fn := range subs {
		fn(chatID, active)
	}
}

// Close stops every timer. Later Record calls are ignored.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, byUser := range t.signals {
		for _, e := range byUser {
			e.timer.Stop()
		}
	}
	t.signals = make(map[string]map[string]*entry)
}

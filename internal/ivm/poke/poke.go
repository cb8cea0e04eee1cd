// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package poke implements the client-side poke handler (spec.md §4.5):
serializing server-sent change batches into the local store under
playback timing, so a fast server and a slow frame budget never cause a
client to apply changes out of arrival order.

Core Responsibility:

  - Handler: owns pokeBuffer/playbackOffset/pokeLock and the frame-driven
    playback loop that drains and applies eligible pokes.
  - Store: the local-store contract a Handler applies merged pokes to.

The playback loop runs as its own supervised goroutine via
golang.org/x/sync/errgroup, the same pattern the teacher would use for any
background worker attached to a request's lifetime — here attached to a
client connection's lifetime instead.
*/
package poke

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// frameInterval is the playback loop's tick period, per spec.md §4.5's
// "frame-driven, ~16 ms tick".
const frameInterval = 16 * time.Millisecond

// unknownOffset is playbackOffset's sentinel "not yet computed" value.
const unknownOffset = -1

// ErrUnexpectedBaseCookie is returned by [Store.Apply] when the server's
// reported previous cookie does not match local state, triggering the
// Handler's out-of-order callback.
var ErrUnexpectedBaseCookie = errors.New("poke: unexpected base cookie")

// PatchOp is one operation within a Poke's patch, JSON-patch-shaped (op,
// path, value) to match the wire format a replicated change stream
// naturally produces.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Poke is one server-sent change batch (spec.md §6's client-side view).
type Poke struct {
	// Timestamp is the server's wall-clock time when this poke was
	// produced, in epoch milliseconds. Nil means "apply immediately,
	// no playback delay" (e.g. a purely local echo of this client's own
	// mutation).
	Timestamp *int64 `json:"timestamp,omitempty"`

	BaseCookie            string           `json:"baseCookie"`
	Cookie                string           `json:"cookie"`
	LastMutationIDChanges map[string]int64 `json:"lastMutationIDChanges"`
	Patch                 []PatchOp        `json:"patch"`
}

// Body is the wire envelope a transport hands to [Handler.Receive].
type Body struct {
	RequestID string `json:"requestID"`
	Pokes     []Poke `json:"pokes"`
}

// Store is the local store a Handler applies merged pokes to. Apply must
// return ErrUnexpectedBaseCookie (wrapped or bare, checked via errors.Is)
// when baseCookie does not match the store's current cookie.
type Store interface {
	Apply(ctx context.Context, baseCookie, cookie string, patch []PatchOp) error
}

// Handler is one client connection's poke playback state.
type Handler struct {
	clientID         string
	store            Store
	bufferMS         int64
	resetThresholdMS int64
	onOutOfOrder     func(error)

	mu     sync.Mutex // pokeLock: serializes buffer access and playback application
	buffer []Poke

	playbackOffset atomic.Int64 // ms; unknownOffset until computed
	playing        atomic.Bool
	missCount      atomic.Int64 // frames where the loop ran more than one tick late

	lastMutationIDs map[string]int64

	eg     *errgroup.Group
	cancel context.CancelFunc

	// clock is overridden in tests to pin scenario timestamps exactly;
	// New sets it to nowMillis (wall-clock epoch milliseconds).
	clock func() int64
}

// New constructs a Handler for one client connection. bufferMS is the
// playback buffer window (spec.md's BUFFER_MS); resetThresholdMS is how
// far an incoming poke's timestamp may diverge from the current
// playbackOffset before it is recomputed outright rather than reused.
// onOutOfOrder is called whenever Apply reports an unexpected base
// cookie; the caller is responsible for triggering a rebase or resync.
func New(clientID string, store Store, bufferMS, resetThresholdMS int64, onOutOfOrder func(error)) *Handler {
	h := &Handler{
		clientID:         clientID,
		store:            store,
		bufferMS:         bufferMS,
		resetThresholdMS: resetThresholdMS,
		onOutOfOrder:     onOutOfOrder,
		lastMutationIDs:  make(map[string]int64),
		clock:            nowMillis,
	}
	h.playbackOffset.Store(unknownOffset)
	return h
}

// Receive appends body's pokes to the buffer, recomputing playbackOffset
// as needed, and starts the playback loop if it is idle. It returns the
// last mutation ID this handler has observed for its own clientID, for
// upstream acknowledgement.
func (h *Handler) Receive(ctx context.Context, body Body) int64 {
	h.mu.Lock()
	now := h.clock()
	for _, p := range body.Pokes {
		if p.Timestamp != nil {
			h.maybeRecomputeOffset(*p.Timestamp, now)
		}
		for clientID, mID := range p.LastMutationIDChanges {
			if mID > h.lastMutationIDs[clientID] {
				h.lastMutationIDs[clientID] = mID
			}
		}
	}
	h.buffer = append(h.buffer, body.Pokes...)
	last := h.lastMutationIDs[h.clientID]
	needsStart := !h.playing.Load()
	h.mu.Unlock()

	if needsStart {
		h.start(ctx)
	}
	return last
}

// maybeRecomputeOffset implements spec.md §4.5's offset-recompute rule.
// Caller must hold h.mu.
func (h *Handler) maybeRecomputeOffset(serverTimestamp, now int64) {
	current := h.playbackOffset.Load()
	candidate := now - serverTimestamp
	if current == unknownOffset {
		h.playbackOffset.Store(candidate)
		return
	}
	diverged := candidate - current
	if diverged < 0 {
		diverged = -diverged
	}
	if diverged > h.resetThresholdMS {
		h.playbackOffset.Store(candidate)
	}
}

// start launches the playback loop if it is not already running.
func (h *Handler) start(ctx context.Context) {
	if !h.playing.CompareAndSwap(false, true) {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	eg, loopCtx := errgroup.WithContext(loopCtx)
	h.eg = eg
	eg.Go(func() error { return h.runLoop(loopCtx) })
}

// runLoop is the frame-driven playback loop.
func (h *Handler) runLoop(ctx context.Context) error {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	deadline := nowMillis() + frameInterval.Milliseconds()

	for {
		select {
		case <-ctx.Done():
			h.playing.Store(false)
			return nil
		case <-ticker.C:
			now := nowMillis()
			if now-deadline > frameInterval.Milliseconds() {
				h.missCount.Inc()
			}
			deadline = now + frameInterval.Milliseconds()
			if h.tick(ctx, now) {
				h.playing.Store(false)
				return nil
			}
		}
	}
}

// tick drains and applies every currently-eligible poke. It returns true
// when the buffer is empty afterward, signaling the loop to go idle.
func (h *Handler) tick(ctx context.Context, now int64) (idle bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var eligible []Poke
	i := 0
	for i < len(h.buffer) && h.isEligible(h.buffer[i], now) {
		eligible = append(eligible, h.buffer[i])
		i++
	}
	h.buffer = h.buffer[i:]

	if len(eligible) > 0 {
		combined := merge(eligible)
		if err := h.store.Apply(ctx, combined.BaseCookie, combined.Cookie, combined.Patch); err != nil {
			if errors.Is(err, ErrUnexpectedBaseCookie) && h.onOutOfOrder != nil {
				h.onOutOfOrder(err)
			}
		}
	}

	return len(h.buffer) == 0
}

// isEligible implements spec.md §4.5's eligibility rule: no timestamp, a
// purely-self mutation, or past the buffer window.
func (h *Handler) isEligible(p Poke, now int64) bool {
	if p.Timestamp == nil {
		return true
	}
	if isSelfMutation(p, h.clientID) {
		return true
	}
	return *p.Timestamp+h.playbackOffset.Load()+h.bufferMS <= now
}

func isSelfMutation(p Poke, clientID string) bool {
	if len(p.LastMutationIDChanges) == 0 {
		return false
	}
	for id := range p.LastMutationIDChanges {
		if id != clientID {
			return false
		}
	}
	return true
}

// merge combines eligible pokes into a single poke per spec.md §4.5:
// union of patches in arrival order, cookie advanced to the last poke's
// cookie, lastMutationIDChanges unioned (later entries win on conflict).
func merge(pokes []Poke) Poke {
	combined := Poke{
		BaseCookie:            pokes[0].BaseCookie,
		LastMutationIDChanges: map[string]int64{},
	}
	for _, p := range pokes {
		combined.Cookie = p.Cookie
		combined.Patch = append(combined.Patch, p.Patch...)
		for id, mID := range p.LastMutationIDChanges {
			combined.LastMutationIDChanges[id] = mID
		}
	}
	return combined
}

// Disconnect drops the buffer and resets playbackOffset to unknown, per
// spec.md §4.5's disconnect rule, and stops the playback loop.
func (h *Handler) Disconnect() {
	h.mu.Lock()
	h.buffer = nil
	h.playbackOffset.Store(unknownOffset)
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h.eg != nil {
		_ = h.eg.Wait()
	}
}

// MissCount returns the number of playback frames that ran more than one
// tick late, for observability.
func (h *Handler) MissCount() int64 { return h.missCount.Load() }

func nowMillis() int64 { return time.Now().UnixMilli() }

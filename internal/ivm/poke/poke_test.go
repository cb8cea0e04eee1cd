// Copyright (c) 2026 Relsync. All rights reserved.

package poke

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	applied []appliedCall
	failOn  string // BaseCookie value that should trigger ErrUnexpectedBaseCookie
}

type appliedCall struct {
	baseCookie, cookie string
	patch              []PatchOp
}

func (f *fakeStore) Apply(_ context.Context, baseCookie, cookie string, patch []PatchOp) error {
	if f.failOn != "" && baseCookie == f.failOn {
		return ErrUnexpectedBaseCookie
	}
	f.applied = append(f.applied, appliedCall{baseCookie, cookie, patch})
	return nil
}

func ts(ms int64) *int64 { return &ms }

// TestPoke_Scenario4_PlaybackEligibility reproduces spec.md §8 scenario 4
// exactly: PLAYBACK_BUFFER_MS = 250, two pokes at server timestamps 500
// and 520 received at local times 1000 and 1004, offset initialized to
// 500 at first receipt, eligible at 1250 and 1270 respectively.
func TestPoke_Scenario4_PlaybackEligibility(t *testing.T) {
	store := &fakeStore{}
	h := New("clientA", store, 250, 1000, nil)
	h.clock = func() int64 { return 1000 }
	h.playing.Store(true) // suppress the real playback loop for this test

	h.Receive(context.Background(), Body{Pokes: []Poke{
		{Timestamp: ts(500), BaseCookie: "c0", Cookie: "c1"},
	}})
	assert.Equal(t, int64(500), h.playbackOffset.Load())

	h.clock = func() int64 { return 1004 }
	h.Receive(context.Background(), Body{Pokes: []Poke{
		{Timestamp: ts(520), BaseCookie: "c1", Cookie: "c2"},
	}})
	// a poke within the reset threshold of the existing offset does not
	// recompute it: 1004-520=484, diverges from 500 by only 16ms.
	assert.Equal(t, int64(500), h.playbackOffset.Load())

	idle := h.tick(context.Background(), 1249)
	assert.False(t, idle, "first poke not yet eligible at 1249")
	assert.Empty(t, store.applied)

	idle = h.tick(context.Background(), 1250)
	assert.False(t, idle, "second poke still not eligible at 1250")
	require.Len(t, store.applied, 1)
	assert.Equal(t, "c0", store.applied[0].baseCookie)
	assert.Equal(t, "c1", store.applied[0].cookie)

	idle = h.tick(context.Background(), 1270)
	assert.True(t, idle)
	require.Len(t, store.applied, 2)
	assert.Equal(t, "c1", store.applied[1].baseCookie)
	assert.Equal(t, "c2", store.applied[1].cookie)
}

func TestPoke_SelfMutationAlwaysEligible(t *testing.T) {
	store := &fakeStore{}
	h := New("clientA", store, 250, 1000, nil)
	h.clock = func() int64 { return 0 }
	h.playbackOffset.Store(0)
	h.playing.Store(true)

	h.mu.Lock()
	h.buffer = []Poke{{
		Timestamp:             ts(1_000_000), // far in the "future" relative to now=0
		BaseCookie:            "c0",
		Cookie:                "c1",
		LastMutationIDChanges: map[string]int64{"clientA": 7},
	}}
	h.mu.Unlock()

	idle := h.tick(context.Background(), 0)
	assert.True(t, idle)
	require.Len(t, store.applied, 1, "a poke whose only mutation-id change is the receiving client's own must apply immediately")
}

func TestPoke_OutOfOrderCallbackFiresOnUnexpectedBaseCookie(t *testing.T) {
	store := &fakeStore{failOn: "stale"}
	var callbackErr error
	h := New("clientA", store, 0, 1000, func(err error) { callbackErr = err })
	h.playing.Store(true)

	h.mu.Lock()
	h.buffer = []Poke{{BaseCookie: "stale", Cookie: "c1"}}
	h.mu.Unlock()

	h.tick(context.Background(), 0)
	require.Error(t, callbackErr)
	assert.ErrorIs(t, callbackErr, ErrUnexpectedBaseCookie)
}

func TestPoke_MergeUnionsPatchesAndAdvancesCookieToLast(t *testing.T) {
	pokes := []Poke{
		{BaseCookie: "c0", Cookie: "c1", Patch: []PatchOp{{Op: "add", Path: "/a"}}},
		{BaseCookie: "c1", Cookie: "c2", Patch: []PatchOp{{Op: "add", Path: "/b"}}},
	}
	combined := merge(pokes)
	assert.Equal(t, "c0", combined.BaseCookie)
	assert.Equal(t, "c2", combined.Cookie)
	require.Len(t, combined.Patch, 2)
	assert.Equal(t, "/a", combined.Patch[0].Path)
	assert.Equal(t, "/b", combined.Patch[1].Path)
}

func TestPoke_DisconnectDropsBufferAndResetsOffset(t *testing.T) {
	store := &fakeStore{}
	h := New("clientA", store, 250, 1000, nil)
	h.playbackOffset.Store(500)
	h.buffer = []Poke{{BaseCookie: "c0", Cookie: "c1"}}

	h.Disconnect()

	assert.Empty(t, h.buffer)
	assert.Equal(t, int64(unknownOffset), h.playbackOffset.Load())
}

// Copyright (c) 2026 Relsync. All rights reserved.

package api

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

type fakeSubscription struct {
	messages chan *redis.Message
	closed   bool
}

func (f *fakeSubscription) Channel() <-chan *redis.Message { return f.messages }

func (f *fakeSubscription) Close() error {
	f.closed = true
	return nil
}

func TestPokesHandler_RelayWritesEachMessageAsSSEFrame(t *testing.T) {
	handler := NewPokesHandler(nil, discardLogger())
	sub := &fakeSubscription{messages: make(chan *redis.Message, 2)}
	sub.messages <- &redis.Message{Payload: `{"cookie":"c1"}`}
	sub.messages <- &redis.Message{Payload: `{"cookie":"c2"}`}
	close(sub.messages)

	recorder := httptest.NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	handler.relay(ctx, sub, recorder, recorder)

	assert.True(t, sub.closed)
	assert.Equal(t, "data: {\"cookie\":\"c1\"}\n\ndata: {\"cookie\":\"c2\"}\n\n", recorder.Body.String())
}

func TestPokesHandler_RelayStopsWhenContextCancelled(t *testing.T) {
	handler := NewPokesHandler(nil, discardLogger())
	sub := &fakeSubscription{messages: make(chan *redis.Message)}

	recorder := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		handler.relay(ctx, sub, recorder, recorder)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not return after context cancellation")
	}

	assert.True(t, sub.closed)
}

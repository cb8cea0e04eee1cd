// Copyright (c) 2026 Relsync. All rights reserved.

package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/relsync/relsync/internal/platform/apperr"
	"github.com/relsync/relsync/internal/platform/constants"
	"github.com/relsync/relsync/internal/platform/respond"
)

// subscription is the subset of [*redis.PubSub] the poke relay depends on,
// narrowed so the relay loop can be exercised against a fake in tests
// without a live Redis connection.
type subscription interface {
	Channel() <-chan *redis.Message
	Close() error
}

// pokeBroker subscribes to the poke channel. [*redis.Client] satisfies it
// directly via [redis.Client.Subscribe].
type pokeBroker interface {
	Subscribe(ctx context.Context, channel string) *redis.PubSub
}

// PokesHandler streams the server side of the poke protocol (spec.md
// §4.5): every batch the changelog publishes on
// [constants.RedisChannelPokes] is relayed to the connected client as a
// Server-Sent Event, for [poke.Handler] on the other end to buffer and
// play back under its own timing.
type PokesHandler struct {
	broker pokeBroker
	log    *slog.Logger
}

// NewPokesHandler constructs the GET /pokes handler.
func NewPokesHandler(rdb *redis.Client, log *slog.Logger) *PokesHandler {
	return &PokesHandler{broker: rdb, log: log}
}

// ServeHTTP handles GET /pokes.
func (h *PokesHandler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	flusher, ok := writer.(http.Flusher)
	if !ok {
		respond.Error(writer, request, apperr.Internal(fmt.Errorf("api: response writer does not support streaming")))
		return
	}

	writer.Header().Set("Content-Type", "text/event-stream")
	writer.Header().Set("Cache-Control", "no-cache")
	writer.Header().Set("Connection", "keep-alive")
	writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := request.Context()
	sub := h.broker.Subscribe(ctx, constants.RedisChannelPokes)
	h.relay(ctx, sub, writer, flusher)
}

// relay drains sub's channel onto writer as SSE frames until ctx is done
// or the channel closes, split out of ServeHTTP so it can be driven
// against a fake [subscription] in tests.
func (h *PokesHandler) relay(ctx context.Context, sub subscription, writer http.ResponseWriter, flusher http.Flusher) {
	defer func() {
		if err := sub.Close(); err != nil {
			h.log.Warn("pokes subscription close failed", slog.Any("error", err))
		}
	}()

	channel := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-channel:
			if !open {
				return
			}
			if _, err := fmt.Fprintf(writer, "data: %s\n\n", msg.Payload); err != nil {
				h.log.Warn("pokes stream write failed", slog.Any("error", err))
				return
			}
			flusher.Flush()
		}
	}
}

// Copyright (c) 2026 Relsync. All rights reserved.

/*
Package constants provides centralized, immutable values for the entire platform.

It defines default timeouts, rate limits, and cross-cutting keys that are shared
between different layers of the system.

Categories:

  - Server Timing: Read/Write/Idle timeouts for the HTTP server.
  - Rate Limiting: Burst capacities and IP tracking TTLs.
  - Security: token issuer and context keys.
  - Redis: channel and key prefixes used by the poke transport.

Using this package ensures Magic Strings and Magic Numbers are eliminated
from the business logic.
*/
package constants

import "time"

// # Metadata

const (
	AppName    = "relsync-viewserver"
	AppVersion = "0.1.0-dev"
)

// # Server Timing

const (
	// DefaultReadTimeout is the maximum duration for reading the entire request.
	DefaultReadTimeout = 5 * time.Second

	// DefaultWriteTimeout is the maximum duration before timing out writes of the response.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultIdleTimeout is the maximum amount of time to wait for the next request.
	DefaultIdleTimeout = 120 * time.Second

	// DefaultReadHeaderTimeout is the amount of time allowed to read request headers.
	DefaultReadHeaderTimeout = 2 * time.Second

	// GlobalRequestTimeout is the deadline for the entire request lifecycle.
	GlobalRequestTimeout = 30 * time.Second

	// ShutdownTimeout is how long we wait for in-flight requests to complete during shutdown.
	ShutdownTimeout = 30 * time.Second
)

// # HTTP Headers

const (
	// HeaderXRequestID is the correlation header echoed back on every response.
	HeaderXRequestID = "X-Request-ID"

	// HeaderOrigin is the standard CORS request header.
	HeaderOrigin = "Origin"

	// HeaderXRealIP is set by upstream proxies carrying the originating client IP.
	HeaderXRealIP = "X-Real-IP"

	// HeaderXForwardedFor is the standard proxy-chain client IP header.
	HeaderXForwardedFor = "X-Forwarded-For"
)

// # Rate Limiting

const (
	// DefaultRateLimitRPS is the requests per second allowed per IP.
	DefaultRateLimitRPS = 100.0

	// DefaultRateLimitBurst is the maximum burst allowed for the rate limiter.
	DefaultRateLimitBurst = 150

	// RateLimitCleanupInterval is how often old IP entries are removed from memory.
	RateLimitCleanupInterval = 1 * time.Minute

	// RateLimitClientTTL is how long a client must be idle before its entry is deleted.
	RateLimitClientTTL = 3 * time.Minute
)

// # Identity

const (
	// AuthIssuer is the standard 'iss' claim in the debug surface's bearer tokens.
	AuthIssuer = "relsync.viewserver"

	// ContextKeyUser is a string name for the auth claims; the request context
	// stores them under [ctxkey.KeyUser], not under this string.
	ContextKeyUser = "auth_claims"
)

// # JSON Field Identifiers

const (
	FieldData    = "data"
	FieldMeta    = "meta"
	FieldError   = "error"
	FieldCode    = "code"
	FieldDetails = "details"
	FieldItems   = "items"
	FieldTotal   = "total"
	FieldMessage = "message"
	FieldStatus  = "status"
	FieldApp     = "app"
	FieldVersion = "version"
	FieldChecks  = "checks"
)

// # Database Schemas

const (
	// SchemaIVM names an "ivm" schema. The migrations create the change log
	// and column-metadata tables without a schema qualifier, not in it.
	SchemaIVM = "ivm"
)

// # Redis Prefixes (Poke Transport Taxonomy)

const (
	// RedisChannelPokes is the Pub/Sub channel poke batches are published on.
	RedisChannelPokes = "ivm:pokes"

	// RedisPrefixMutationAck is a key prefix for (clientID, lastMutationID)
	// acknowledgements; no code reads or writes keys under it.
	RedisPrefixMutationAck = "ivm:mutation_ack:"
)

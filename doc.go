// Package sauron screens group chat messages for abusive and unwanted
// content and pushes alerts to monitoring clients in real time.
//
// # Architecture
//
// Messages flow through three stages:
//
//	┌─────────────────────────────────────┐
//	│           Gateway                   │  HTTP ingest, quota checks,
//	│   (rate limit, validate, enqueue)   │  result lookup, admin
//	└─────────────────────────────────────┘
//	           ↓ JetStream work queue
//	┌─────────────────────────────────────┐
//	│          Worker Pool                │  Claim, analyze, persist,
//	│  (consumer group, retries, DLQ)     │  retry or dead-letter
//	└─────────────────────────────────────┘
//	           ↓ NATS alert subject
//	┌─────────────────────────────────────┐
//	│       Broadcast Registry            │  Fan-out to SSE and
//	│    (connections, heartbeats)        │  WebSocket clients
//	└─────────────────────────────────────┘
//
// Delivery from the queue is at least once; the result store in NATS KV
// makes redelivered records idempotent. The rate limiter shares its
// counters through KV as well and fails open when the store is down.
//
// Package layout:
//
//   - gateway: HTTP surface (ingest, results, streams, operator endpoints)
//   - queue: durable work queue over JetStream with retry and DLQ
//   - worker: screening consumer group
//   - analysis: content classification via OpenAI-compatible APIs
//   - ratelimit: per-user and per-device quotas over fixed windows
//   - store: per-message processing state
//   - broadcast: live alert fan-out over SSE and WebSocket
//   - natsclient: circuit-breakered NATS connection and KV helpers
//   - config, errors, health, metric, pkg/retry: service plumbing
package sauron

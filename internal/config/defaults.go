package config

import "time"

// Default values for the proxy. Keep these in one place so behavior
// changes are visible in a single diff.
const (
	// DefaultPort is the preferred listen port for the proxy.
	DefaultPort = 32080

	// DefaultPortRange is how many consecutive ports to probe when the
	// preferred port is taken.
	DefaultPortRange = 10

	// DefaultUpstreamTimeout bounds a full upstream exchange, including
	// streaming. Long-running generations need generous headroom.
	DefaultUpstreamTimeout = 10 * time.Minute

	// DefaultConnectTimeout bounds TCP connect + TLS handshake to the upstream.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultShutdownTimeout bounds graceful server shutdown.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultMaxBodyBytes caps inbound request bodies (20 MiB).
	DefaultMaxBodyBytes = 20 << 20

	// DefaultStreamReadBuffer is the chunk size used when relaying
	// upstream SSE bytes.
	DefaultStreamReadBuffer = 4096

	// DefaultLogRetentionDays is how long per-session request logs are kept.
	DefaultLogRetentionDays = 7

	// DefaultSessionTTL is how long an idle session row survives before
	// the pruning sweep may remove it.
	DefaultSessionTTL = 30 * 24 * time.Hour

	// DefaultSweepInterval is how often background cleanup runs.
	DefaultSweepInterval = 1 * time.Hour

	// DefaultUsageBuffer is the usage recorder channel depth. Events are
	// dropped, never blocked on, when the buffer is full.
	DefaultUsageBuffer = 1024

	// DefaultProviderTimeout bounds a single context provider fetch.
	DefaultProviderTimeout = 10 * time.Second

	// DefaultTaskTimeout bounds a single custom task execution.
	DefaultTaskTimeout = 60 * time.Second

	// DefaultWebhookTimeout bounds a webhook delivery attempt.
	DefaultWebhookTimeout = 5 * time.Second
)

// Default filesystem locations, relative to the state directory.
const (
	DefaultStateDirName   = ".swiftcast"
	DefaultDBFile         = "swiftcast.db"
	DefaultLogDirName     = "logs"
	DefaultTasksFile      = "tasks.yaml"
	DefaultProvidersDir   = "providers"
	DefaultTelemetryFile  = "requests.jsonl"
	DefaultTelemetryLimit = 10000
)

// Package constants defines the default timeouts and size limits shared
// across the proxy core.
package constants

import "time"

// Connection timeouts.
const (
	DefaultClientIdleTimeout = 90 * time.Second
	DefaultUpstreamDialTimeout = 10 * time.Second
	DefaultReadHeaderTimeout = 30 * time.Second
	DefaultCAReloadInterval = 30 * time.Second
	DefaultLeafCacheSweepInterval = 5 * time.Minute
)

// Message limits.
const (
	MaxRequestLineLength = 8 * 1024
	MaxHeaderLineLength  = 8 * 1024
	MaxHeaderCount       = 100
	MaxHeadersTotalBytes = 64 * 1024
	MaxContentLength     = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Buffer limits.
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024   // 4MB
	MaxRawBufferSize    = 100 * 1024 * 1024 // 100MB cap for a single spilled body
)

// Leaf certificate issuance.
const (
	DefaultLeafValidity  = 825 * 24 * time.Hour
	DefaultLeafCacheSize = 1024
)

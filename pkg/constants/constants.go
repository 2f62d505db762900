// Package constants defines the default values shared across the server,
// client and spool rather than scattered as magic numbers.
package constants

import "time"

// Connection timeouts
const (
	DefaultIdleTimeout = 10 * time.Second
)

// HTTP limits
const (
	MaxContentLength = 1024 * 1024 * 1024 * 1024 // 1TB
)

// Buffer limits
const (
	DefaultBodyMemLimit = 4 * 1024 * 1024 // 4MB, spool.New's default in-memory cap
)

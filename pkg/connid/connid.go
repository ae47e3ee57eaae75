// Package connid mints the monotonically increasing connection identifiers
// the rendezvous server assigns to every inbound connection.
package connid

import "sync/atomic"

// ID identifies a connection for the lifetime of a rendezvous process.
// Reuse after a 32-bit wraparound is acceptable: ids are only ever compared
// against other ids of connections that are still alive.
type ID uint32

// Counter mints sequential, non-zero ids.
type Counter struct {
	n atomic.Uint32
}

// Next returns the next id, starting at 1.
func (c *Counter) Next() ID {
	return ID(c.n.Add(1))
}

// Package net provides the allocator for the per-deck control ports.
package net

import (
	"fmt"
	"sync"
)

// The Portranger interface allows to get an available control port and to
// put it back after use for later re-use. Ports are handed out from a base
// value upward. A port stays reserved until it is explicitly put back.
type Portranger interface {
	// Get returns the smallest unused port at or above the base port.
	// If no port is available a negative port and an error is returned.
	Get() (int, error)

	// Put returns a port to the pool. Ports that are not currently
	// reserved or outside the valid range are silently ignored.
	Put(port int)
}

type portrange struct {
	base  int
	used  map[int]bool
	mLock sync.Mutex
}

// NewPortrange returns a new Portranger that allocates from base upward.
// An invalid base is rejected.
func NewPortrange(base int) (Portranger, error) {
	if base <= 0 || base > 65535 {
		return nil, fmt.Errorf("invalid base port: %d", base)
	}

	return &portrange{
		base: base,
		used: map[int]bool{},
	}, nil
}

func (r *portrange) Get() (int, error) {
	r.mLock.Lock()
	defer r.mLock.Unlock()

	// The increment-and-check has to happen under the lock such that
	// concurrent allocations can't hand out the same port.
	for port := r.base; port <= 65535; port++ {
		if r.used[port] {
			continue
		}

		r.used[port] = true

		return port, nil
	}

	return -1, fmt.Errorf("no more ports available above %d", r.base)
}

func (r *portrange) Put(port int) {
	r.mLock.Lock()
	defer r.mLock.Unlock()

	if port < r.base || port > 65535 {
		return
	}

	delete(r.used, port)
}

package vmm

import "sync"

// haltBarrier detects the moment every core is idle: the boot core has
// halted and each other core is halted or was never started. It also holds
// wakes sent to cores that were not halted yet.
type haltBarrier struct {
	mu      sync.Mutex
	started []bool
	halted  []bool
	pending []bool
	fired   bool
	idle    chan struct{}
}

func newHaltBarrier(n int) *haltBarrier {
	return &haltBarrier{
		started: make([]bool, n),
		halted:  make([]bool, n),
		pending: make([]bool, n),
		idle:    make(chan struct{}),
	}
}

// Idle is closed once all cores converged on halt.
func (b *haltBarrier) Idle() <-chan struct{} { return b.idle }

func (b *haltBarrier) start(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started[id] = true
	b.halted[id] = false
}

// resume marks core id running again without consuming a wake.
func (b *haltBarrier) resume(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.halted[id] = false
}

// wake resumes core id if it is halted and reports whether it was. A wake
// for a running core is remembered and cancels its next halt.
func (b *haltBarrier) wake(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halted[id] {
		b.halted[id] = false
		return true
	}
	b.pending[id] = true
	return false
}

// halt marks core id halted. halted is false when a pending wake cancelled
// the halt; idle reports whether the halt made the machine idle.
func (b *haltBarrier) halt(id int) (halted, idle bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[id] {
		b.pending[id] = false
		return false, false
	}
	b.halted[id] = true
	if b.fired || !b.halted[0] {
		return true, false
	}
	for i := 1; i < len(b.halted); i++ {
		if b.started[i] && !b.halted[i] {
			return true, false
		}
	}
	b.fired = true
	close(b.idle)
	return true, true
}

func (b *haltBarrier) isStarted(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started[id]
}

package webhook

import "sync"

// participantLocks serializes work per participant id. Entries are dropped once unused.
type participantLocks struct {
	mu    sync.Mutex
	locks map[string]*participantLock
}

type participantLock struct {
	mu   sync.Mutex
	refs int
}

func newParticipantLocks() *participantLocks {
	return &participantLocks{locks: make(map[string]*participantLock)}
}

// lock blocks until the participant's lock is held and returns its release func.
func (p *participantLocks) lock(participantID string) func() {
	p.mu.Lock()
	l, ok := p.locks[participantID]
	if !ok {
		l = &participantLock{}
		p.locks[participantID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, participantID)
		}
		p.mu.Unlock()
	}
}

// size returns the number of participants currently holding or waiting for a lock.
func (p *participantLocks) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}

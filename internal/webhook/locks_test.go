package webhook

import (
	"sync"
	"testing"
)

func TestParticipantLocksSerialize(t *testing.T) {
	locks := newParticipantLocks()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		overlap bool
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock("p")
			defer unlock()
			mu.Lock()
			inside++
			if inside > 1 {
				overlap = true
			}
			mu.Unlock()
			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	if overlap {
		t.Error("two holders of the same participant lock overlapped")
	}
	if n := locks.size(); n != 0 {
		t.Errorf("expected no retained locks, got %d", n)
	}
}

func TestParticipantLocksIndependent(t *testing.T) {
	locks := newParticipantLocks()
	unlockA := locks.lock("a")
	done := make(chan struct{})
	go func() {
		unlock := locks.lock("b")
		unlock()
		close(done)
	}()
	<-done
	if n := locks.size(); n != 1 {
		t.Errorf("expected only a's lock retained, got %d", n)
	}
	unlockA()
	if n := locks.size(); n != 0 {
		t.Errorf("expected no retained locks, got %d", n)
	}
}

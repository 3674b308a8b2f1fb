package fleet

import "sync"

// droneLocks hands out one mutex per drone id. Every read-modify-write of a
// drone record holds it, so status changes for the same drone never
// interleave. Entries are dropped once no caller holds or waits on them.
type droneLocks struct {
	mu    sync.Mutex
	locks map[string]*droneLock
}

type droneLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until the drone's mutex is held and returns its release.
func (l *droneLocks) lock(droneID string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*droneLock)
	}
	dl, ok := l.locks[droneID]
	if !ok {
		dl = &droneLock{}
		l.locks[droneID] = dl
	}
	dl.refs++
	l.mu.Unlock()

	dl.mu.Lock()
	return func() {
		dl.mu.Unlock()
		l.mu.Lock()
		dl.refs--
		if dl.refs == 0 {
			delete(l.locks, droneID)
		}
		l.mu.Unlock()
	}
}

func (l *droneLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

package watchdog

import (
	"sync"

	"github.com/google/uuid"
)

// FakeWatchdog records registrations and reports without enforcing anything.
type FakeWatchdog struct {
	mu      sync.Mutex
	names   map[uuid.UUID]string
	reports map[string]int
}

func NewFakeWatchdog() *FakeWatchdog {
	return &FakeWatchdog{
		names:   make(map[uuid.UUID]string),
		reports: make(map[string]int),
	}
}

func (f *FakeWatchdog) Start() {

}

func (f *FakeWatchdog) RegisterHeartbeat(name string, warningsUntilFailure uint64, timeout uint64, onlyIfSubscribers bool) uuid.UUID {
	return f.RegisterHeartbeatWithRestart(name, warningsUntilFailure, timeout, onlyIfSubscribers, nil)
}

func (f *FakeWatchdog) RegisterHeartbeatWithRestart(name string, warningsUntilFailure uint64, timeout uint64, onlyIfSubscribers bool, restart RestartFunc) uuid.UUID {
	id := uuid.New()
	f.mu.Lock()
	f.names[id] = name
	f.mu.Unlock()
	return id
}

func (f *FakeWatchdog) UnregisterHeartbeat(uniqueIdentifier uuid.UUID) {
	f.mu.Lock()
	delete(f.names, uniqueIdentifier)
	f.mu.Unlock()
}

func (f *FakeWatchdog) ReportHeartbeatStatus(uniqueIdentifier uuid.UUID, status HeartbeatStatus) {
	f.mu.Lock()
	if name, ok := f.names[uniqueIdentifier]; ok {
		f.reports[name]++
	}
	f.mu.Unlock()
}

func (f *FakeWatchdog) SetHasSubscribers(has bool) {

}

// Registered reports whether a heartbeat with the given name is currently registered.
func (f *FakeWatchdog) Registered(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range f.names {
		if n == name {
			return true
		}
	}
	return false
}

// Reports returns how many status reports the named heartbeat has sent.
func (f *FakeWatchdog) Reports(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reports[name]
}

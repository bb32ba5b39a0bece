package service

import (
	"sort"
	"sync"
	"time"
)

// ActiveRun describes a run in progress
type ActiveRun struct {
	RunID      string    `json:"run_id"`
	NumberedID int64     `json:"numbered_id"`
	Action     string    `json:"action"`
	Started    time.Time `json:"started"`
}

// ActiveRuns is a thread safe registry of runs in progress. Zero value is ready to use.
type ActiveRuns struct {
	mu     sync.Mutex
	active map[string]ActiveRun
}

// Add registers the run, returns false if it is already registered
func (a *ActiveRuns) Add(r ActiveRun) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == nil {
		a.active = map[string]ActiveRun{}
	}
	if _, found := a.active[r.RunID]; found {
		return false
	}
	a.active[r.RunID] = r
	return true
}

// Remove unregisters the run. Safe to call multiple times
func (a *ActiveRuns) Remove(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, runID)
}

// List returns runs in progress ordered by numbered id
func (a *ActiveRuns) List() []ActiveRun {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := make([]ActiveRun, 0, len(a.active))
	for _, r := range a.active {
		res = append(res, r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].NumberedID < res[j].NumberedID })
	return res
}

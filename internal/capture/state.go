package capture

import (
	"sort"
	"sync"

	"github.com/ghalamif/AegisRelay/internal/domain"
)

// State holds the latest-observed caches the engine resolves against. It is
// owned by whoever constructs it; nothing here is process-global.
type State struct {
	compMu     sync.RWMutex
	components map[domain.Key]*domain.Record

	itemMu    sync.RWMutex
	dataItems map[domain.Key]*domain.Record

	curMu   sync.RWMutex
	current map[domain.Key]*domain.Record
}

func NewState() *State {
	return &State{
		components: make(map[domain.Key]*domain.Record),
		dataItems:  make(map[domain.Key]*domain.Record),
		current:    make(map[domain.Key]*domain.Record),
	}
}

// Update replaces cache entries with newer records from batch. It reports
// whether any component or data item definition changed.
func (s *State) Update(batch []*domain.Record) bool {
	changed := false
	for _, r := range batch {
		switch r.Kind() {
		case domain.KindComponent:
			if replace(&s.compMu, s.components, r) {
				changed = true
			}
		case domain.KindDataItem:
			if replace(&s.itemMu, s.dataItems, r) {
				changed = true
			}
		case domain.KindSample:
			replace(&s.curMu, s.current, r)
		}
	}
	return changed
}

func replace(mu *sync.RWMutex, m map[domain.Key]*domain.Record, r *domain.Record) bool {
	mu.Lock()
	defer mu.Unlock()
	k := r.Key()
	if old, ok := m[k]; ok && r.Timestamp.Before(old.Timestamp) {
		return false
	}
	m[k] = r
	return true
}

func (s *State) componentSnapshot() map[domain.Key]*domain.ComponentDefinition {
	s.compMu.RLock()
	defer s.compMu.RUnlock()
	out := make(map[domain.Key]*domain.ComponentDefinition, len(s.components))
	for k, r := range s.components {
		c, _ := r.Component()
		out[k] = c
	}
	return out
}

func (s *State) dataItemSnapshot() []*domain.Record {
	s.itemMu.RLock()
	defer s.itemMu.RUnlock()
	out := make([]*domain.Record, 0, len(s.dataItems))
	for _, r := range s.dataItems {
		out = append(out, r)
	}
	return out
}

// currentFor returns the cached current samples of the given devices.
func (s *State) currentFor(devices map[string]struct{}) []*domain.Record {
	s.curMu.RLock()
	defer s.curMu.RUnlock()
	var out []*domain.Record
	for k, r := range s.current {
		if _, ok := devices[k.DeviceID]; ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key(), out[j].Key()
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		return a.ID < b.ID
	})
	return out
}

// Counts is used by the stats surface.
func (s *State) Counts() (components, dataItems, currentSamples int) {
	s.compMu.RLock()
	components = len(s.components)
	s.compMu.RUnlock()
	s.itemMu.RLock()
	dataItems = len(s.dataItems)
	s.itemMu.RUnlock()
	s.curMu.RLock()
	currentSamples = len(s.current)
	s.curMu.RUnlock()
	return
}

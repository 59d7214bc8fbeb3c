package capture

import (
	"fmt"
	"sync"

	"github.com/ghalamif/AegisRelay/internal/domain"
)

// Engine decides which samples are retained and with which capture tag.
// It performs no I/O; the only mutable state is the index rebuilt by
// Resolve and the caches owned by State.
type Engine struct {
	state  *State
	groups []*Group
	byName map[string]*Group

	// resolveMu serializes Resolve so the last swap is built from the
	// latest snapshot.
	resolveMu sync.Mutex

	mu    sync.RWMutex
	index map[string]map[domain.Key]struct{} // group id -> claimed data items
}

func NewEngine(state *State, groups []*Group) (*Engine, error) {
	if state == nil {
		state = NewState()
	}
	e := &Engine{
		state:  state,
		groups: groups,
		byName: make(map[string]*Group, len(groups)),
		index:  make(map[string]map[domain.Key]struct{}),
	}
	for _, g := range groups {
		if _, dup := e.byName[g.Name]; dup {
			return nil, fmt.Errorf("duplicate capture group %q", g.Name)
		}
		e.byName[g.Name] = g
	}
	return e, nil
}

func (e *Engine) State() *State { return e.state }

func (e *Engine) Groups() []*Group { return e.groups }

// Resolve rebuilds the filtered-item index from the current definitions.
func (e *Engine) Resolve() {
	e.resolveMu.Lock()
	defer e.resolveMu.Unlock()

	comps := e.state.componentSnapshot()
	items := e.state.dataItemSnapshot()

	next := make(map[string]map[domain.Key]struct{}, len(e.groups))
	for _, g := range e.groups {
		claimed := make(map[domain.Key]struct{})
		for _, r := range items {
			di, ok := r.DataItem()
			if !ok {
				continue
			}
			if g.Allows(di, componentChain(r.DeviceID, di.ParentID, comps)) {
				claimed[r.Key()] = struct{}{}
			}
		}
		next[g.ID] = claimed
	}

	e.mu.Lock()
	e.index = next
	e.mu.Unlock()
}

// Claims reports whether the named group currently claims the data item.
func (e *Engine) Claims(groupName string, key domain.Key) bool {
	g, ok := e.byName[groupName]
	if !ok {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok = e.index[g.ID][key]
	return ok
}

// Classify returns tagged copies of the retained samples. ARCHIVE groups run
// first, then CURRENT groups; within a phase the first group to select a
// record wins. Inputs are never modified.
func (e *Engine) Classify(samples []*domain.Record) []*domain.Record {
	e.mu.RLock()
	index := e.index
	e.mu.RUnlock()

	var out []*domain.Record
	for _, mode := range []Mode{ModeArchive, ModeCurrent} {
		seen := make(map[string]struct{})
		for _, g := range e.groups {
			if g.Mode != mode {
				continue
			}
			visited := map[string]struct{}{}
			for _, r := range e.selectFor(g, samples, index, visited) {
				if _, dup := seen[r.EntryID]; dup {
					continue
				}
				seen[r.EntryID] = struct{}{}
				out = append(out, r.WithCapture(mode.tag()))
			}
		}
	}
	return out
}

// selectFor returns the samples claimed by g plus the contributions of its
// included groups. visited holds every group already entered while
// classifying the outer group; re-entering one contributes nothing, so each
// group is evaluated at most once per outer group.
func (e *Engine) selectFor(g *Group, samples []*domain.Record, index map[string]map[domain.Key]struct{}, visited map[string]struct{}) []*domain.Record {
	if _, ok := visited[g.ID]; ok {
		return nil
	}
	visited[g.ID] = struct{}{}

	claimed := index[g.ID]
	var selected []*domain.Record
	devices := make(map[string]struct{})
	for _, r := range samples {
		if r.Kind() != domain.KindSample {
			continue
		}
		if _, ok := claimed[r.Key()]; !ok {
			continue
		}
		selected = append(selected, r)
		devices[r.DeviceID] = struct{}{}
	}
	if len(selected) == 0 {
		return nil
	}

	for _, name := range g.Includes {
		inc, ok := e.byName[name]
		if !ok {
			continue
		}
		pool := e.state.currentFor(devices)
		for _, cand := range e.selectFor(inc, pool, index, visited) {
			if !hasNewer(selected, cand) {
				selected = append(selected, cand)
			}
		}
	}
	return selected
}

func hasNewer(selected []*domain.Record, cand *domain.Record) bool {
	k := cand.Key()
	for _, r := range selected {
		if r.EntryID == cand.EntryID {
			return true
		}
		if r.Key() == k && !r.Timestamp.Before(cand.Timestamp) {
			return true
		}
	}
	return false
}

// Filter is what the forwarder runs on every ingested batch: definitions
// pass through in order, statuses collapse to the newest per device and
// samples are classified.
func (e *Engine) Filter(batch []*domain.Record) []*domain.Record {
	var (
		out      []*domain.Record
		samples  []*domain.Record
		statuses = make(map[string]*domain.Record)
		devOrder []string
	)
	for _, r := range batch {
		switch r.Kind() {
		case domain.KindSample:
			samples = append(samples, r)
		case domain.KindStatus:
			old, ok := statuses[r.DeviceID]
			if !ok {
				devOrder = append(devOrder, r.DeviceID)
			}
			if !ok || !r.Timestamp.Before(old.Timestamp) {
				statuses[r.DeviceID] = r
			}
		case 0:
		default:
			out = append(out, r)
		}
	}
	out = append(out, e.Classify(samples)...)
	for _, dev := range devOrder {
		out = append(out, statuses[dev].Clone())
	}
	return out
}

// componentChain walks ParentID links and returns the chain root first.
func componentChain(deviceID, parentID string, comps map[domain.Key]*domain.ComponentDefinition) []*domain.ComponentDefinition {
	var chain []*domain.ComponentDefinition
	seen := make(map[string]struct{})
	for id := parentID; id != ""; {
		if _, loop := seen[id]; loop {
			break
		}
		seen[id] = struct{}{}
		c, ok := comps[domain.Key{DeviceID: deviceID, ID: id}]
		if !ok || c == nil {
			break
		}
		chain = append(chain, c)
		id = c.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain
}

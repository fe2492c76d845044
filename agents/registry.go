package agents

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/sharpyfox/rtbkit/errortypes"
)

// Entry pairs an agent name with its live configuration.
type Entry struct {
	Name   string
	Config *AgentConfig
}

// Snapshot is an immutable view of the registry, valid across one auction.
// Readers hold it for the duration of a filter pass and drop it; in-flight
// auctions keep whatever snapshot they started with.
type Snapshot struct {
	Generation uint64
	entries    map[string]*Entry
	ordered    []*Entry
}

// Get returns the entry for an agent name.
func (s *Snapshot) Get(name string) (*Entry, bool) {
	e, ok := s.entries[name]
	return e, ok
}

// All returns the entries in stable name order.
func (s *Snapshot) All() []*Entry {
	return s.ordered
}

func (s *Snapshot) Len() int {
	return len(s.ordered)
}

// Subscriber is notified after each successful publish or retire.
type Subscriber func(generation uint64, name string, cfg *AgentConfig)

// Registry maps agent names to their current AgentConfig. Writers rebuild the
// whole snapshot and publish the pointer atomically; readers load the pointer
// once per auction and never block writers.
type Registry struct {
	current atomic.Value // *Snapshot

	writeLock   sync.Mutex
	generation  uint64
	subscribers []Subscriber
}

// NewRegistry returns an empty registry at generation zero.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&Snapshot{entries: map[string]*Entry{}})
	return r
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load().(*Snapshot)
}

// Generation returns the monotone publish counter.
func (r *Registry) Generation() uint64 {
	return r.Snapshot().Generation
}

// Subscribe registers a callback invoked after each publish or retire. Must
// be called before traffic starts; subscribers run on the writer goroutine.
func (r *Registry) Subscribe(s Subscriber) {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()
	r.subscribers = append(r.subscribers, s)
}

// Publish parses, validates and atomically installs a new config for the
// agent. Returns InvalidConfig without touching the registry when the config
// does not parse against the schema.
func (r *Registry) Publish(name string, raw []byte) (*AgentConfig, error) {
	if name == "" {
		return nil, &errortypes.InvalidConfig{Message: "agent name is empty"}
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		if _, ok := err.(*errortypes.InvalidConfig); !ok {
			err = &errortypes.InvalidConfig{Message: err.Error()}
		}
		return nil, err
	}

	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	r.generation++
	next := r.rebuild(func(entries map[string]*Entry) {
		entries[name] = &Entry{Name: name, Config: cfg}
	})
	r.current.Store(next)
	glog.Infof("published config for agent %s (generation %d, %d agents live)", name, next.Generation, next.Len())

	for _, s := range r.subscribers {
		s(next.Generation, name, cfg)
	}
	return cfg, nil
}

// Retire atomically removes the agent. In-flight auctions holding an older
// snapshot proceed untouched. Returns false if the agent was not registered.
func (r *Registry) Retire(name string) bool {
	r.writeLock.Lock()
	defer r.writeLock.Unlock()

	if _, ok := r.Snapshot().Get(name); !ok {
		return false
	}
	r.generation++
	next := r.rebuild(func(entries map[string]*Entry) {
		delete(entries, name)
	})
	r.current.Store(next)
	glog.Infof("retired agent %s (generation %d, %d agents live)", name, next.Generation, next.Len())

	for _, s := range r.subscribers {
		s(next.Generation, name, nil)
	}
	return true
}

// rebuild copies the live map, applies the mutation and freezes the result.
// Caller holds writeLock.
func (r *Registry) rebuild(mutate func(map[string]*Entry)) *Snapshot {
	old := r.Snapshot()
	entries := make(map[string]*Entry, len(old.entries)+1)
	for k, v := range old.entries {
		entries[k] = v
	}
	mutate(entries)

	ordered := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name < ordered[j].Name })

	return &Snapshot{Generation: r.generation, entries: entries, ordered: ordered}
}

// ABOUTME: Feed publishes incremental tool:discovered and tool:removed events per source.
// ABOUTME: It remembers what each source last announced so only differences reach the bus.

package catalog

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/2389/toolgate/internal/events"
)

// Publisher is the part of the event bus the feed needs.
type Publisher interface {
	Publish(ctx context.Context, ev *events.Event) *events.Event
}

// Feed turns full tool listings into incremental discovery events. Calls for
// one source are serialized; different sources publish concurrently.
type Feed struct {
	bus Publisher

	mu        sync.Mutex
	published map[string]map[string]Descriptor // source key -> original name -> descriptor
	sources   map[string]*sync.Mutex
}

// NewFeed creates a feed publishing on bus.
func NewFeed(bus Publisher) *Feed {
	return &Feed{
		bus:       bus,
		published: make(map[string]map[string]Descriptor),
		sources:   make(map[string]*sync.Mutex),
	}
}

func (f *Feed) lockSource(key string) func() {
	f.mu.Lock()
	lk, ok := f.sources[key]
	if !ok {
		lk = &sync.Mutex{}
		f.sources[key] = lk
	}
	f.mu.Unlock()
	lk.Lock()
	return lk.Unlock
}

func (f *Feed) announced(key string) map[string]Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[key]
}

// Sync publishes tool:discovered for every descriptor that is new or changed
// since the last Sync of src and tool:removed for every one that is gone.
func (f *Feed) Sync(ctx context.Context, src Source, descs []Descriptor) (discovered, removed int) {
	key := src.Key()
	defer f.lockSource(key)()

	prev := f.announced(key)
	next := make(map[string]Descriptor, len(descs))

	for _, d := range descs {
		if d.OriginalName == "" {
			d.OriginalName = d.Name
		}
		next[d.OriginalName] = d
		if old, ok := prev[d.OriginalName]; ok && sameDescriptor(old, d) {
			continue
		}
		f.bus.Publish(ctx, DiscoveredEvent(d))
		discovered++
	}

	var gone []Descriptor
	for name, d := range prev {
		if _, ok := next[name]; !ok {
			gone = append(gone, d)
		}
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].Name < gone[j].Name })
	for _, d := range gone {
		f.bus.Publish(ctx, RemovedEvent(d))
		removed++
	}

	f.mu.Lock()
	f.published[key] = next
	f.mu.Unlock()
	return discovered, removed
}

// Drop publishes tool:removed for everything src announced and forgets it.
func (f *Feed) Drop(ctx context.Context, src Source) int {
	key := src.Key()
	defer f.lockSource(key)()

	f.mu.Lock()
	prev := f.published[key]
	delete(f.published, key)
	f.mu.Unlock()

	gone := make([]Descriptor, 0, len(prev))
	for _, d := range prev {
		gone = append(gone, d)
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].Name < gone[j].Name })
	for _, d := range gone {
		f.bus.Publish(ctx, RemovedEvent(d))
	}
	return len(gone)
}

// Announced returns how many tools src currently has announced.
func (f *Feed) Announced(src Source) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[src.Key()])
}

func sameDescriptor(a, b Descriptor) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		a.Source == b.Source &&
		bytes.Equal(a.Schema, b.Schema)
}

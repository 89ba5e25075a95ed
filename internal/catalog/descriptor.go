// ABOUTME: Tool descriptors, their sources, and the executor contract behind every catalog entry.
// ABOUTME: Descriptors travel through the bus as JSON-shaped payloads so script hooks can inspect them.

package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/toolgate/internal/events"
)

// SourceKind tells which kind of provider owns a tool.
type SourceKind string

const (
	SourceLocal    SourceKind = "local"
	SourceScripted SourceKind = "scripted"
	SourceUpstream SourceKind = "upstream"
)

// Source identifies the provider of a tool. Server is set for upstream tools,
// Path for scripted ones.
type Source struct {
	Kind   SourceKind `json:"kind"`
	Server string     `json:"server,omitempty"`
	Path   string     `json:"path,omitempty"`
}

// Key identifies the executor bound to this source.
func (s Source) Key() string {
	switch s.Kind {
	case SourceUpstream:
		return string(s.Kind) + ":" + s.Server
	case SourceScripted:
		return string(s.Kind) + ":" + s.Path
	default:
		return string(s.Kind)
	}
}

// Descriptor describes one tool in the aggregated catalog.
type Descriptor struct {
	// Name is the qualified name consumers call.
	Name string `json:"name"`
	// OriginalName is the name the provider knows the tool by.
	OriginalName string          `json:"original_name"`
	Description  string          `json:"description,omitempty"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	Source       Source          `json:"source"`
}

// Result is the outcome of a tool execution.
type Result struct {
	Content any `json:"content"`
}

// Executor runs tools for one source. name is the tool's original name.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, name string, args map[string]any) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, name string, args map[string]any) (*Result, error) {
	return f(ctx, name, args)
}

// Availability is implemented by executors that can be temporarily offline.
type Availability interface {
	Available() bool
}

// Payload keys used by discovery events.
const (
	payloadOriginalName = "original_name"
	payloadDescription  = "description"
	payloadSchema       = "schema"
	payloadSource       = "source"
)

// DiscoveredEvent builds the tool:discovered event announcing d.
func DiscoveredEvent(d Descriptor) *events.Event {
	return events.New(events.KindToolDiscovered, d.Name, d.payload())
}

// RemovedEvent builds the tool:removed event withdrawing d.
func RemovedEvent(d Descriptor) *events.Event {
	return events.New(events.KindToolRemoved, d.Name, d.payload())
}

func (d Descriptor) payload() map[string]any {
	p := map[string]any{
		events.PayloadTool:  d.Name,
		payloadOriginalName: d.OriginalName,
		payloadDescription:  d.Description,
		payloadSource: map[string]any{
			"kind":   string(d.Source.Kind),
			"server": d.Source.Server,
			"path":   d.Source.Path,
		},
	}
	if len(d.Schema) > 0 {
		var schema any
		if err := json.Unmarshal(d.Schema, &schema); err == nil {
			p[payloadSchema] = schema
		}
	}
	return p
}

// DescriptorFromPayload decodes a descriptor carried by a discovery event.
// The payload's "tool" key wins over the event identifier so hooks can rename.
func DescriptorFromPayload(ev *events.Event) (Descriptor, error) {
	p := ev.Payload
	d := Descriptor{Name: ev.Identifier}
	if name, ok := p[events.PayloadTool].(string); ok && name != "" {
		d.Name = name
	}
	d.OriginalName, _ = p[payloadOriginalName].(string)
	d.Description, _ = p[payloadDescription].(string)

	src, ok := p[payloadSource].(map[string]any)
	if !ok {
		return Descriptor{}, fmt.Errorf("tool %s: payload has no source", d.Name)
	}
	kind, _ := src["kind"].(string)
	d.Source.Kind = SourceKind(kind)
	d.Source.Server, _ = src["server"].(string)
	d.Source.Path, _ = src["path"].(string)

	switch d.Source.Kind {
	case SourceLocal, SourceScripted, SourceUpstream:
	default:
		return Descriptor{}, fmt.Errorf("tool %s: unknown source kind %q", d.Name, kind)
	}
	if d.OriginalName == "" {
		d.OriginalName = d.Name
	}

	if schema, ok := p[payloadSchema]; ok && schema != nil {
		raw, err := json.Marshal(schema)
		if err != nil {
			return Descriptor{}, fmt.Errorf("tool %s: encoding schema: %w", d.Name, err)
		}
		d.Schema = raw
	}
	return d, nil
}

// ABOUTME: Note tools backed by the SQLite store: read_note, write_note and list_notes.
// ABOUTME: Writes publish note:created or note:modified plus note:parsed with the markdown outline.

package builtins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/events"
	"github.com/2389/toolgate/internal/store"
)

// NoteTools returns the note tools. pub receives the note events; it may be nil.
func NoteTools(s store.NoteStore, pub catalog.Publisher) []*catalog.LocalTool {
	n := &notesHandlers{store: s, pub: pub, md: goldmark.New()}
	return []*catalog.LocalTool{
		{
			Name:        "read_note",
			Description: "Read a markdown note by name",
			Schema:      json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"format":{"type":"string","enum":["markdown","html"]}},"required":["name"]}`),
			Handler:     n.Read,
		},
		{
			Name:        "write_note",
			Description: "Create or replace a markdown note",
			Schema:      json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"body":{"type":"string"}},"required":["name","body"]}`),
			Handler:     n.Write,
		},
		{
			Name:        "list_notes",
			Description: "List all notes with their titles",
			Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
			Handler:     n.List,
		},
	}
}

type notesHandlers struct {
	store store.NoteStore
	pub   catalog.Publisher
	md    goldmark.Markdown
}

type readNoteInput struct {
	Name   string `json:"name"`
	Format string `json:"format"`
}

func (n *notesHandlers) Read(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in readNoteInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Name == "" {
		return nil, errors.New("name is required")
	}

	note, err := n.store.GetNote(ctx, in.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("note %q not found", in.Name)
	}
	if err != nil {
		return nil, err
	}

	body := note.Body
	switch in.Format {
	case "", "markdown":
	case "html":
		var buf bytes.Buffer
		if err := n.md.Convert([]byte(note.Body), &buf); err != nil {
			return nil, fmt.Errorf("rendering note: %w", err)
		}
		body = buf.String()
	default:
		return nil, fmt.Errorf("unknown format %q", in.Format)
	}

	return json.Marshal(map[string]any{
		"name":       note.Name,
		"title":      note.Title,
		"body":       body,
		"updated_at": note.UpdatedAt.Format(time.RFC3339),
	})
}

type writeNoteInput struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

func (n *notesHandlers) Write(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in writeNoteInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Name == "" {
		return nil, errors.New("name is required")
	}

	outline := ParseOutline(n.md, []byte(in.Body))
	note := &store.Note{Name: in.Name, Body: in.Body, Title: outline.Title}
	created, err := n.store.PutNote(ctx, note)
	if err != nil {
		return nil, err
	}

	if n.pub != nil {
		kind := events.KindNoteModified
		if created {
			kind = events.KindNoteCreated
		}
		n.pub.Publish(ctx, events.New(kind, note.Name, map[string]any{
			"name":  note.Name,
			"title": note.Title,
			"size":  len(note.Body),
		}))
		n.pub.Publish(ctx, events.New(events.KindNoteParsed, note.Name, map[string]any{
			"name":     note.Name,
			"title":    outline.Title,
			"headings": toAnySlice(outline.Headings),
			"links":    toAnySlice(outline.Links),
		}))
	}

	return json.Marshal(map[string]any{
		"name":    note.Name,
		"title":   note.Title,
		"created": created,
	})
}

func (n *notesHandlers) List(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
	notes, err := n.store.ListNotes(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(notes))
	for _, note := range notes {
		items = append(items, map[string]any{
			"name":       note.Name,
			"title":      note.Title,
			"updated_at": note.UpdatedAt.Format(time.RFC3339),
		})
	}
	return json.Marshal(map[string]any{"notes": items, "count": len(items)})
}

// Outline is the structure extracted from a markdown note.
type Outline struct {
	Title    string
	Headings []string
	Links    []string
}

// ParseOutline walks the markdown AST. The title is the first level-1
// heading, or the first heading of any level when there is none.
func ParseOutline(md goldmark.Markdown, source []byte) Outline {
	doc := md.Parser().Parse(text.NewReader(source))

	var out Outline
	var firstHeading string
	_ = ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := node.(type) {
		case *ast.Heading:
			title := inlineText(n, source)
			out.Headings = append(out.Headings, title)
			if firstHeading == "" {
				firstHeading = title
			}
			if n.Level == 1 && out.Title == "" {
				out.Title = title
			}
			return ast.WalkSkipChildren, nil
		case *ast.Link:
			out.Links = append(out.Links, string(n.Destination))
		case *ast.AutoLink:
			out.Links = append(out.Links, string(n.URL(source)))
		}
		return ast.WalkContinue, nil
	})
	if out.Title == "" {
		out.Title = firstHeading
	}
	return out
}

// inlineText concatenates the text segments under n.
func inlineText(n ast.Node, source []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		default:
			b.WriteString(inlineText(c, source))
		}
	}
	return strings.TrimSpace(b.String())
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

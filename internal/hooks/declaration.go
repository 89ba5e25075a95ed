// ABOUTME: Line-oriented parser for the attribute comments that declare script hooks and tools.
// ABOUTME: Declarations look like --#[hook(event = "tool:after", pattern = "echo*", priority = 10)].

package hooks

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Default entry function names.
const (
	DefaultHookEntry = "hook"
	DefaultToolEntry = "run"
)

var attributeRe = regexp.MustCompile(`^--#\[\s*([a-z_]+)\s*\((.*)\)\s*\]$`)

// HookDeclaration is a hook declared by a script.
type HookDeclaration struct {
	ID       string
	Event    string
	Pattern  string
	Priority int32
	Entry    string
	Enabled  bool
	Line     int
}

// ToolDeclaration is a tool implemented by a script.
type ToolDeclaration struct {
	Name        string
	Description string
	Schema      json.RawMessage
	Entry       string
	Line        int
}

// Declarations holds everything one script file declares.
type Declarations struct {
	Hooks []HookDeclaration
	Tools []ToolDeclaration
}

// Empty reports whether the file declared nothing.
func (d Declarations) Empty() bool {
	return len(d.Hooks) == 0 && len(d.Tools) == 0
}

// ParseDeclarations extracts declarations from source. path is used in error
// messages and stem supplies the default hook id. Only comment lines of the
// form --#[name(key = value, ...)] are inspected; the rest of the file is
// ignored, so a script with a syntax error still yields its declarations.
func ParseDeclarations(path, stem, source string) (Declarations, error) {
	var decls Declarations

	scanner := bufio.NewScanner(strings.NewReader(source))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "--#[") {
			continue
		}

		m := attributeRe.FindStringSubmatch(line)
		if m == nil {
			return Declarations{}, &MetadataError{Path: path, Line: lineNo, Msg: "malformed attribute"}
		}
		args, err := parseArgs(m[2])
		if err != nil {
			return Declarations{}, &MetadataError{Path: path, Line: lineNo, Msg: err.Error()}
		}

		switch m[1] {
		case "hook":
			h, err := hookFromArgs(args, stem, len(decls.Hooks))
			if err != nil {
				return Declarations{}, &MetadataError{Path: path, Line: lineNo, Msg: err.Error()}
			}
			h.Line = lineNo
			decls.Hooks = append(decls.Hooks, h)
		case "tool":
			t, err := toolFromArgs(args)
			if err != nil {
				return Declarations{}, &MetadataError{Path: path, Line: lineNo, Msg: err.Error()}
			}
			t.Line = lineNo
			decls.Tools = append(decls.Tools, t)
		default:
			return Declarations{}, &MetadataError{Path: path, Line: lineNo, Msg: fmt.Sprintf("unknown attribute %q", m[1])}
		}
	}
	if err := scanner.Err(); err != nil {
		return Declarations{}, &MetadataError{Path: path, Msg: err.Error()}
	}

	seen := make(map[string]bool)
	for _, h := range decls.Hooks {
		if seen[h.ID] {
			return Declarations{}, &MetadataError{Path: path, Line: h.Line, Msg: fmt.Sprintf("duplicate hook id %q", h.ID)}
		}
		seen[h.ID] = true
	}
	return decls, nil
}

// value is a parsed attribute argument: a string, an int64 or a bool.
type value any

func hookFromArgs(args map[string]value, stem string, index int) (HookDeclaration, error) {
	h := HookDeclaration{
		Pattern: "*",
		Entry:   DefaultHookEntry,
		Enabled: true,
	}
	for key, v := range args {
		var err error
		switch key {
		case "id":
			h.ID, err = asString(key, v)
		case "event":
			h.Event, err = asString(key, v)
		case "pattern":
			h.Pattern, err = asString(key, v)
		case "entry":
			h.Entry, err = asString(key, v)
		case "enabled":
			h.Enabled, err = asBool(key, v)
		case "priority":
			h.Priority, err = asPriority(v)
		default:
			err = fmt.Errorf("unknown hook key %q", key)
		}
		if err != nil {
			return HookDeclaration{}, err
		}
	}

	if h.Event == "" {
		return HookDeclaration{}, fmt.Errorf("hook requires event")
	}
	if h.Entry == "" {
		return HookDeclaration{}, fmt.Errorf("entry must not be empty")
	}
	if h.ID == "" {
		h.ID = stem
		if index > 0 {
			h.ID = fmt.Sprintf("%s.%d", stem, index+1)
		}
	}
	return h, nil
}

func toolFromArgs(args map[string]value) (ToolDeclaration, error) {
	t := ToolDeclaration{Entry: DefaultToolEntry}
	var schema string
	for key, v := range args {
		var err error
		switch key {
		case "name":
			t.Name, err = asString(key, v)
		case "description":
			t.Description, err = asString(key, v)
		case "schema":
			schema, err = asString(key, v)
		case "entry":
			t.Entry, err = asString(key, v)
		default:
			err = fmt.Errorf("unknown tool key %q", key)
		}
		if err != nil {
			return ToolDeclaration{}, err
		}
	}

	if t.Name == "" {
		return ToolDeclaration{}, fmt.Errorf("tool requires name")
	}
	if t.Entry == "" {
		return ToolDeclaration{}, fmt.Errorf("entry must not be empty")
	}
	if schema == "" {
		schema = `{"type":"object"}`
	}
	if !json.Valid([]byte(schema)) {
		return ToolDeclaration{}, fmt.Errorf("schema is not valid JSON")
	}
	t.Schema = json.RawMessage(schema)
	return t, nil
}

func asString(key string, v value) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", key)
	}
	return s, nil
}

func asBool(key string, v value) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be true or false", key)
	}
	return b, nil
}

func asPriority(v value) (int32, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("priority must be an integer")
	}
	if n < math.MinInt32 || n > math.MaxInt32 {
		return 0, fmt.Errorf("priority %d out of range", n)
	}
	return int32(n), nil
}

// parseArgs parses `key = value, key = value`. Values are double- or
// single-quoted strings, integers, or true/false.
func parseArgs(s string) (map[string]value, error) {
	args := make(map[string]value)
	p := &argScanner{src: s}

	p.skipSpace()
	for !p.done() {
		key := p.ident()
		if key == "" {
			return nil, fmt.Errorf("expected key at offset %d", p.pos)
		}
		p.skipSpace()
		if !p.consume('=') {
			return nil, fmt.Errorf("expected '=' after %q", key)
		}
		p.skipSpace()
		v, err := p.value()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		if _, dup := args[key]; dup {
			return nil, fmt.Errorf("duplicate key %q", key)
		}
		args[key] = v

		p.skipSpace()
		if p.done() {
			break
		}
		if !p.consume(',') {
			return nil, fmt.Errorf("expected ',' after %q", key)
		}
		p.skipSpace()
	}
	return args, nil
}

type argScanner struct {
	src string
	pos int
}

func (p *argScanner) done() bool { return p.pos >= len(p.src) }

func (p *argScanner) skipSpace() {
	for !p.done() && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *argScanner) consume(c byte) bool {
	if !p.done() && p.src[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *argScanner) ident() string {
	start := p.pos
	for !p.done() {
		c := p.src[p.pos]
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (p.pos > start && c >= '0' && c <= '9') {
			p.pos++
			continue
		}
		break
	}
	return p.src[start:p.pos]
}

func (p *argScanner) value() (value, error) {
	if p.done() {
		return nil, fmt.Errorf("missing value")
	}
	switch c := p.src[p.pos]; {
	case c == '"' || c == '\'':
		return p.quoted(c)
	case c == '-' || (c >= '0' && c <= '9'):
		start := p.pos
		p.pos++
		for !p.done() && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
		n, err := strconv.ParseInt(p.src[start:p.pos], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q", p.src[start:p.pos])
		}
		return n, nil
	default:
		word := p.ident()
		switch word {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("unexpected value %q", word)
	}
}

func (p *argScanner) quoted(q byte) (value, error) {
	p.pos++
	var b strings.Builder
	for !p.done() {
		c := p.src[p.pos]
		switch {
		case c == '\\' && p.pos+1 < len(p.src):
			b.WriteByte(p.src[p.pos+1])
			p.pos += 2
		case c == q:
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return nil, fmt.Errorf("unterminated string")
}

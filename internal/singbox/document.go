package singbox

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/blikh/singbox-panel/internal/directory"
)

// object is a JSON object that keeps its keys in document order. Values
// stay raw so untouched parts of the config survive a rewrite.
type object struct {
	keys   []string
	values map[string]json.RawMessage
}

func (o *object) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}

	o.keys = o.keys[:0]
	o.values = make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		if _, dup := o.values[key]; !dup {
			o.keys = append(o.keys, key)
		}
		o.values[key] = raw
	}
	_, err = dec.Token()
	return err
}

func (o object) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, key := range o.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := encode(key)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		b.Write(o.values[key])
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

func (o *object) get(key string, v any) (bool, error) {
	raw, ok := o.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// set replaces the value in place, or appends the key when it is new.
func (o *object) set(key string, v any) error {
	raw, err := encode(v)
	if err != nil {
		return err
	}
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = raw
	return nil
}

// encode marshals v without HTML escaping, matching what the daemon and
// hand-edited configs contain.
func encode(v any) ([]byte, error) {
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(b.Bytes(), "\n"), nil
}

// Document is a parsed daemon config.
type Document struct {
	root     object
	inbounds []*object
}

func ParseDocument(data []byte) (*Document, error) {
	d := &Document{}
	if err := json.Unmarshal(data, &d.root); err != nil {
		return nil, fmt.Errorf("singbox: parse config: %w", err)
	}
	if _, err := d.root.get("inbounds", &d.inbounds); err != nil {
		return nil, fmt.Errorf("singbox: parse inbounds: %w", err)
	}
	return d, nil
}

// Marshal renders the document with two-space indentation and a trailing
// newline.
func (d *Document) Marshal() ([]byte, error) {
	if d.inbounds != nil {
		if err := d.root.set("inbounds", d.inbounds); err != nil {
			return nil, fmt.Errorf("singbox: encode inbounds: %w", err)
		}
	}
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d.root); err != nil {
		return nil, fmt.Errorf("singbox: encode config: %w", err)
	}
	return b.Bytes(), nil
}

// ApplyUsers rewrites the user list of every credentialed inbound from
// active, in order. It returns the number of inbounds rewritten.
func (d *Document) ApplyUsers(active []directory.User) (int, error) {
	rewritten := 0
	for i, in := range d.inbounds {
		kind, err := classify(in)
		if err != nil {
			return rewritten, fmt.Errorf("singbox: inbound %d: %w", i, err)
		}
		project, ok := projections[kind]
		if !ok {
			continue
		}
		if err := in.set("users", project(active)); err != nil {
			return rewritten, fmt.Errorf("singbox: inbound %d: encode users: %w", i, err)
		}
		rewritten++
	}
	return rewritten, nil
}

// InboundSummary describes one inbound for display.
type InboundSummary struct {
	Tag   string
	Type  string
	Kind  ListenerKind
	Users int
}

func (d *Document) Inbounds() []InboundSummary {
	out := make([]InboundSummary, 0, len(d.inbounds))
	for _, in := range d.inbounds {
		var s InboundSummary
		in.get("tag", &s.Tag)
		in.get("type", &s.Type)
		s.Kind, _ = classify(in)
		var users []json.RawMessage
		in.get("users", &users)
		s.Users = len(users)
		out = append(out, s)
	}
	return out
}

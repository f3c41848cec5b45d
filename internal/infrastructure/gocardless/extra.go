package gocardless

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Extra holds the members of a JSON object that have no typed field, in the
// order the provider sent them. They are written back after the typed fields.
type Extra []Member

// Member is a single key and its undecoded JSON value.
type Member struct {
	Key   string
	Value json.RawMessage
}

// Get returns the raw value stored under key.
func (e Extra) Get(key string) (json.RawMessage, bool) {
	for _, m := range e {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Without returns a copy of e with every member named key removed.
func (e Extra) Without(key string) Extra {
	var out Extra
	for _, m := range e {
		if m.Key != key {
			out = append(out, m)
		}
	}
	return out
}

type fieldSet map[string]struct{}

func fields(names ...string) fieldSet {
	set := make(fieldSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// splitExtra walks the JSON object in data and returns the members whose keys
// are not in known.
func splitExtra(data []byte, known fieldSet) (Extra, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	var extra Extra
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected object key %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode member %q: %w", key, err)
		}
		if _, isKnown := known[key]; isKnown {
			continue
		}
		extra = append(extra, Member{Key: key, Value: raw})
	}

	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return extra, nil
}

// marshalPlain encodes v without HTML escaping and without the trailing newline
// json.Encoder appends.
func marshalPlain(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// encodeWithExtra encodes the typed fields of known and appends the extra
// members to the resulting object.
func encodeWithExtra(known any, extra Extra) ([]byte, error) {
	obj, err := marshalPlain(known)
	if err != nil {
		return nil, err
	}
	return appendMembers(obj, extra)
}

func appendMembers(obj []byte, extra Extra) ([]byte, error) {
	if len(extra) == 0 {
		return obj, nil
	}
	if len(obj) < 2 || obj[0] != '{' || obj[len(obj)-1] != '}' {
		return nil, fmt.Errorf("cannot append members to non-object %s", obj)
	}

	var buf bytes.Buffer
	buf.Grow(len(obj) + 32*len(extra))
	buf.Write(obj[:len(obj)-1])

	needComma := len(bytes.TrimSpace(obj[1:len(obj)-1])) > 0
	for _, m := range extra {
		if needComma {
			buf.WriteByte(',')
		}
		needComma = true

		key, err := marshalPlain(m.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(m.Value) == 0 {
			buf.WriteString("null")
		} else {
			buf.Write(m.Value)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// prependMember returns obj with key:value inserted as its first member.
func prependMember(obj []byte, key string, value any) ([]byte, error) {
	if len(obj) < 2 || obj[0] != '{' || obj[len(obj)-1] != '}' {
		return nil, fmt.Errorf("cannot prepend member to non-object %s", obj)
	}
	k, err := marshalPlain(key)
	if err != nil {
		return nil, err
	}
	v, err := marshalPlain(value)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(obj) + len(k) + len(v) + 2)
	buf.WriteByte('{')
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(v)
	if len(bytes.TrimSpace(obj[1:len(obj)-1])) > 0 {
		buf.WriteByte(',')
	}
	buf.Write(obj[1:])
	return buf.Bytes(), nil
}

package diff

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Map is a string map that remembers insertion order.
// Slot values are kept in the order their placeholders appear in the template.
// The zero value is not usable; use NewMap. A nil *Map reads as empty.
type Map struct {
	keys   []string
	values map[string]string
}

func NewMap() *Map {
	return &Map{values: make(map[string]string)}
}

// MapOf builds a map from alternating key/value pairs.
func MapOf(pairs ...string) *Map {
	m := NewMap()
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Set(pairs[i], pairs[i+1])
	}
	return m
}

func (m *Map) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	val, ok := m.values[key]
	return val, ok
}

// Set stores the value. New keys are appended; existing keys keep their position.
func (m *Map) Set(key, value string) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

func (m *Map) Delete(key string) {
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Keys returns a copy of the keys in order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.keys...)
}

// Range calls fn for each entry in order until fn returns false.
func (m *Map) Range(fn func(key, value string) bool) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		if !fn(k, m.values[k]) {
			return
		}
	}
}

func (m *Map) Clone() *Map {
	c := NewMap()
	m.Range(func(k, v string) bool {
		c.Set(k, v)
		return true
	})
	return c
}

// Equal reports whether both maps hold the same entries, ignoring order.
func (m *Map) Equal(o *Map) bool {
	if m.Len() != o.Len() {
		return false
	}
	equal := true
	m.Range(func(k, v string) bool {
		ov, ok := o.Get(k)
		equal = ok && ov == v
		return equal
	})
	return equal
}

// ToMap returns an unordered copy.
func (m *Map) ToMap() map[string]string {
	out := make(map[string]string, m.Len())
	m.Range(func(k, v string) bool {
		out[k] = v
		return true
	})
	return out
}

func (m *Map) String() string {
	var b strings.Builder
	b.WriteString("{")
	m.Range(func(k, v string) bool {
		if b.Len() > 1 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s:%q", k, v)
		return true
	})
	b.WriteString("}")
	return b.String()
}

// MarshalJSON encodes the map as a JSON object in key order.
func (m *Map) MarshalJSON() ([]byte, error) {
	out := []byte("{}")
	var err error
	m.Range(func(k, v string) bool {
		out, err = sjson.SetBytes(out, escapePath(k), v)
		return err == nil
	})
	return out, err
}

// UnmarshalJSON decodes a flat JSON object of strings, keeping key order.
func (m *Map) UnmarshalJSON(b []byte) error {
	if !gjson.ValidBytes(b) {
		return fmt.Errorf("invalid json")
	}
	res := gjson.ParseBytes(b)
	if !res.IsObject() {
		return fmt.Errorf("expected json object, got %s", res.Type)
	}
	parsed := NewMap()
	var err error
	res.ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.String {
			err = fmt.Errorf("value of %q is %s, not a string", key.String(), value.Type)
			return false
		}
		parsed.Set(key.String(), value.String())
		return true
	})
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}

// escapePath escapes sjson path syntax so any key is set literally.
func escapePath(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch r {
		case '.', '*', '?', '|', '#', '@', '\\', ':', '!', '=', '<', '>', '%':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

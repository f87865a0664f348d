// Package diff splits marked HTML documents into a template and dynamic
// slot data, merges incremental slot updates and renders documents back.
//
// Two marker syntaxes are recognized:
//
//	<span data-slot="time">9:00</span>
//	<!--sonicdiff-time-->9:00<!--sonicdiff-time-end-->
//
// The content between the markers is the slot value; the template keeps the
// markers and replaces the content with a placeholder comment.
package diff

import (
	"bytes"
	"regexp"

	hashutil "github.com/always-cache/sonic/pkg/hash-util"
	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

const (
	placeholderName   = "sonic-slot:"
	placeholderPrefix = "<!--" + placeholderName
	placeholderSuffix = "-->"

	// TitleSlot is the implicit slot holding the document title.
	TitleSlot = "title"
)

var slotIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// ValidSlotID reports whether id can name a slot.
func ValidSlotID(id string) bool {
	return slotIDPattern.MatchString(id)
}

// Document is a split HTML document.
type Document struct {
	Template []byte
	Data     *Map
}

// Placeholder returns the template placeholder for a slot.
func Placeholder(id string) string {
	return placeholderPrefix + id + placeholderSuffix
}

// TemplateTag returns the tag that identifies a template version.
func TemplateTag(template []byte) string {
	return hashutil.ContentHash(template)
}

// Render substitutes every placeholder in template with its slot value.
// Slots present in data but not in the template are ignored.
func Render(template []byte, data *Map) ([]byte, error) {
	var out bytes.Buffer
	out.Grow(len(template))
	rest := template
	for {
		i := bytes.Index(rest, []byte(placeholderPrefix))
		if i < 0 {
			out.Write(rest)
			return out.Bytes(), nil
		}
		out.Write(rest[:i])
		rest = rest[i+len(placeholderPrefix):]
		j := bytes.Index(rest, []byte(placeholderSuffix))
		if j < 0 {
			return nil, sonicerr.New(sonicerr.BuildHtmlFailed, "render", "unterminated placeholder")
		}
		id := string(rest[:j])
		val, ok := data.Get(id)
		if !ok {
			return nil, sonicerr.New(sonicerr.BuildHtmlFailed, "render", "no value for slot %q", id)
		}
		out.WriteString(val)
		rest = rest[j+len(placeholderSuffix):]
	}
}

// Slots returns the slot ids referenced by template, in order.
func Slots(template []byte) []string {
	var ids []string
	rest := template
	for {
		i := bytes.Index(rest, []byte(placeholderPrefix))
		if i < 0 {
			return ids
		}
		rest = rest[i+len(placeholderPrefix):]
		j := bytes.Index(rest, []byte(placeholderSuffix))
		if j < 0 {
			return ids
		}
		ids = append(ids, string(rest[:j]))
		rest = rest[j+len(placeholderSuffix):]
	}
}

// Merge applies update on top of existing.
// It returns a new merged map and the entries whose value was added or
// changed; keys missing from update keep their existing value.
// Neither argument is modified.
func Merge(update, existing *Map) (merged, changed *Map) {
	merged = existing.Clone()
	changed = NewMap()
	update.Range(func(k, v string) bool {
		if old, ok := existing.Get(k); !ok || old != v {
			merged.Set(k, v)
			changed.Set(k, v)
		}
		return true
	})
	return merged, changed
}

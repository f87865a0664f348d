package diff

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

// Update is a data-only update sent by the server.
type Update struct {
	// Slot values to merge.
	Data *Map
	// SHA-1 of the document after the update, if the server sent it.
	HTMLSha1 string
	// Template tag the update applies to, if the server sent it.
	TemplateTag string
}

// ParseUpdate parses a data-update payload.
// Both the envelope form
//
//	{"data": {"{t}": "9:05"}, "html-sha1": "...", "template-tag": "..."}
//
// and a flat object of slot values are accepted. Brace-wrapped keys are
// unwrapped. The payload must be an object whose slot values are all strings.
func ParseUpdate(body []byte) (Update, error) {
	upd, err := parseUpdate(body)
	if err != nil {
		return Update{}, sonicerr.Wrap(sonicerr.MergeDiffFailed, "parse update", "", err)
	}
	return upd, nil
}

func parseUpdate(body []byte) (Update, error) {
	if !gjson.ValidBytes(body) {
		return Update{}, fmt.Errorf("payload is not valid json")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Update{}, fmt.Errorf("payload is %s, not an object", root.Type)
	}
	var upd Update
	data := root
	if inner := root.Get("data"); inner.IsObject() {
		data = inner
		upd.HTMLSha1 = root.Get("html-sha1").String()
		upd.TemplateTag = root.Get("template-tag").String()
	}
	upd.Data = NewMap()
	var err error
	data.ForEach(func(key, value gjson.Result) bool {
		id := unwrapKey(key.String())
		if !ValidSlotID(id) {
			err = fmt.Errorf("invalid slot id %q", key.String())
			return false
		}
		if value.Type != gjson.String {
			err = fmt.Errorf("value of slot %q is %s, not a string", id, value.Type)
			return false
		}
		upd.Data.Set(id, value.String())
		return true
	})
	if err != nil {
		return Update{}, err
	}
	return upd, nil
}

func unwrapKey(key string) string {
	if strings.HasPrefix(key, "{") && strings.HasSuffix(key, "}") && len(key) > 2 {
		return key[1 : len(key)-1]
	}
	return key
}

// WrapKeys returns a copy of m with every key wrapped in braces, which is
// how slot keys travel on the wire.
func WrapKeys(m *Map) *Map {
	out := NewMap()
	m.Range(func(k, v string) bool {
		out.Set("{"+k+"}", v)
		return true
	})
	return out
}

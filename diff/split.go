package diff

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

const (
	slotAttr        = "data-slot"
	commentMarker   = "sonicdiff"
	commentEnd      = "end"
	autoSlotPrefix  = "auto"
	markerSeparator = "-"
)

var ErrNoMarkers = errors.New("document has no slot markers")

// elements that cannot hold slot content
var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// segment is a byte range of the input. Slot segments become placeholders.
type segment struct {
	start, end int
	slot       string
	implicit   bool
}

type region struct {
	slot    string
	rawID   string
	comment bool
	tag     string
	depth   int
	start   int
}

type splitter struct {
	input    []byte
	segs     []segment
	litStart int
	open     *region
	seen     map[string]bool
	auto     int
	explicit int

	titleStart int
	inTitle    bool
	titleDone  bool
}

// Split parses a marked HTML document into a template and its slot data.
// It guarantees that Render(doc.Template, doc.Data) returns input unchanged.
func Split(input []byte) (Document, error) {
	s := &splitter{
		input: input,
		seen:  make(map[string]bool),
	}
	doc, err := s.split()
	if err != nil {
		return Document{}, sonicerr.Wrap(sonicerr.SplitHtmlFailed, "split", "", err)
	}
	return doc, nil
}

func (s *splitter) split() (Document, error) {
	z := html.NewTokenizer(bytes.NewReader(s.input))
	offset := 0
	for {
		tt := z.Next()
		start := offset
		offset += len(z.Raw())
		if tt == html.ErrorToken {
			if errors.Is(z.Err(), io.EOF) {
				break
			}
			return Document{}, z.Err()
		}
		var err error
		if s.open == nil {
			err = s.outside(z, tt, start, offset)
		} else {
			err = s.inside(z, tt, start)
		}
		if err != nil {
			return Document{}, err
		}
	}
	if s.open != nil {
		return Document{}, fmt.Errorf("slot %q is not closed", s.open.slot)
	}
	if s.explicit == 0 {
		return Document{}, ErrNoMarkers
	}
	if offset != len(s.input) {
		return Document{}, fmt.Errorf("tokenizer stopped at byte %d of %d", offset, len(s.input))
	}
	s.segs = append(s.segs, segment{start: s.litStart, end: len(s.input)})
	return s.document()
}

// outside handles a token that is not part of any slot region.
func (s *splitter) outside(z *html.Tokenizer, tt html.TokenType, start, end int) error {
	switch tt {
	case html.CommentToken:
		text := strings.TrimSpace(string(z.Text()))
		if strings.HasPrefix(text, placeholderName) {
			return fmt.Errorf("document already contains a slot placeholder")
		}
		rawID, closing, ok := parseCommentMarker(text)
		if !ok {
			return nil
		}
		if closing {
			return fmt.Errorf("closing marker %q without opening marker", text)
		}
		id, err := s.claim(rawID)
		if err != nil {
			return err
		}
		s.open = &region{slot: id, rawID: rawID, comment: true, start: end}
	case html.StartTagToken, html.SelfClosingTagToken:
		name, hasAttr := z.TagName()
		tag := string(name)
		rawID, ok := slotAttribute(z, hasAttr)
		if !ok {
			if tag == "title" && tt == html.StartTagToken && !s.titleDone {
				s.inTitle = true
				s.titleStart = end
			}
			return nil
		}
		if voidElements[tag] || tt == html.SelfClosingTagToken {
			return fmt.Errorf("slot %q is on an element without content (%s)", rawID, tag)
		}
		id, err := s.claim(rawID)
		if err != nil {
			return err
		}
		s.open = &region{slot: id, rawID: rawID, tag: tag, start: end}
	case html.EndTagToken:
		name, _ := z.TagName()
		if s.inTitle && string(name) == "title" {
			s.inTitle = false
			s.titleDone = true
			s.cut(segment{start: s.titleStart, end: start, slot: TitleSlot, implicit: true})
		}
	}
	return nil
}

// inside handles a token within the open slot region.
func (s *splitter) inside(z *html.Tokenizer, tt html.TokenType, start int) error {
	r := s.open
	if r.comment {
		if tt != html.CommentToken {
			return nil
		}
		rawID, closing, ok := parseCommentMarker(strings.TrimSpace(string(z.Text())))
		if !ok {
			return nil
		}
		if !closing {
			return fmt.Errorf("marker %q opened inside slot %q", rawID, r.slot)
		}
		if rawID != r.rawID {
			return fmt.Errorf("marker %q closes slot %q", rawID, r.slot)
		}
		s.close(start)
		return nil
	}
	switch tt {
	case html.StartTagToken:
		if name, _ := z.TagName(); string(name) == r.tag {
			r.depth++
		}
	case html.EndTagToken:
		if name, _ := z.TagName(); string(name) == r.tag {
			if r.depth == 0 {
				s.close(start)
			} else {
				r.depth--
			}
		}
	}
	return nil
}

// claim resolves and reserves a slot id.
func (s *splitter) claim(rawID string) (string, error) {
	id := rawID
	if id == "" {
		id = fmt.Sprintf("%s%d", autoSlotPrefix, s.auto)
		s.auto++
	}
	if !ValidSlotID(id) {
		return "", fmt.Errorf("invalid slot id %q", id)
	}
	if s.seen[id] {
		return "", fmt.Errorf("duplicate slot id %q", id)
	}
	s.seen[id] = true
	s.explicit++
	return id, nil
}

func (s *splitter) close(end int) {
	s.cut(segment{start: s.open.start, end: end, slot: s.open.slot})
	s.open = nil
}

// cut records the literal bytes before a slot region and the region itself.
func (s *splitter) cut(slot segment) {
	s.segs = append(s.segs, segment{start: s.litStart, end: slot.start}, slot)
	s.litStart = slot.end
}

func (s *splitter) document() (Document, error) {
	var template bytes.Buffer
	data := NewMap()
	slots := 0
	for _, seg := range s.segs {
		if seg.slot == "" || (seg.implicit && s.seen[seg.slot]) {
			template.Write(s.input[seg.start:seg.end])
			continue
		}
		template.WriteString(Placeholder(seg.slot))
		data.Set(seg.slot, string(s.input[seg.start:seg.end]))
		slots++
	}
	if n := bytes.Count(template.Bytes(), []byte(placeholderPrefix)); n != slots {
		return Document{}, fmt.Errorf("template holds %d placeholders for %d slots", n, slots)
	}
	doc := Document{Template: template.Bytes(), Data: data}
	rendered, err := Render(doc.Template, doc.Data)
	if err != nil {
		return Document{}, err
	}
	if !bytes.Equal(rendered, s.input) {
		return Document{}, fmt.Errorf("rendered template does not reproduce the document")
	}
	return doc, nil
}

// parseCommentMarker parses the text of a `<!--sonicdiff-id-->` or
// `<!--sonicdiff-id-end-->` comment.
func parseCommentMarker(text string) (id string, closing bool, ok bool) {
	rest, found := strings.CutPrefix(text, commentMarker)
	if !found {
		return "", false, false
	}
	rest = strings.TrimPrefix(rest, markerSeparator)
	if rest == commentEnd {
		return "", true, true
	}
	if id, found := strings.CutSuffix(rest, markerSeparator+commentEnd); found {
		return id, true, true
	}
	return rest, false, true
}

func slotAttribute(z *html.Tokenizer, hasAttr bool) (string, bool) {
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		if string(key) == slotAttr {
			return string(val), true
		}
	}
	return "", false
}

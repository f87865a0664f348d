package sonic

import (
	"net/http"
	"strings"

	"github.com/always-cache/sonic/cache"
	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

// Outcome is the kind of answer the server gave, relative to the cached item.
// The values are the codes reported to pages.
type Outcome int

const (
	OutcomeNone    Outcome = 0
	FirstLoad      Outcome = 1000
	DataUpdate     Outcome = 200
	TemplateUpdate Outcome = 2000
	AllCached      Outcome = 304
)

func (o Outcome) String() string {
	switch o {
	case FirstLoad:
		return "first-load"
	case DataUpdate:
		return "data-update"
	case TemplateUpdate:
		return "template-update"
	case AllCached:
		return "all-cached"
	}
	return "none"
}

// classify decides the outcome of a response to a request sent with
// sentETag as If-None-Match. prior is the cached item, if any.
func classify(res *Response, prior *cache.Item, sentETag string) (Outcome, error) {
	switch {
	case res.StatusCode == http.StatusNotModified:
		if prior == nil {
			return OutcomeNone, sonicerr.New(sonicerr.ServerDataInvalid, "classify", "304 without a cached item")
		}
		return AllCached, nil
	case res.StatusCode != http.StatusOK:
		return OutcomeNone, sonicerr.New(sonicerr.ServerDataInvalid, "classify", "unexpected status %d", res.StatusCode)
	case prior == nil:
		return FirstLoad, nil
	case sentETag != "" && cache.NormalizeETag(res.Header.Get("Etag")) == sentETag:
		return AllCached, nil
	}
	switch change := strings.ToLower(strings.TrimSpace(res.Header.Get("template-change"))); change {
	case "false", "0":
		return DataUpdate, nil
	case "":
		if tag := res.Header.Get("template-tag"); tag != "" && tag != prior.TemplateTag {
			return TemplateUpdate, nil
		}
		return OutcomeNone, sonicerr.New(sonicerr.ServerDataInvalid, "classify", "template-change missing and template-tag unchanged")
	default:
		return TemplateUpdate, nil
	}
}

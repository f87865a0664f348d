package cache

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/sonic/configstore"
	"github.com/always-cache/sonic/diff"
	hashutil "github.com/always-cache/sonic/pkg/hash-util"
	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

// Now advances the clock by one second per call, so timestamps are ordered.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig(t *testing.T, root string) (Config, *fakeClock) {
	logger := zerolog.Nop()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig(root)
	cfg.Logger = &logger
	cfg.Clock = clock.Now
	return cfg, clock
}

func openStore(t *testing.T, mutate ...func(*Config)) (*Store, *fakeClock) {
	cfg, clock := testConfig(t, t.TempDir())
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

const page = `<html><span data-slot="t">9:00</span></html>`

func TestFirstLoad(t *testing.T) {
	s, _ := openStore(t)
	item, err := s.Get("u")
	require.NoError(t, err)
	assert.Nil(t, item)

	header := http.Header{}
	header.Set("Content-Type", "text/html")
	header.Set("Set-Cookie", "secret=1")
	item, err = s.PutFirstLoad("u", []byte(page), header)
	require.NoError(t, err)
	assert.Equal(t, page, string(item.HTML))
	assert.Equal(t, `<html><span data-slot="t"><!--sonic-slot:t--></span></html>`, string(item.Template))
	assert.True(t, item.Data.Equal(diff.MapOf("t", "9:00")))
	assert.Equal(t, hashutil.ContentHash([]byte(page)), item.ContentHash)
	assert.Equal(t, item.ContentHash, item.ETag)
	assert.Equal(t, diff.TemplateTag(item.Template), item.TemplateTag)
	assert.Empty(t, item.Header.Get("Set-Cookie"))

	got, err := s.Get("u")
	require.NoError(t, err)
	assert.Equal(t, page, string(got.HTML))
}

func TestDataUpdate(t *testing.T) {
	s, _ := openStore(t)
	first, err := s.PutFirstLoad("u", []byte(page), http.Header{"Content-Type": {"text/html"}})
	require.NoError(t, err)

	upd := diff.Update{Data: diff.MapOf("t", "9:05")}
	item, changed, err := s.PutUpdate("u", upd, http.Header{"Content-Type": {"application/json"}})
	require.NoError(t, err)
	assert.True(t, changed.Equal(diff.MapOf("t", "9:05")))
	assert.Equal(t, `<html><span data-slot="t">9:05</span></html>`, string(item.HTML))
	assert.True(t, item.LocalRefreshTime.After(first.LocalRefreshTime))
	assert.Equal(t, "text/html", item.Header.Get("Content-Type"))

	// same update again changes nothing
	_, changed, err = s.PutUpdate("u", upd, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, changed.Len())
}

func TestDataUpdateWithoutItem(t *testing.T) {
	s, _ := openStore(t)
	_, _, err := s.PutUpdate("u", diff.Update{Data: diff.MapOf("t", "1")}, nil)
	assert.Equal(t, sonicerr.ServerDataInvalid, sonicerr.KindOf(err))
}

func TestDataUpdateIgnoresUnknownSlot(t *testing.T) {
	var logs bytes.Buffer
	s, _ := openStore(t, func(c *Config) {
		logger := zerolog.New(&logs)
		c.Logger = &logger
	})
	_, err := s.PutFirstLoad("u", []byte(page), nil)
	require.NoError(t, err)
	item, changed, err := s.PutUpdate("u", diff.Update{Data: diff.MapOf("other", "1", "t", "9:05")}, nil)
	require.NoError(t, err)
	assert.True(t, changed.Equal(diff.MapOf("t", "9:05")))
	assert.Equal(t, []string{"t"}, item.Data.Keys())
	assert.Equal(t, `<html><span data-slot="t">9:05</span></html>`, string(item.HTML))
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), `"slots":["other"]`)
}

func TestBuildUpdateReportsIgnoredKeys(t *testing.T) {
	s, _ := openStore(t)
	item, err := s.PutFirstLoad("u", []byte(page), nil)
	require.NoError(t, err)
	rebuilt, err := BuildUpdate(item, diff.Update{Data: diff.MapOf("nope", "x")})
	require.NoError(t, err)
	assert.Equal(t, []string{"nope"}, rebuilt.Ignored)
	assert.Equal(t, 0, rebuilt.Changed.Len())
	assert.Equal(t, page, string(rebuilt.HTML))
}

func TestDataUpdateVerifiesDeclaredHash(t *testing.T) {
	s, _ := openStore(t)
	_, err := s.PutFirstLoad("u", []byte(page), nil)
	require.NoError(t, err)

	_, _, err = s.PutUpdate("u", diff.Update{Data: diff.MapOf("t", "9:05"), HTMLSha1: "bogus"}, nil)
	assert.Equal(t, sonicerr.HtmlVerifyFailed, sonicerr.KindOf(err))
	item, _ := s.Get("u")
	assert.Nil(t, item)

	_, err = s.PutFirstLoad("u", []byte(page), nil)
	require.NoError(t, err)
	want := `<html><span data-slot="t">9:05</span></html>`
	_, _, err = s.PutUpdate("u", diff.Update{
		Data:     diff.MapOf("t", "9:05"),
		HTMLSha1: hashutil.ContentHash([]byte(want)),
	}, nil)
	require.NoError(t, err)
}

func TestFirstLoadSplitFailureRemovesItem(t *testing.T) {
	s, _ := openStore(t)
	_, err := s.PutFirstLoad("u", []byte(page), nil)
	require.NoError(t, err)
	_, err = s.PutTemplateChange("u", []byte("<p>no markers</p>"), nil)
	assert.Equal(t, sonicerr.SplitHtmlFailed, sonicerr.KindOf(err))
	var serr *sonicerr.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "u", serr.ID)
	item, _ := s.Get("u")
	assert.Nil(t, item)
}

func TestTemplateChangeReplacesItem(t *testing.T) {
	s, _ := openStore(t)
	_, err := s.PutFirstLoad("u", []byte(page), nil)
	require.NoError(t, err)
	next := `<html><b>new</b><i data-slot="x">1</i></html>`
	item, err := s.PutTemplateChange("u", []byte(next), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, item.Data.Keys())
	got, _ := s.Get("u")
	assert.Equal(t, next, string(got.HTML))
}

func TestTouch(t *testing.T) {
	s, _ := openStore(t)
	first, err := s.PutFirstLoad("u", []byte(page), nil)
	require.NoError(t, err)
	touched, err := s.Touch("u", http.Header{"Cache-Control": {"max-age=60"}})
	require.NoError(t, err)
	assert.True(t, touched.LocalRefreshTime.After(first.LocalRefreshTime))
	assert.Equal(t, int64(1), touched.HitCount)
	assert.False(t, touched.Expired(touched.LocalRefreshTime))
	assert.Equal(t, first.HTML, touched.HTML)

	missing, err := s.Touch("missing", nil)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestHeadersFromResponse(t *testing.T) {
	s, _ := openStore(t)
	header := http.Header{}
	header.Set("Etag", `W/"abc"`)
	header.Set("Template-Tag", "tt")
	header.Set("Content-Security-Policy", "default-src 'self'")
	header.Set("Cache-Control", "max-age=3600")
	item, err := s.PutFirstLoad("u", []byte(page), header)
	require.NoError(t, err)
	assert.Equal(t, "abc", item.ETag)
	assert.Equal(t, "tt", item.TemplateTag)
	assert.Equal(t, DefaultMaxCacheAge, item.CacheExpireTime.Sub(item.LocalRefreshTime))
	served := item.ResponseHeader()
	assert.Equal(t, "default-src 'self'", served.Get("Content-Security-Policy"))
	assert.Empty(t, served.Get("Etag"))
	assert.Empty(t, served.Get("Cache-Control"))
}

func TestDeclaredHashOnFirstLoad(t *testing.T) {
	s, _ := openStore(t)
	_, err := s.PutFirstLoad("u", []byte(page), http.Header{"Html-Sha1": {"wrong"}})
	assert.Equal(t, sonicerr.HtmlVerifyFailed, sonicerr.KindOf(err))
}

func TestHydrateAfterReopen(t *testing.T) {
	root := t.TempDir()
	cfg, _ := testConfig(t, root)
	s, err := Open(cfg)
	require.NoError(t, err)
	stored, err := s.PutFirstLoad("u", []byte(page), http.Header{"Content-Type": {"text/html"}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	assert.False(t, s.InMemory("u"))
	item, err := s.Get("u")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.True(t, s.InMemory("u"))
	assert.Equal(t, stored.HTML, item.HTML)
	assert.Equal(t, stored.ETag, item.ETag)
	assert.Equal(t, "text/html", item.Header.Get("Content-Type"))
	assert.Equal(t, []string{"t"}, item.Data.Keys())
}

func TestUnreadableHeaderIsLogged(t *testing.T) {
	root := t.TempDir()
	cfg, _ := testConfig(t, root)
	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	cfg.Logger = &logger
	s, err := Open(cfg)
	require.NoError(t, err)
	_, err = s.PutFirstLoad("u", []byte(page), http.Header{"Content-Type": {"text/html"}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, os.WriteFile(filepath.Join(root, "sessions", "u", headerFile), []byte("{not: [yaml"), 0o644))
	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	item, err := s.Get("u")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, page, string(item.HTML))
	assert.Empty(t, item.Header.Get("Content-Type"))
	assert.Contains(t, logs.String(), "Ignoring unreadable response headers")
}

func TestCorruptFilesAreRemoved(t *testing.T) {
	cases := map[string]struct {
		file    string
		content string
		kind    sonicerr.Kind
	}{
		"tampered template": {templateFile, `<html><span data-slot="t"><!--sonic-slot:t--></span>!</html>`, sonicerr.HtmlVerifyFailed},
		"broken data":       {dataFile, `{"t":`, sonicerr.BuildHtmlFailed},
		"missing slot":      {dataFile, `{}`, sonicerr.BuildHtmlFailed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			root := t.TempDir()
			cfg, _ := testConfig(t, root)
			s, err := Open(cfg)
			require.NoError(t, err)
			_, err = s.PutFirstLoad("u", []byte(page), nil)
			require.NoError(t, err)
			require.NoError(t, s.Close())

			require.NoError(t, os.WriteFile(filepath.Join(root, "sessions", "u", tc.file), []byte(tc.content), 0o644))
			s, err = Open(cfg)
			require.NoError(t, err)
			defer s.Close()
			_, err = s.Get("u")
			assert.Equal(t, tc.kind, sonicerr.KindOf(err))
			item, err := s.Get("u")
			require.NoError(t, err)
			assert.Nil(t, item)
			_, statErr := os.Stat(filepath.Join(root, "sessions", "u"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestRemoveAndClearAll(t *testing.T) {
	s, _ := openStore(t)
	for _, id := range []string{"a", "b"} {
		_, err := s.PutFirstLoad(id, []byte(page), nil)
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkSonicDisabled("c", time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, s.Remove("a"))
	item, _ := s.Get("a")
	assert.Nil(t, item)
	item, _ = s.Get("b")
	assert.NotNil(t, item)

	require.NoError(t, s.ClearAll())
	item, _ = s.Get("b")
	assert.Nil(t, item)
	assert.True(t, s.IsSonicDisabled("c"))
}

func TestMemoryTierIsBounded(t *testing.T) {
	s, _ := openStore(t, func(c *Config) { c.MaxMemoryItems = 2 })
	for _, id := range []string{"a", "b", "c"} {
		_, err := s.PutFirstLoad(id, []byte(page), nil)
		require.NoError(t, err)
	}
	assert.False(t, s.InMemory("a"))
	assert.True(t, s.InMemory("b"))
	assert.True(t, s.InMemory("c"))
	// evicted items hydrate from disk
	item, err := s.Get("a")
	require.NoError(t, err)
	assert.Equal(t, page, string(item.HTML))
}

func TestDisable(t *testing.T) {
	root := t.TempDir()
	cfg, clock := testConfig(t, root)
	cfg.Provider = configstore.NewMemory()
	s, err := Open(cfg)
	require.NoError(t, err)
	assert.False(t, s.IsSonicDisabled("u"))
	until := clock.Now().Add(6 * time.Hour)
	require.NoError(t, s.MarkSonicDisabled("u", until))
	assert.True(t, s.IsSonicDisabled("u"))
	require.NoError(t, s.Close())

	// the disable list file restores marks into a fresh config table
	cfg.Provider = configstore.NewMemory()
	s, err = Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	assert.True(t, s.IsSonicDisabled("u"))
	got, ok := s.DisabledUntil("u")
	assert.True(t, ok)
	assert.True(t, got.Equal(until))

	clock.Advance(6 * time.Hour)
	assert.False(t, s.IsSonicDisabled("u"))
}

func bigPage(i int) []byte {
	return []byte(fmt.Sprintf(`<html>%s<p data-slot="v">%d %s</p></html>`,
		strings.Repeat("s", 400), i, strings.Repeat("d", 400)))
}

func TestTrimRespectsBounds(t *testing.T) {
	s, _ := openStore(t, func(c *Config) { c.MaxSize = 10_000 })
	var ids []string
	for i := 0; i < 14; i++ {
		id := fmt.Sprintf("s%02d", i)
		ids = append(ids, id)
		_, err := s.PutFirstLoad(id, bigPage(i), nil)
		require.NoError(t, err)
	}
	// refresh the oldest so it survives
	_, err := s.Touch("s00", nil)
	require.NoError(t, err)

	res, err := s.Trim(false)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Greater(t, res.Before, int64(8_000))
	assert.LessOrEqual(t, res.After, int64(2_000))
	assert.NotContains(t, res.Removed, "s00")
	assert.Equal(t, "s01", res.Removed[0])
	for _, id := range res.Removed {
		item, err := s.Get(id)
		require.NoError(t, err)
		assert.Nil(t, item, id)
	}
	item, err := s.Get("s00")
	require.NoError(t, err)
	assert.NotNil(t, item)

	// the pass is rate limited unless forced
	res, err = s.Trim(false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestTrimBelowWarningIsNoop(t *testing.T) {
	s, _ := openStore(t, func(c *Config) { c.MaxSize = 100_000 })
	for i := 0; i < 3; i++ {
		_, err := s.PutFirstLoad(fmt.Sprintf("s%d", i), bigPage(i), nil)
		require.NoError(t, err)
	}
	res, err := s.Trim(true)
	require.NoError(t, err)
	assert.Empty(t, res.Removed)
	assert.Equal(t, res.Before, res.After)
}

func TestTrimRemovesOrphansFirst(t *testing.T) {
	s, _ := openStore(t, func(c *Config) { c.MaxSize = 5_000 })
	_, err := s.PutFirstLoad("kept", bigPage(0), nil)
	require.NoError(t, err)
	orphan := filepath.Join(s.sessionsDir, "orphan")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orphan, templateFile), make([]byte, 3_500), 0o644))

	res, err := s.Trim(true)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, res.Removed)
}

// readers never see a template without its data while updates run
func TestConcurrentReadsDuringUpdates(t *testing.T) {
	s, _ := openStore(t, func(c *Config) { c.MaxMemoryItems = 1 })
	_, err := s.PutFirstLoad("u", []byte(page), nil)
	require.NoError(t, err)
	_, err = s.PutFirstLoad("other", []byte(page), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 30; i++ {
			id := []string{"u", "other"}[i%2]
			if _, _, err := s.PutUpdate(id, diff.Update{Data: diff.MapOf("t", fmt.Sprintf("%d", i))}, nil); err != nil {
				errs <- err
			}
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 30; i++ {
				item, err := s.Get("u")
				if err != nil {
					errs <- err
					continue
				}
				rendered, err := diff.Render(item.Template, item.Data)
				if err != nil || string(rendered) != string(item.HTML) || hashutil.ContentHash(rendered) != item.ContentHash {
					errs <- fmt.Errorf("inconsistent item: %s", item.HTML)
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClosedStore(t *testing.T) {
	cfg, _ := testConfig(t, t.TempDir())
	s, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	_, err = s.Get("u")
	assert.ErrorIs(t, err, ErrClosed)
}

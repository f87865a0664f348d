package resource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hashutil "github.com/always-cache/sonic/pkg/hash-util"
	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

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

func openCache(t *testing.T, mutate ...func(*Config)) (*Cache, *fakeClock) {
	logger := zerolog.Nop()
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig(t.TempDir())
	cfg.Logger = &logger
	cfg.Clock = clock.Now
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, clock
}

func staticFetcher(body string, calls *atomic.Int32) Fetcher {
	return func(ctx context.Context, url string) ([]byte, http.Header, error) {
		if calls != nil {
			calls.Add(1)
		}
		h := http.Header{}
		h.Set("Content-Type", "text/css")
		return []byte(body), h, nil
	}
}

func TestPutGet(t *testing.T) {
	c, _ := openCache(t)
	const u = "https://cdn.example.com/app.css"
	assert.False(t, c.Has(u))
	e, err := c.Get(u)
	require.NoError(t, err)
	assert.Nil(t, e)

	h := http.Header{}
	h.Set("Content-Type", "text/css")
	h.Set("Set-Cookie", "a=1")
	_, err = c.Put(u, []byte("body{}"), h, Meta{})
	require.NoError(t, err)
	assert.True(t, c.Has(u))

	e, err = c.Get(u)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "body{}", string(e.Body))
	assert.Equal(t, hashutil.ResourceID(u), e.ID)
	assert.Equal(t, hashutil.ContentHash([]byte("body{}")), e.ContentHash)
	assert.Equal(t, "text/css", e.Header.Get("Content-Type"))
	assert.Empty(t, e.Header.Get("Set-Cookie"))
	assert.Equal(t, int64(6), e.Meta.Size)
	assert.True(t, e.Meta.ExpireTime.IsZero())

	require.NoError(t, c.Remove(u))
	assert.False(t, c.Has(u))
}

func TestExpiryFromURL(t *testing.T) {
	c, clock := openCache(t)
	const u = "https://cdn.example.com/app.js?max-age=60"
	e, err := c.Put(u, []byte("x"), nil, Meta{})
	require.NoError(t, err)
	assert.False(t, e.Meta.ExpireTime.IsZero())
	assert.True(t, c.Has(u))

	clock.Advance(2 * time.Minute)
	assert.False(t, c.Has(u))
	got, err := c.Get(u)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCorruptBodyIsMiss(t *testing.T) {
	c, _ := openCache(t)
	const u = "https://cdn.example.com/a.png"
	_, err := c.Put(u, []byte("png"), nil, Meta{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(c.bodyPath(hashutil.ResourceID(u)), []byte("tampered"), 0o644))

	e, err := c.Get(u)
	require.NoError(t, err)
	assert.Nil(t, e)
	assert.NoFileExists(t, c.bodyPath(hashutil.ResourceID(u)))
}

func TestUnreadableHeaderIsLogged(t *testing.T) {
	var logs bytes.Buffer
	c, _ := openCache(t, func(c *Config) {
		logger := zerolog.New(&logs)
		c.Logger = &logger
	})
	const u = "https://cdn.example.com/app.css"
	h := http.Header{}
	h.Set("Content-Type", "text/css")
	_, err := c.Put(u, []byte("body{}"), h, Meta{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(c.headerPath(hashutil.ResourceID(u)), []byte("{not: [yaml"), 0o644))

	e, err := c.Get(u)
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "body{}", string(e.Body))
	assert.Empty(t, e.Header.Get("Content-Type"))
	assert.Contains(t, logs.String(), "Ignoring undecodable response headers")
}

func TestFetchSharesInflight(t *testing.T) {
	c, _ := openCache(t)
	const u = "https://cdn.example.com/big.js"
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context, url string) ([]byte, http.Header, error) {
		calls.Add(1)
		<-release
		return []byte("js"), http.Header{}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	bodies := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.Fetch(context.Background(), u, fetch)
			errs[i] = err
			if e != nil {
				bodies[i] = string(e.Body)
			}
		}(i)
	}
	// let the callers join before the fetch completes
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "js", bodies[i])
	}

	// cached now
	e, err := c.Fetch(context.Background(), u, fetch)
	require.NoError(t, err)
	assert.Equal(t, "js", string(e.Body))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchWaiterCancel(t *testing.T) {
	c, _ := openCache(t)
	const u = "https://cdn.example.com/slow.js"
	release := make(chan struct{})
	fetch := func(ctx context.Context, url string) ([]byte, http.Header, error) {
		<-release
		return []byte("slow"), http.Header{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Fetch(ctx, u, fetch)
	assert.True(t, sonicerr.Is(err, sonicerr.TimedOut))

	close(release)
	assert.Eventually(t, func() bool { return c.Has(u) }, time.Second, 10*time.Millisecond)
}

func TestFetchError(t *testing.T) {
	c, _ := openCache(t)
	fetch := func(ctx context.Context, url string) ([]byte, http.Header, error) {
		return nil, nil, errors.New("connection refused")
	}
	_, err := c.Fetch(context.Background(), "https://cdn.example.com/x", fetch)
	assert.True(t, sonicerr.Is(err, sonicerr.IOFailure))
	assert.False(t, c.Has("https://cdn.example.com/x"))
}

func TestFetchNoStore(t *testing.T) {
	c, _ := openCache(t)
	fetch := func(ctx context.Context, url string) ([]byte, http.Header, error) {
		h := http.Header{}
		h.Set("Cache-Control", "no-store")
		return []byte("private"), h, nil
	}
	e, err := c.Fetch(context.Background(), "https://cdn.example.com/p", fetch)
	require.NoError(t, err)
	assert.Equal(t, "private", string(e.Body))
	assert.False(t, c.Has("https://cdn.example.com/p"))
}

func TestPrefetch(t *testing.T) {
	c, _ := openCache(t, func(c *Config) { c.MaxDownloading = 2 })
	var running, peak atomic.Int32
	fetch := func(ctx context.Context, url string) ([]byte, http.Header, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		if strings.HasSuffix(url, "bad") {
			return nil, nil, errors.New("boom")
		}
		return []byte(url), http.Header{}, nil
	}
	var urls []string
	for i := 0; i < 6; i++ {
		urls = append(urls, fmt.Sprintf("https://cdn.example.com/%d", i))
	}
	urls = append(urls, "https://cdn.example.com/bad", "  ")

	err := c.Prefetch(context.Background(), urls, fetch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/bad")
	assert.LessOrEqual(t, peak.Load(), int32(2))
	for _, u := range urls[:6] {
		assert.True(t, c.Has(u), u)
	}
	before := c.Fetches()
	require.NoError(t, c.Prefetch(context.Background(), urls[:6], fetch))
	assert.Equal(t, before, c.Fetches())
}

func TestParseLinks(t *testing.T) {
	assert.Equal(t, []string{"https://a/1.css", "https://a/2.js"}, ParseLinks(" https://a/1.css ;https://a/2.js;"))
	assert.Nil(t, ParseLinks(""))
}

func TestTrim(t *testing.T) {
	c, _ := openCache(t, func(c *Config) { c.MaxSize = 10_000 })
	body := make([]byte, 1_000)
	var urls []string
	for i := 0; i < 10; i++ {
		u := fmt.Sprintf("https://cdn.example.com/%02d", i)
		urls = append(urls, u)
		_, err := c.Put(u, body, nil, Meta{})
		require.NoError(t, err)
	}
	// orphan file without config row
	require.NoError(t, os.WriteFile(c.bodyPath("orphan"), body, 0o644))

	res, err := c.Trim(false)
	require.NoError(t, err)
	require.NotEmpty(t, res.Removed)
	assert.Equal(t, "orphan", res.Removed[0])
	assert.Equal(t, hashutil.ResourceID(urls[0]), res.Removed[1])
	assert.LessOrEqual(t, res.After, int64(2_000))
	assert.True(t, c.Has(urls[9]))
	assert.Positive(t, res.Freed())

	res, err = c.Trim(false)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestClosed(t *testing.T) {
	c, _ := openCache(t)
	require.NoError(t, c.Close())
	_, err := c.Get("https://x")
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, c.Has("https://x"))
}

func TestExpiryFromHeader(t *testing.T) {
	c, clock := openCache(t)
	const u = "https://cdn.example.com/logo.svg"
	h := http.Header{}
	h.Set("Cache-Control", "max-age=30")
	_, err := c.Put(u, []byte("<svg/>"), h, Meta{})
	require.NoError(t, err)
	assert.True(t, c.Has(u))
	clock.Advance(time.Minute)
	assert.False(t, c.Has(u))
}

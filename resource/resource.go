// Package resource caches the sub-resources (scripts, styles, images) that
// pages declare for preloading.
package resource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/always-cache/sonic/configstore"
	cachecontrol "github.com/always-cache/sonic/pkg/cache-control"
	fileutil "github.com/always-cache/sonic/pkg/file-util"
	hashutil "github.com/always-cache/sonic/pkg/hash-util"
	keyedmutex "github.com/always-cache/sonic/pkg/keyed-mutex"
	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

const (
	MB = 1024 * 1024

	DefaultMaxSize         = 60 * MB
	DefaultWarningFraction = 0.8
	DefaultSafeFraction    = 0.2
	DefaultCheckInterval   = 12 * time.Hour
	DefaultMaxDownloading  = 3
	DefaultFetchTimeout    = 15 * time.Second

	headerSuffix = ".header.yaml"
	// Cap for lifetimes taken from response headers.
	maxHeaderAge = 365 * 24 * time.Hour
	trimKey      = "resource-trim"
)

var ErrClosed = errors.New("resource cache is closed")

type Config struct {
	// Directory holding resource files. Required.
	Root string `mapstructure:"root" yaml:"root"`
	// Key/value table for per-resource fields.
	// If nil, an SQLite db is opened at Root/resource.db and closed with the cache.
	Provider        configstore.Provider `mapstructure:"-" yaml:"-"`
	MaxSize         int64                `mapstructure:"max-size" yaml:"max-size"`
	WarningFraction float64              `mapstructure:"warning-fraction" yaml:"warning-fraction"`
	SafeFraction    float64              `mapstructure:"safe-fraction" yaml:"safe-fraction"`
	CheckInterval   time.Duration        `mapstructure:"check-interval" yaml:"check-interval"`
	// Number of resources prefetched in parallel.
	MaxDownloading int `mapstructure:"max-downloading" yaml:"max-downloading"`
	// Upper bound of one shared fetch, independent of the callers waiting on it.
	FetchTimeout time.Duration    `mapstructure:"fetch-timeout" yaml:"fetch-timeout"`
	Logger       *zerolog.Logger  `mapstructure:"-" yaml:"-"`
	Clock        func() time.Time `mapstructure:"-" yaml:"-"`
}

func DefaultConfig(root string) Config {
	return Config{
		Root:            root,
		MaxSize:         DefaultMaxSize,
		WarningFraction: DefaultWarningFraction,
		SafeFraction:    DefaultSafeFraction,
		CheckInterval:   DefaultCheckInterval,
		MaxDownloading:  DefaultMaxDownloading,
		FetchTimeout:    DefaultFetchTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Root)
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.WarningFraction <= 0 {
		c.WarningFraction = d.WarningFraction
	}
	if c.SafeFraction <= 0 {
		c.SafeFraction = d.SafeFraction
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.MaxDownloading <= 0 {
		c.MaxDownloading = d.MaxDownloading
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Meta holds the bookkeeping fields of a resource.
type Meta struct {
	// Zero means the resource does not expire.
	ExpireTime     time.Time
	LastUpdateTime time.Time
	Size           int64
}

// Entry is one cached resource.
type Entry struct {
	ID          string
	URL         string
	Body        []byte
	Header      http.Header
	ContentHash string
	Meta        Meta
}

// Fetcher loads a resource from the network.
type Fetcher func(ctx context.Context, url string) (body []byte, header http.Header, err error)

// Cache stores resource bodies on disk. All methods are safe for concurrent use.
type Cache struct {
	cfg        Config
	log        zerolog.Logger
	config     configstore.Provider
	ownsConfig bool
	dir        string

	mu     sync.RWMutex
	locks  *keyedmutex.Mutex
	group  singleflight.Group
	fetchs atomic.Int64
	closed atomic.Bool
}

func Open(config Config) (*Cache, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("resource root not set")
	}
	cfg := config.withDefaults()
	var logger zerolog.Logger
	if cfg.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *cfg.Logger
	}
	c := &Cache{
		cfg:    cfg,
		log:    logger.With().Str("component", "resource").Logger(),
		config: cfg.Provider,
		dir:    filepath.Join(cfg.Root, "files"),
		locks:  keyedmutex.New(),
	}
	if err := fileutil.EnsureDir(c.dir); err != nil {
		return nil, err
	}
	if c.config == nil {
		provider, err := configstore.NewSQLite(filepath.Join(cfg.Root, "resource.db"))
		if err != nil {
			return nil, err
		}
		c.config = provider
		c.ownsConfig = true
	}
	return c, nil
}

func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ownsConfig {
		return c.config.Close()
	}
	return nil
}

func (c *Cache) now() time.Time {
	return c.cfg.Clock()
}

func (c *Cache) bodyPath(id string) string {
	return filepath.Join(c.dir, id)
}

func (c *Cache) headerPath(id string) string {
	return filepath.Join(c.dir, id+headerSuffix)
}

// Has reports whether a fresh copy of the resource is cached.
func (c *Cache) Has(rawURL string) bool {
	if c.closed.Load() {
		return false
	}
	entry, err := c.config.Get(configstore.Resources, hashutil.ResourceID(rawURL))
	if err != nil || entry.Empty() {
		return false
	}
	exp := entry.Time(configstore.KeyExpireTime)
	return (exp.IsZero() || c.now().Before(exp)) && fileutil.Exists(c.bodyPath(hashutil.ResourceID(rawURL)))
}

// Get returns the cached resource, or nil on a miss.
// Expired or corrupt resources are removed and reported as misses.
func (c *Cache) Get(rawURL string) (*Entry, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := hashutil.ResourceID(rawURL)
	c.mu.RLock()
	defer c.mu.RUnlock()
	unlock := c.locks.Lock(id)
	defer unlock()
	return c.read(id)
}

// read loads a resource. Caller holds the resource lock.
func (c *Cache) read(id string) (*Entry, error) {
	entry, err := c.config.Get(configstore.Resources, id)
	if err != nil {
		return nil, sonicerr.Wrap(sonicerr.IOFailure, "read config", id, err)
	}
	if entry.Empty() {
		return nil, nil
	}
	e := &Entry{
		ID:          id,
		URL:         entry[configstore.KeyURL],
		ContentHash: entry[configstore.KeySHA1],
		Header:      http.Header{},
		Meta: Meta{
			ExpireTime:     entry.Time(configstore.KeyExpireTime),
			LastUpdateTime: entry.Time(configstore.KeyLastUpdateTime),
			Size:           entry.Int64(configstore.KeySize),
		},
	}
	if !e.Meta.ExpireTime.IsZero() && !c.now().Before(e.Meta.ExpireTime) {
		c.log.Trace().Str("resource", e.URL).Msg("Resource expired")
		c.removeLocked(id)
		return nil, nil
	}
	body, err := fileutil.ReadFile(c.bodyPath(id))
	if err != nil {
		return nil, sonicerr.Wrap(sonicerr.IOFailure, "read body", id, err)
	}
	if body == nil || hashutil.ContentHash(body) != e.ContentHash {
		c.log.Warn().Str("resource", e.URL).Msg("Removing resource with mismatching hash")
		c.removeLocked(id)
		return nil, nil
	}
	e.Body = body
	if raw, err := fileutil.ReadFile(c.headerPath(id)); err != nil {
		c.log.Warn().Err(err).Str("resource", e.URL).Msg("Ignoring unreadable response headers")
	} else if raw != nil {
		var h map[string][]string
		if err := yaml.Unmarshal(raw, &h); err != nil {
			c.log.Warn().Err(err).Str("resource", e.URL).Msg("Ignoring undecodable response headers")
		} else {
			e.Header = http.Header(h)
		}
	}
	return e, nil
}

// Put stores a resource. Zero meta fields are derived: the expiry from the
// URL's max-age query parameter, then the response freshness headers; the
// update time from the clock.
func (c *Cache) Put(rawURL string, body []byte, header http.Header, meta Meta) (*Entry, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	id := hashutil.ResourceID(rawURL)
	c.mu.RLock()
	defer c.mu.RUnlock()
	unlock := c.locks.Lock(id)
	defer unlock()

	now := c.now()
	if meta.LastUpdateTime.IsZero() {
		meta.LastUpdateTime = now
	}
	if meta.ExpireTime.IsZero() {
		meta.ExpireTime = urlExpiry(rawURL, now)
	}
	if meta.ExpireTime.IsZero() && header != nil {
		meta.ExpireTime = cachecontrol.Expiry(header, now, maxHeaderAge)
	}
	meta.Size = int64(len(body))
	e := &Entry{
		ID:          id,
		URL:         rawURL,
		Body:        append([]byte(nil), body...),
		Header:      header.Clone(),
		ContentHash: hashutil.ContentHash(body),
		Meta:        meta,
	}
	if e.Header == nil {
		e.Header = http.Header{}
	}
	e.Header.Del("Set-Cookie")

	rawHeader, err := yaml.Marshal(map[string][]string(e.Header))
	if err != nil {
		return nil, sonicerr.Wrap(sonicerr.WriteFileFailed, "encode header", id, err)
	}
	if err := fileutil.WriteFile(c.bodyPath(id), e.Body); err != nil {
		c.removeLocked(id)
		return nil, err
	}
	if err := fileutil.WriteFile(c.headerPath(id), rawHeader); err != nil {
		c.removeLocked(id)
		return nil, err
	}
	values := configstore.Entry{
		configstore.KeyURL:  rawURL,
		configstore.KeySHA1: e.ContentHash,
	}
	values.SetInt64(configstore.KeySize, meta.Size)
	values.SetTime(configstore.KeyExpireTime, meta.ExpireTime)
	values.SetTime(configstore.KeyLastUpdateTime, meta.LastUpdateTime)
	if err := c.config.Put(configstore.Resources, id, values); err != nil {
		c.removeLocked(id)
		return nil, sonicerr.Wrap(sonicerr.WriteFileFailed, "commit config", id, err)
	}
	c.log.Trace().Str("resource", rawURL).Int64("size", meta.Size).Msg("Stored resource")
	return e, nil
}

// urlExpiry reads the `max-age` query parameter of a resource URL.
func urlExpiry(rawURL string, now time.Time) time.Time {
	u, err := url.Parse(rawURL)
	if err != nil {
		return time.Time{}
	}
	seconds, err := strconv.ParseInt(u.Query().Get("max-age"), 10, 64)
	if err != nil || seconds <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(seconds) * time.Second)
}

func (c *Cache) Remove(rawURL string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	id := hashutil.ResourceID(rawURL)
	c.mu.RLock()
	defer c.mu.RUnlock()
	unlock := c.locks.Lock(id)
	defer unlock()
	return c.removeLocked(id)
}

func (c *Cache) removeLocked(id string) error {
	var errs []error
	for _, path := range []string{c.bodyPath(id), c.headerPath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := c.config.Delete(configstore.Resources, id); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return sonicerr.Wrap(sonicerr.IOFailure, "remove", id, err)
	}
	return nil
}

// Fetch returns the cached resource or loads it with fetch and stores it.
// Concurrent calls for the same URL share one fetch. A waiter whose context
// ends stops waiting; the shared fetch continues for the others.
func (c *Cache) Fetch(ctx context.Context, rawURL string, fetch Fetcher) (*Entry, error) {
	if e, err := c.Get(rawURL); err != nil || e != nil {
		return e, err
	}
	id := hashutil.ResourceID(rawURL)
	ch := c.group.DoChan(id, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		c.fetchs.Add(1)
		body, header, err := fetch(fetchCtx, rawURL)
		if err != nil {
			return nil, sonicerr.FromTransport("fetch resource", id, err)
		}
		if cachecontrol.ForbidsStore(header) {
			return &Entry{ID: id, URL: rawURL, Body: body, Header: header, ContentHash: hashutil.ContentHash(body)}, nil
		}
		return c.Put(rawURL, body, header, Meta{})
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.log.Trace().Str("resource", rawURL).Msg("Joined in-flight fetch")
		}
		return res.Val.(*Entry), nil
	case <-ctx.Done():
		return nil, sonicerr.FromTransport("fetch resource", id, ctx.Err())
	}
}

// Fetches returns the number of network fetches started so far.
func (c *Cache) Fetches() int64 {
	return c.fetchs.Load()
}

// Prefetch loads the given resources in the background of a page load,
// at most MaxDownloading at a time. Cached resources are skipped.
// Failures do not stop the other downloads; they are returned joined.
func (c *Cache) Prefetch(ctx context.Context, urls []string, fetch Fetcher) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxDownloading)
	var mu sync.Mutex
	var errs []error
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || c.Has(u) {
			continue
		}
		g.Go(func() error {
			if _, err := c.Fetch(gctx, u, fetch); err != nil {
				c.log.Debug().Err(err).Str("resource", u).Msg("Prefetch failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", u, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// ParseLinks splits a `sonic-link` header value into resource URLs.
func ParseLinks(header string) []string {
	var links []string
	for _, link := range strings.Split(header, ";") {
		if link = strings.TrimSpace(link); link != "" {
			links = append(links, link)
		}
	}
	return links
}

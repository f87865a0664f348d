package cache

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/sonic/configstore"
	"github.com/always-cache/sonic/diff"
	cachecontrol "github.com/always-cache/sonic/pkg/cache-control"
	fileutil "github.com/always-cache/sonic/pkg/file-util"
	hashutil "github.com/always-cache/sonic/pkg/hash-util"
	keyedmutex "github.com/always-cache/sonic/pkg/keyed-mutex"
	sonicerr "github.com/always-cache/sonic/pkg/sonic-error"
)

const (
	MB = 1024 * 1024

	DefaultMaxSize         = 30 * MB
	DefaultWarningFraction = 0.8
	DefaultSafeFraction    = 0.2
	DefaultCheckInterval   = 12 * time.Hour
	DefaultMaxMemoryItems  = 32
	DefaultMaxCacheAge     = 5 * time.Minute
)

var ErrClosed = errors.New("cache store is closed")

type Config struct {
	// Directory holding session files. Required.
	Root string `mapstructure:"root" yaml:"root"`
	// Key/value table for per-session fields.
	// If nil, an SQLite db is opened at Root/config.db and closed with the store.
	Provider configstore.Provider `mapstructure:"-" yaml:"-"`
	// Size cap of the session files in bytes.
	MaxSize int64 `mapstructure:"max-size" yaml:"max-size"`
	// Trim runs when the size exceeds WarningFraction*MaxSize ...
	WarningFraction float64 `mapstructure:"warning-fraction" yaml:"warning-fraction"`
	// ... and removes items until the size is at most SafeFraction*MaxSize.
	SafeFraction float64 `mapstructure:"safe-fraction" yaml:"safe-fraction"`
	// Minimum time between two unforced trims.
	CheckInterval time.Duration `mapstructure:"check-interval" yaml:"check-interval"`
	// Number of items kept in memory.
	MaxMemoryItems int `mapstructure:"max-memory-items" yaml:"max-memory-items"`
	// Upper bound of the freshness lifetime taken from Cache-Control/Expires.
	MaxCacheAge time.Duration `mapstructure:"max-cache-age" yaml:"max-cache-age"`
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger `mapstructure:"-" yaml:"-"`
	// Clock for timestamps. time.Now if nil.
	Clock func() time.Time `mapstructure:"-" yaml:"-"`
}

// DefaultConfig returns the default configuration for the given root.
func DefaultConfig(root string) Config {
	return Config{
		Root:            root,
		MaxSize:         DefaultMaxSize,
		WarningFraction: DefaultWarningFraction,
		SafeFraction:    DefaultSafeFraction,
		CheckInterval:   DefaultCheckInterval,
		MaxMemoryItems:  DefaultMaxMemoryItems,
		MaxCacheAge:     DefaultMaxCacheAge,
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
	if c.MaxMemoryItems <= 0 {
		c.MaxMemoryItems = d.MaxMemoryItems
	}
	if c.MaxCacheAge <= 0 {
		c.MaxCacheAge = d.MaxCacheAge
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Store is the two-tier (memory + file) cache of session items.
// All methods are safe for concurrent use.
type Store struct {
	cfg        Config
	log        zerolog.Logger
	config     configstore.Provider
	ownsConfig bool

	sessionsDir string
	stagingDir  string

	// held shared by item operations, exclusively by trim and clear
	mu     sync.RWMutex
	locks  *keyedmutex.Mutex
	memMu  sync.Mutex
	memory map[string]*Item

	disabled *disableList
	closed   atomic.Bool
}

// Open prepares the cache directories and the config table.
func Open(config Config) (*Store, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("cache root not set")
	}
	cfg := config.withDefaults()

	var logger zerolog.Logger
	if cfg.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *cfg.Logger
	}

	s := &Store{
		cfg:         cfg,
		log:         logger.With().Str("component", "cache").Logger(),
		config:      cfg.Provider,
		sessionsDir: filepath.Join(cfg.Root, "sessions"),
		stagingDir:  filepath.Join(cfg.Root, ".staging"),
		locks:       keyedmutex.New(),
		memory:      make(map[string]*Item),
	}
	// leftovers of interrupted writes are never published
	os.RemoveAll(s.stagingDir)
	for _, dir := range []string{s.sessionsDir, s.stagingDir} {
		if err := fileutil.EnsureDir(dir); err != nil {
			return nil, err
		}
	}
	if s.config == nil {
		provider, err := configstore.NewSQLite(filepath.Join(cfg.Root, "config.db"))
		if err != nil {
			return nil, err
		}
		s.config = provider
		s.ownsConfig = true
	}
	disabled, err := loadDisableList(disableListPath(cfg.Root), s.config, cfg.Clock())
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not load disable list")
	}
	s.disabled = disabled
	s.log.Debug().Str("root", cfg.Root).Msg("Opened cache store")
	return s, nil
}

// Close releases the store. No other method may be called afterwards.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownsConfig {
		return s.config.Close()
	}
	return nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) now() time.Time {
	return s.cfg.Clock()
}

func (s *Store) dir(id string) string {
	return filepath.Join(s.sessionsDir, id)
}

// Get returns the cached item of the session, or nil on a miss.
// The memory tier is consulted first; on a memory miss the item is read
// from disk under the session lock, so concurrent callers hydrate once.
// An item that fails verification is removed and the error returned.
func (s *Store) Get(id string) (*Item, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if item := s.fromMemory(id); item != nil {
		s.log.Trace().Str("session", id).Msg("Memory hit")
		return item.Clone(), nil
	}
	unlock := s.locks.Lock(id)
	defer unlock()
	item, err := s.load(id)
	if err != nil || item == nil {
		return nil, err
	}
	return item.Clone(), nil
}

// load returns the current item from memory or disk. Caller holds the session lock.
func (s *Store) load(id string) (*Item, error) {
	if item := s.fromMemory(id); item != nil {
		return item, nil
	}
	item, err := s.hydrate(id)
	if err != nil {
		s.log.Warn().Err(err).Str("session", id).Msg("Removing unreadable cache item")
		s.removeLocked(id)
		return nil, err
	}
	if item != nil {
		s.remember(item)
		s.log.Trace().Str("session", id).Msg("Hydrated cache item from disk")
	}
	return item, nil
}

// PutFirstLoad splits the document and stores template, data and config.
func (s *Store) PutFirstLoad(id string, html []byte, header http.Header) (*Item, error) {
	return s.putDocument(id, html, header, "first load")
}

// PutTemplateChange replaces any cached item with the new document.
func (s *Store) PutTemplateChange(id string, html []byte, header http.Header) (*Item, error) {
	return s.putDocument(id, html, header, "template change")
}

func (s *Store) putDocument(id string, html []byte, header http.Header, reason string) (*Item, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	unlock := s.locks.Lock(id)
	defer unlock()

	hash := hashutil.ContentHash(html)
	if declared := header.Get("html-sha1"); declared != "" && declared != hash {
		s.removeLocked(id)
		return nil, sonicerr.New(sonicerr.HtmlVerifyFailed, "verify", "declared html-sha1 %s, got %s", declared, hash)
	}
	doc, err := diff.Split(html)
	if err != nil {
		s.removeLocked(id)
		return nil, withID(err, id)
	}
	now := s.now()
	item := &Item{
		SessionID:          id,
		Template:           doc.Template,
		Data:               doc.Data,
		HTML:               append([]byte(nil), html...),
		ContentHash:        hash,
		LocalRefreshTime:   now,
		TemplateUpdateTime: now,
	}
	item.TemplateTag = header.Get("template-tag")
	if item.TemplateTag == "" {
		item.TemplateTag = diff.TemplateTag(doc.Template)
	}
	item.Header = storedHeader(header)
	s.applyHeader(item, header, now)
	if item.ETag == "" {
		item.ETag = hash
	}
	if err := s.persist(item); err != nil {
		s.removeLocked(id)
		return nil, err
	}
	s.remember(item)
	s.log.Debug().Str("session", id).Int("slots", doc.Data.Len()).Msgf("Stored %s", reason)
	return item.Clone(), nil
}

// PutUpdate merges a data update into the cached item and stores the result.
// It returns the new item and the entries that changed.
func (s *Store) PutUpdate(id string, update diff.Update, header http.Header) (*Item, *diff.Map, error) {
	if s.closed.Load() {
		return nil, nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.load(id)
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		return nil, nil, sonicerr.New(sonicerr.ServerDataInvalid, "update", "no cached item to update")
	}
	rebuilt, err := BuildUpdate(current, update)
	if err != nil {
		s.removeLocked(id)
		return nil, nil, withID(err, id)
	}
	if len(rebuilt.Ignored) > 0 {
		s.log.Warn().Str("session", id).Strs("slots", rebuilt.Ignored).Msg("Ignoring update keys missing from template")
	}
	changed := rebuilt.Changed
	now := s.now()
	item := current.Clone()
	item.Data = rebuilt.Data
	item.HTML = rebuilt.HTML
	item.ContentHash = hashutil.ContentHash(rebuilt.HTML)
	item.LocalRefreshTime = now
	item.ETag = ""
	s.applyHeader(item, header, now)
	if item.ETag == "" {
		item.ETag = item.ContentHash
	}
	if err := s.persist(item); err != nil {
		s.removeLocked(id)
		return nil, nil, err
	}
	s.remember(item)
	s.log.Debug().Str("session", id).Int("changed", changed.Len()).Msg("Stored data update")
	return item.Clone(), changed, nil
}

// Rebuilt is a data update merged into a cached item.
type Rebuilt struct {
	HTML    []byte
	Data    *diff.Map
	Changed *diff.Map
	// Ignored lists update keys that name no slot of the template.
	Ignored []string
}

// BuildUpdate merges update into item and renders the new document without
// storing anything. Keys naming no slot of the template are skipped.
func BuildUpdate(item *Item, update diff.Update) (Rebuilt, error) {
	slots := make(map[string]bool)
	for _, id := range diff.Slots(item.Template) {
		slots[id] = true
	}
	data := update.Data.Clone()
	var ignored []string
	for _, key := range data.Keys() {
		if !slots[key] {
			ignored = append(ignored, key)
			data.Delete(key)
		}
	}
	merged, changed := diff.Merge(data, item.Data)
	html, err := diff.Render(item.Template, merged)
	if err != nil {
		return Rebuilt{}, err
	}
	if update.HTMLSha1 != "" {
		if hash := hashutil.ContentHash(html); hash != update.HTMLSha1 {
			return Rebuilt{}, sonicerr.New(sonicerr.HtmlVerifyFailed, "verify", "declared html-sha1 %s, got %s", update.HTMLSha1, hash)
		}
	}
	return Rebuilt{HTML: html, Data: merged, Changed: changed, Ignored: ignored}, nil
}

// Touch marks the item as refreshed now (the server confirmed it is current).
// Freshness headers of the confirming response, if any, update the expiry.
// A missing item returns nil.
func (s *Store) Touch(id string, header http.Header) (*Item, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	unlock := s.locks.Lock(id)
	defer unlock()

	current, err := s.load(id)
	if err != nil || current == nil {
		return nil, err
	}
	now := s.now()
	item := current.Clone()
	item.LocalRefreshTime = now
	item.HitCount++
	values := configstore.Entry{}
	if header.Get("Cache-Control") != "" || header.Get("Expires") != "" {
		item.CacheExpireTime = cachecontrol.Expiry(header, now, s.cfg.MaxCacheAge)
		values.SetTime(configstore.KeyExpireTime, item.CacheExpireTime)
	}
	values.SetTime(configstore.KeyLocalRefreshTime, now)
	values.SetInt64(configstore.KeyHitCount, item.HitCount)
	if err := s.config.Set(configstore.Sessions, id, values); err != nil {
		return nil, sonicerr.Wrap(sonicerr.WriteFileFailed, "touch", id, err)
	}
	s.remember(item)
	return item.Clone(), nil
}

// Remove deletes the session's memory entry, files and config row.
func (s *Store) Remove(id string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.removeLocked(id)
}

// removeLocked deletes everything of one session. Caller holds the session
// lock or the store lock exclusively.
func (s *Store) removeLocked(id string) error {
	s.forget(id)
	var errs []error
	if err := os.RemoveAll(s.dir(id)); err != nil {
		errs = append(errs, err)
	}
	if err := s.config.Delete(configstore.Sessions, id); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Error().Err(err).Str("session", id).Msg("Could not remove cache item")
		return sonicerr.Wrap(sonicerr.IOFailure, "remove", id, err)
	}
	return nil
}

// ClearAll removes every cached item. Disable marks are kept.
func (s *Store) ClearAll() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memMu.Lock()
	s.memory = make(map[string]*Item)
	s.memMu.Unlock()
	if err := os.RemoveAll(s.sessionsDir); err != nil {
		return sonicerr.Wrap(sonicerr.IOFailure, "clear", "", err)
	}
	if err := fileutil.EnsureDir(s.sessionsDir); err != nil {
		return err
	}
	if err := s.config.Clear(configstore.Sessions); err != nil {
		return sonicerr.Wrap(sonicerr.IOFailure, "clear", "", err)
	}
	s.log.Info().Msg("Cleared session cache")
	return nil
}

// applyHeader copies validators, freshness and CSP from response headers.
// The stored document headers are left alone: a data update answers with
// its own content type.
func (s *Store) applyHeader(item *Item, header http.Header, now time.Time) {
	if etag := NormalizeETag(header.Get("Etag")); etag != "" {
		item.ETag = etag
	}
	item.CacheExpireTime = cachecontrol.Expiry(header, now, s.cfg.MaxCacheAge)
	if csp := header.Get("Content-Security-Policy"); csp != "" {
		item.CSP = csp
	}
	if csp := header.Get("Content-Security-Policy-Report-Only"); csp != "" {
		item.CSPReportOnly = csp
	}
}

func withID(err error, id string) error {
	var e *sonicerr.Error
	if errors.As(err, &e) && e.ID == "" {
		c := *e
		c.ID = id
		return &c
	}
	return err
}

package sonic

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/sonic/cache"
	headerrules "github.com/always-cache/sonic/pkg/header-rules"
	"github.com/always-cache/sonic/resource"
	"github.com/always-cache/sonic/telemetry"
)

const (
	SDKVersion = "Sonic/2.0.0"

	DefaultMaxConcurrentSessions = 5
	DefaultRequestTimeout        = 15 * time.Second
	DefaultConnectTimeout        = 5 * time.Second
	DefaultUnavailableTime       = 6 * time.Hour
	DefaultTrimPollInterval      = time.Minute
	DefaultFeedBuffer            = 16
)

type Config struct {
	// Storage for session items.
	// If nil, a store is opened under Root/cache and closed with the engine.
	Store *cache.Store `yaml:"-" mapstructure:"-"`
	// Storage for sub-resources. Optional.
	// If nil and Root is set, one is opened under Root/resources.
	Resources *resource.Cache `yaml:"-" mapstructure:"-"`
	// Directory for stores the engine opens itself.
	Root string `yaml:"root" mapstructure:"root"`
	// Configuration of stores the engine opens itself. Root is filled in.
	Cache    cache.Config    `yaml:"cache" mapstructure:"cache"`
	Resource resource.Config `yaml:"resource" mapstructure:"resource"`
	// Transports for page and resource requests.
	// An HTTPTransport is used for requests no route matches.
	Transports *Transports `yaml:"-" mapstructure:"-"`

	MaxConcurrentSessions int           `yaml:"max-concurrent-sessions" mapstructure:"max-concurrent-sessions"`
	RequestTimeout        time.Duration `yaml:"request-timeout" mapstructure:"request-timeout"`
	ConnectTimeout        time.Duration `yaml:"connect-timeout" mapstructure:"connect-timeout"`
	// How long Sonic stays off for a page after the server disables it.
	UnavailableTime time.Duration `yaml:"unavailable-time" mapstructure:"unavailable-time"`
	// Serve unexpired items without asking the server, and honor no-store.
	SupportCacheControl bool `yaml:"support-cache-control" mapstructure:"support-cache-control"`
	// Headers added to every page request.
	Headers http.Header `yaml:"headers" mapstructure:"headers"`
	// Rules adjusting the caching headers of page responses.
	Rules headerrules.Rules `yaml:"rules" mapstructure:"rules"`
	// Disable the background trim loop.
	DisableTrim      bool          `yaml:"disable-trim" mapstructure:"disable-trim"`
	TrimPollInterval time.Duration `yaml:"trim-poll-interval" mapstructure:"trim-poll-interval"`
	// Events buffered per feed subscriber before events are dropped.
	FeedBuffer int `yaml:"feed-buffer" mapstructure:"feed-buffer"`

	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger `yaml:"-" mapstructure:"-"`
	// Metrics to record. Nothing is recorded if nil.
	Metrics *telemetry.Metrics `yaml:"-" mapstructure:"-"`
	// Clock for expiry decisions. time.Now if nil.
	Clock func() time.Time `yaml:"-" mapstructure:"-"`
}

// Options are per-session settings.
type Options struct {
	// Headers added to this session's requests.
	Headers http.Header
	// Connect to this IP instead of resolving the page host.
	IPOverride string
	// Account the page belongs to. Pages of different accounts are cached apart.
	Account string
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions: DefaultMaxConcurrentSessions,
		RequestTimeout:        DefaultRequestTimeout,
		ConnectTimeout:        DefaultConnectTimeout,
		UnavailableTime:       DefaultUnavailableTime,
		TrimPollInterval:      DefaultTrimPollInterval,
		FeedBuffer:            DefaultFeedBuffer,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = d.MaxConcurrentSessions
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.UnavailableTime <= 0 {
		c.UnavailableTime = d.UnavailableTime
	}
	if c.TrimPollInterval <= 0 {
		c.TrimPollInterval = d.TrimPollInterval
	}
	if c.FeedBuffer <= 0 {
		c.FeedBuffer = d.FeedBuffer
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

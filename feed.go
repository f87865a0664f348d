package sonic

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/sonic/diff"
)

// RawEvent carries a finished exchange together with the bytes the server sent.
type RawEvent struct {
	Result     Result
	StatusCode int
	Header     http.Header
	Body       []byte
}

// PageEvent is what a page needs to refresh itself.
type PageEvent struct {
	URL              string
	SessionID        string
	Outcome          Outcome
	Diff             *diff.Map
	LocalRefreshTime time.Time
}

// feed fans events out to subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type feed[T any] struct {
	name   string
	buffer int
	log    zerolog.Logger

	mu     sync.Mutex
	subs   map[int]chan T
	next   int
	closed bool
}

func newFeed[T any](name string, buffer int, log zerolog.Logger) *feed[T] {
	return &feed[T]{
		name:   name,
		buffer: buffer,
		log:    log,
		subs:   make(map[int]chan T),
	}
}

// subscribe returns the event channel and a function that cancels the
// subscription and closes the channel.
func (f *feed[T]) subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan T, f.buffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

func (f *feed[T]) publish(event T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- event:
		default:
			f.log.Warn().Str("feed", f.name).Int("subscriber", id).Msg("Subscriber is not keeping up, dropped event")
		}
	}
}

func (f *feed[T]) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

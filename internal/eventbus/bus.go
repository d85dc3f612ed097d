package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"localq/internal/domain"
)

// Subscriber receives published events. A returned error is logged and otherwise ignored.
type Subscriber func(e domain.Event) error

type subscription struct {
	id   uint64
	name string
	fn   Subscriber
}

// Bus delivers events synchronously to subscribers in registration order.
//
// Contract:
//   - Publish never returns a subscriber's error or panic to the caller.
//   - A failing subscriber does not stop delivery to the ones after it.
//   - No lock is held while subscribers run, so a slow subscriber delays only
//     the current Publish call.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	seq  uint64
	log  zerolog.Logger
}

func New(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("comp", "eventbus").Logger()}
}

// Subscribe registers fn under name and returns a function that removes it.
func (b *Bus) Subscribe(name string, fn Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs = append(b.subs, subscription{id: id, name: name, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (b *Bus) Publish(e domain.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if err := b.deliver(s, e); err != nil {
			b.log.Warn().Err(err).Str("subscriber", s.name).Str("event", e.Type).Msg("subscriber failed")
		}
	}
}

func (b *Bus) deliver(s subscription, e domain.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(e)
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

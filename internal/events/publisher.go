package events

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Subscriber receives published events on the publishing goroutine
type Subscriber interface {
	Handle(Event)
}

// SubscriberFunc adapts a plain function to Subscriber
type SubscriberFunc func(Event)

func (f SubscriberFunc) Handle(e Event) { f(e) }

// Subscription identifies a registered subscriber
type Subscription uint64

// Publisher fans events out to subscribers in subscription order.
//
// Publish works on a snapshot of the subscriber set, so Subscribe and
// Unsubscribe may be called from inside a handler without deadlocking.
type Publisher struct {
	mu     sync.RWMutex
	subs   *orderedmap.OrderedMap[Subscription, Subscriber]
	nextID atomic.Uint64
	logger *logrus.Logger
}

// NewPublisher creates an empty publisher
func NewPublisher(logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{
		subs:   orderedmap.New[Subscription, Subscriber](),
		logger: logger,
	}
}

// Subscribe registers s and returns its handle
func (p *Publisher) Subscribe(s Subscriber) Subscription {
	id := Subscription(p.nextID.Add(1))

	p.mu.Lock()
	p.subs.Set(id, s)
	p.mu.Unlock()

	return id
}

// SubscribeFunc is a shorthand for Subscribe(SubscriberFunc(fn))
func (p *Publisher) SubscribeFunc(fn func(Event)) Subscription {
	return p.Subscribe(SubscriberFunc(fn))
}

// Unsubscribe removes a subscriber. It reports whether the handle was registered.
func (p *Publisher) Unsubscribe(id Subscription) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, present := p.subs.Delete(id)
	return present
}

// Len returns the number of registered subscribers
func (p *Publisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.subs.Len()
}

// Publish delivers e to every subscriber registered at the time of the call
func (p *Publisher) Publish(e Event) {
	if e == nil {
		return
	}

	p.mu.RLock()
	ids := make([]Subscription, 0, p.subs.Len())
	targets := make([]Subscriber, 0, p.subs.Len())
	for pair := p.subs.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
		targets = append(targets, pair.Value)
	}
	p.mu.RUnlock()

	for i, s := range targets {
		p.deliver(ids[i], s, e)
	}
}

func (p *Publisher) deliver(id Subscription, s Subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{
				"subscription": uint64(id),
				"event":        e.Kind().String(),
				"panic":        r,
			}).Error("Event subscriber panicked")
		}
	}()
	s.Handle(e)
}

// Filter wraps s so it only sees events of the given kinds.
// With no kinds, s sees everything.
func Filter(s Subscriber, kinds ...Kind) Subscriber {
	if len(kinds) == 0 {
		return s
	}
	allowed := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		allowed[k] = struct{}{}
	}
	return SubscriberFunc(func(e Event) {
		if _, ok := allowed[e.Kind()]; ok {
			s.Handle(e)
		}
	})
}

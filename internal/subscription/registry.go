// Package subscription keeps track of which broker topics the application
// wants to observe, independent of whether a connection currently exists, and
// binds those topics to the live connection whenever there is one.
package subscription

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/flowna/flowna-cli/internal/stomp"
)

// Handle is a live binding on the broker connection.
type Handle interface {
	Unsubscribe() error
}

// Binder creates live bindings. The connection manager supplies one for the
// duration of each connection.
type Binder interface {
	Bind(topic string, h stomp.Handler) (Handle, error)
}

// binding is a topic's entry in the active set. handle is nil while the
// broker call is in flight.
type binding struct {
	topic  string
	handle Handle
}

var errSuperseded = errors.New("binding superseded")

// Registry holds the desired (topic -> handler) and active (topic -> live
// binding) sets. All methods are safe for concurrent use and may be called
// from inside a handler.
type Registry struct {
	mu      sync.Mutex
	desired map[string]stomp.Handler
	active  map[string]*binding
	binder  Binder
	logger  *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		desired: make(map[string]stomp.Handler),
		active:  make(map[string]*binding),
		logger:  logger,
	}
}

// Subscription is the handle returned by Subscribe when the topic was bound
// immediately.
type Subscription struct {
	r *Registry
	b *binding
}

func (s *Subscription) Topic() string { return s.b.topic }

// Unsubscribe removes the topic from the registry if this subscription is
// still the topic's current binding. It never returns an error.
func (s *Subscription) Unsubscribe() error {
	s.r.mu.Lock()
	current := s.r.active[s.b.topic] == s.b
	s.r.mu.Unlock()
	if current {
		s.r.Unsubscribe(s.b.topic)
	}
	return nil
}

// Subscribe declares interest in topic. A previous handler for the same topic
// is replaced; if the topic was bound, the old binding is dropped and a new one
// created. The returned subscription is nil when no connection is live or the
// bind failed; the topic is then bound on the next ActivateAll.
func (r *Registry) Subscribe(topic string, h stomp.Handler) *Subscription {
	r.mu.Lock()
	r.desired[topic] = h
	if r.binder == nil {
		r.mu.Unlock()
		return nil
	}

	stale := r.active[topic]
	binder := r.binder
	b := r.pendingLocked(topic)
	r.mu.Unlock()

	if stale != nil {
		r.release(stale)
	}
	if err := r.bind(binder, b); err != nil {
		if errors.Is(err, errSuperseded) {
			r.logger.Debug("subscribe superseded", "topic", topic)
		} else {
			r.logger.Warn("subscribe failed", "topic", topic, "err", err)
		}
		return nil
	}
	r.logger.Debug("subscribed", "topic", topic, "rebound", stale != nil)
	return &Subscription{r: r, b: b}
}

// Unsubscribe drops topic from the desired set and releases its live binding.
// Unknown topics are ignored. Once Unsubscribe returns, the old handler is not
// invoked again for frames that had not started dispatch.
func (r *Registry) Unsubscribe(topic string) {
	r.mu.Lock()
	delete(r.desired, topic)
	b, ok := r.active[topic]
	delete(r.active, topic)
	r.mu.Unlock()

	if ok {
		r.release(b)
		r.logger.Debug("unsubscribed", "topic", topic)
	}
}

// ActivateAll installs binder as the live connection and binds every desired
// topic that has no active binding. A failing topic is logged and skipped.
// The broker calls run without the lock, so delivery on other topics goes on
// while they are in flight.
func (r *Registry) ActivateAll(binder Binder) {
	r.mu.Lock()
	r.binder = binder
	topics := make([]string, 0, len(r.desired))
	for topic := range r.desired {
		if _, ok := r.active[topic]; !ok {
			topics = append(topics, topic)
		}
	}
	sort.Strings(topics)
	pending := make([]*binding, 0, len(topics))
	for _, topic := range topics {
		pending = append(pending, r.pendingLocked(topic))
	}
	r.mu.Unlock()

	for _, b := range pending {
		if err := r.bind(binder, b); err != nil && !errors.Is(err, errSuperseded) {
			r.logger.Warn("activate subscription failed", "topic", b.topic, "err", err)
		}
	}

	r.mu.Lock()
	active, desired := len(r.active), len(r.desired)
	r.mu.Unlock()
	r.logger.Debug("subscriptions activated", "active", active, "desired", desired)
}

// DeactivateAll releases every active binding and forgets the live
// connection. With clearDesired the desired set is emptied too, which is what
// logout and identity changes need.
func (r *Registry) DeactivateAll(clearDesired bool) {
	r.mu.Lock()
	r.binder = nil
	bindings := make([]*binding, 0, len(r.active))
	for _, b := range r.active {
		bindings = append(bindings, b)
	}
	r.active = make(map[string]*binding)
	if clearDesired {
		r.desired = make(map[string]stomp.Handler)
	}
	r.mu.Unlock()

	for _, b := range bindings {
		r.release(b)
	}
}

// Connected reports whether a binder is installed.
func (r *Registry) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.binder != nil
}

// DesiredTopics returns the desired topics, sorted.
func (r *Registry) DesiredTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.desired)
}

// ActiveTopics returns the topics with a live binding or one being
// established, sorted.
func (r *Registry) ActiveTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.active)
}

// pendingLocked reserves the active slot for topic so no second binding is
// started for it. Callers hold r.mu.
func (r *Registry) pendingLocked(topic string) *binding {
	b := &binding{topic: topic}
	r.active[topic] = b
	return b
}

// bind runs the broker call for b without the lock. The handle is kept only
// if b is still the topic's binding afterwards; a binding dropped or replaced
// meanwhile is released again and errSuperseded returned.
func (r *Registry) bind(binder Binder, b *binding) error {
	h, err := binder.Bind(b.topic, func(f *stomp.Frame) { r.deliver(b, f) })

	r.mu.Lock()
	current := r.active[b.topic] == b
	if current {
		if err != nil {
			delete(r.active, b.topic)
		} else {
			b.handle = h
		}
	}
	r.mu.Unlock()

	if err != nil {
		return err
	}
	if !current {
		if uerr := h.Unsubscribe(); uerr != nil {
			r.logger.Debug("release superseded binding", "topic", b.topic, "err", uerr)
		}
		return errSuperseded
	}
	return nil
}

// deliver forwards f to the topic's current handler, but only while b is still
// the topic's active binding.
func (r *Registry) deliver(b *binding, f *stomp.Frame) {
	r.mu.Lock()
	if r.active[b.topic] != b {
		r.mu.Unlock()
		return
	}
	h := r.desired[b.topic]
	r.mu.Unlock()
	if h != nil {
		h(f)
	}
}

func (r *Registry) release(b *binding) {
	if b.handle == nil {
		return
	}
	if err := b.handle.Unsubscribe(); err != nil {
		r.logger.Warn("unsubscribe failed", "topic", b.topic, "err", err)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

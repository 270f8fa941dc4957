package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrIgnored is returned (wrapped) by inbound adapters for events that are
// valid but deliberately dropped: bot echoes, empty edits, unsupported types.
var ErrIgnored = errors.New("ignored")

// Ignored wraps ErrIgnored with a reason for logs.
func Ignored(reason string) error {
	return fmt.Errorf("%w: %s", ErrIgnored, reason)
}

// InboundAdapter parses a raw provider payload into the canonical record.
type InboundAdapter interface {
	Channel() Channel
	Parse(raw []byte) (*InboundMessage, error)
}

// OutboundAdapter delivers a canonical outbound message on its channel.
type OutboundAdapter interface {
	Channel() Channel
	Send(ctx context.Context, msg OutboundMessage) (SendResult, error)
}

// BotIdentitySet is the configured set of self/bot identities whose events
// inbound adapters must suppress.
type BotIdentitySet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// NewBotIdentitySet builds a set from the given identities, case-folded.
func NewBotIdentitySet(ids ...string) *BotIdentitySet {
	s := &BotIdentitySet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Add inserts an identity into the set.
func (s *BotIdentitySet) Add(id string) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return
	}
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

// Contains reports whether id is a known bot identity.
func (s *BotIdentitySet) Contains(id string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[strings.ToLower(strings.TrimSpace(id))]
	return ok
}

// Registry holds the inbound and outbound adapters keyed by channel.
type Registry struct {
	mu       sync.RWMutex
	inbound  map[Channel]InboundAdapter
	outbound map[Channel]OutboundAdapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		inbound:  map[Channel]InboundAdapter{},
		outbound: map[Channel]OutboundAdapter{},
	}
}

// RegisterInbound adds an inbound adapter. Duplicate channels are an error.
func (r *Registry) RegisterInbound(a InboundAdapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.inbound[a.Channel()]; exists {
		return fmt.Errorf("inbound adapter already registered: %s", a.Channel())
	}
	r.inbound[a.Channel()] = a
	return nil
}

// RegisterOutbound adds an outbound adapter. Duplicate channels are an error.
func (r *Registry) RegisterOutbound(a OutboundAdapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.outbound[a.Channel()]; exists {
		return fmt.Errorf("outbound adapter already registered: %s", a.Channel())
	}
	r.outbound[a.Channel()] = a
	return nil
}

// MustRegisterInbound calls RegisterInbound and panics on error.
func (r *Registry) MustRegisterInbound(a InboundAdapter) {
	if err := r.RegisterInbound(a); err != nil {
		panic(err)
	}
}

// MustRegisterOutbound calls RegisterOutbound and panics on error.
func (r *Registry) MustRegisterOutbound(a OutboundAdapter) {
	if err := r.RegisterOutbound(a); err != nil {
		panic(err)
	}
}

// Inbound returns the inbound adapter for ch.
func (r *Registry) Inbound(ch Channel) (InboundAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.inbound[ch]
	return a, ok
}

// Outbound returns the outbound adapter for ch.
func (r *Registry) Outbound(ch Channel) (OutboundAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.outbound[ch]
	return a, ok
}

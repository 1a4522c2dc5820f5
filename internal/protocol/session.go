package protocol

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const outboxSize = 256

// push marks a view whose snapshot must be sent.
type push string

// Session is one UI connection. Replies and snapshot pushes are queued on
// an outbox drained by Run; pushes for the same view coalesce until sent.
type Session struct {
	ID    string
	views *Registry
	log   *zap.Logger

	out chan any

	mu      sync.Mutex
	subs    map[string]func()
	pending map[string]bool
	closed  bool
}

func NewSession(views *Registry, log *zap.Logger) *Session {
	if log == nil {
		log = zap.L()
	}
	id := uuid.NewString()
	return &Session{
		ID:      id,
		views:   views,
		log:     log.With(zap.String("session", id)),
		out:     make(chan any, outboxSize),
		subs:    map[string]func(){},
		pending: map[string]bool{},
	}
}

// Run writes queued messages until ctx is done or write fails.
func (s *Session) Run(ctx context.Context, write func(any) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-s.out:
			msg := item
			if p, ok := item.(push); ok {
				s.mu.Lock()
				delete(s.pending, string(p))
				s.mu.Unlock()
				v, ok := s.views.Get(string(p))
				if !ok {
					continue
				}
				msg = SnapshotOf(v)
			}
			if err := write(msg); err != nil {
				return err
			}
		}
	}
}

// HandleMessage dispatches one raw client message.
func (s *Session) HandleMessage(ctx context.Context, raw []byte) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		s.reply(Reply{Type: TypeError, Error: "invalid JSON"})
		return
	}

	switch msg.Type {
	case TypePing:
		s.reply(Reply{Type: TypePong, ID: msg.ID})

	case TypeSubscribe:
		if err := s.Subscribe(msg.View); err != nil {
			s.reply(Reply{Type: TypeError, ID: msg.ID, View: msg.View, Error: err.Error()})
			return
		}
		s.reply(Reply{Type: TypeSubscribed, ID: msg.ID, View: msg.View})
		s.schedule(msg.View)

	case TypeUnsubscribe:
		s.Unsubscribe(msg.View)
		s.reply(Reply{Type: TypeUnsubscribed, ID: msg.ID, View: msg.View})

	case TypeCommand:
		var cmd Command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			s.reply(Reply{Type: TypeError, ID: msg.ID, Error: "bad command"})
			return
		}
		v, ok := s.views.Get(cmd.View)
		if !ok {
			s.reply(Reply{Type: TypeError, ID: msg.ID, View: cmd.View, Error: ErrUnknownView.Error()})
			return
		}
		if err := v.Do(ctx, cmd.Action, cmd.Args); err != nil {
			s.log.Debug("command failed", zap.String("view", cmd.View), zap.String("action", cmd.Action), zap.Error(err))
			s.reply(Reply{Type: TypeError, ID: msg.ID, View: cmd.View, Error: err.Error()})
			return
		}
		s.reply(Reply{Type: TypeAck, ID: msg.ID, View: cmd.View})

	default:
		s.reply(Reply{Type: TypeError, ID: msg.ID, Error: "unknown message type"})
	}
}

// Subscribe starts pushing view's snapshots. Subscribing twice is a no-op.
func (s *Session) Subscribe(view string) error {
	v, ok := s.views.Get(view)
	if !ok {
		return ErrUnknownView
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if _, ok := s.subs[view]; ok {
		return nil
	}
	s.subs[view] = v.Subscribe(func() { s.schedule(view) })
	return nil
}

func (s *Session) Unsubscribe(view string) {
	s.mu.Lock()
	unsub := s.subs[view]
	delete(s.subs, view)
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Subscriptions returns the number of subscribed views.
func (s *Session) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close drops every subscription.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = map[string]func(){}
	s.mu.Unlock()
	for _, u := range subs {
		u()
	}
}

func (s *Session) schedule(view string) {
	s.mu.Lock()
	if s.closed || s.pending[view] {
		s.mu.Unlock()
		return
	}
	s.pending[view] = true
	s.mu.Unlock()

	select {
	case s.out <- push(view):
	default:
		s.mu.Lock()
		delete(s.pending, view)
		s.mu.Unlock()
		s.log.Warn("outbox full, dropping snapshot", zap.String("view", view))
	}
}

func (s *Session) reply(r Reply) {
	select {
	case s.out <- r:
	default:
		s.log.Warn("outbox full, dropping reply", zap.String("type", r.Type))
	}
}

package offline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Source reports network connectivity and pushes changes to subscribers.
type Source interface {
	Online(ctx context.Context) (bool, error)
	// Subscribe registers fn for connectivity events. fn may be called from
	// any goroutine. The returned func unregisters it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(bool)
}

func (s *subscribers) add(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(bool))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.fns, id)
			s.mu.Unlock()
		})
	}
}

func (s *subscribers) notify(online bool) {
	s.mu.Lock()
	ids := make([]int, 0, len(s.fns))
	for id := range s.fns {
		ids = append(ids, id)
	}
	fns := make([]func(bool), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, s.fns[id])
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// ManualSource is a Source driven by the caller, used by the CLI's
// --offline flag and in tests. SetOnline delivers events synchronously.
type ManualSource struct {
	mu     sync.Mutex
	online bool
	err    error
	subs   subscribers
}

func NewManualSource(online bool) *ManualSource {
	return &ManualSource{online: online}
}

func (m *ManualSource) Online(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online, m.err
}

// SetStatusError makes Online fail with err until cleared with nil.
func (m *ManualSource) SetStatusError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// SetOnline changes the state and notifies subscribers when it differs.
func (m *ManualSource) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()
	if changed {
		m.subs.notify(online)
	}
}

func (m *ManualSource) Subscribe(fn func(online bool)) func() {
	return m.subs.add(fn)
}

// NATSSource derives connectivity from a NATS connection: disconnects mark
// the device offline and (re)connects mark it online. When statusSubject is
// set, "online" and "offline" messages on it override the state as well.
type NATSSource struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger

	mu     sync.Mutex
	online bool
	subs   subscribers
}

func NewNATSSource(url, statusSubject string, logger *slog.Logger, opts ...nats.Option) (*NATSSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &NATSSource{logger: logger.With("component", "offline", "source", "nats")}

	defaults := []nats.Option{
		nats.Name("classroll"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(*nats.Conn) { s.set(true) }),
		nats.ReconnectHandler(func(*nats.Conn) { s.set(true) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.logger.Debug("nats disconnected", "error", err)
			}
			s.set(false)
		}),
		nats.ClosedHandler(func(*nats.Conn) { s.set(false) }),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	s.conn = nc
	s.mu.Lock()
	s.online = nc.IsConnected()
	s.mu.Unlock()

	if statusSubject != "" {
		sub, err := nc.Subscribe(statusSubject, func(msg *nats.Msg) {
			switch strings.ToLower(strings.TrimSpace(string(msg.Data))) {
			case "online":
				s.set(true)
			case "offline":
				s.set(false)
			default:
				s.logger.Debug("ignoring status message", "subject", msg.Subject)
			}
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("subscribing to %s: %w", statusSubject, err)
		}
		s.sub = sub
		if nc.IsConnected() {
			if err := nc.Flush(); err != nil {
				_ = sub.Unsubscribe()
				nc.Close()
				return nil, fmt.Errorf("flushing subscription: %w", err)
			}
		}
	}
	return s, nil
}

func (s *NATSSource) Online(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online, nil
}

func (s *NATSSource) Subscribe(fn func(online bool)) func() {
	return s.subs.add(fn)
}

func (s *NATSSource) Close() error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.conn.Close()
	return nil
}

func (s *NATSSource) set(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.mu.Unlock()
	if changed {
		s.subs.notify(online)
	}
}

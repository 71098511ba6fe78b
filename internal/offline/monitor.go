package offline

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"goldrock/internal/domain"
	"goldrock/internal/events"
	"goldrock/internal/metrics"

	"github.com/rs/zerolog"
)

// ConnectivitySource delivers the host's "became online" / "became offline" signals.
type ConnectivitySource interface {
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Prober answers the boot-time "are we online" question.
type Prober interface {
	Probe(ctx context.Context) bool
}

// SignalSource is an in-process ConnectivitySource fed by SetOnline.
type SignalSource struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func(bool)
}

func NewSignalSource() *SignalSource {
	return &SignalSource{listeners: make(map[uint64]func(bool))}
}

func (s *SignalSource) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// SetOnline forwards a host signal to every listener, synchronously.
func (s *SignalSource) SetOnline(online bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// Monitor holds the cached connectivity flag and fires onOnline on offline->online edges only.
type Monitor struct {
	source       ConnectivitySource
	prober       Prober
	assumeOnline bool
	onOnline     func()
	events       domain.EventPublisher
	logger       *zerolog.Logger

	online      atomic.Bool
	mu          sync.Mutex
	unsubscribe func()

	// stateMu orders the boot probe result against signals that arrive while probing.
	stateMu  sync.Mutex
	signaled bool
}

func newMonitor(source ConnectivitySource, prober Prober, assumeOnline bool, onOnline func(), pub domain.EventPublisher, logger *zerolog.Logger) *Monitor {
	return &Monitor{
		source:       source,
		prober:       prober,
		assumeOnline: assumeOnline,
		onOnline:     onOnline,
		events:       pub,
		logger:       logger,
	}
}

// Start subscribes to the source, then runs the boot probe. The probe result sets the flag
// without firing onOnline, and is discarded if a signal arrived while probing. signaled reports
// that case: the signal itself already fired onOnline if it was an online edge.
func (m *Monitor) Start(ctx context.Context) (online, signaled bool) {
	m.mu.Lock()
	if m.source != nil && m.unsubscribe == nil {
		m.unsubscribe = m.source.Subscribe(m.handle)
	}
	m.mu.Unlock()

	initial := m.assumeOnline
	if m.prober != nil {
		initial = m.prober.Probe(ctx)
	}

	m.stateMu.Lock()
	signaled = m.signaled
	if !signaled {
		m.online.Store(initial)
	}
	online = m.online.Load()
	m.stateMu.Unlock()

	metrics.SetOnline(online)
	m.logger.Info().Bool("online", online).Bool("signaled", signaled).Msg("initial connectivity detected")
	return online, signaled
}

// Stop removes the source subscription.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

func (m *Monitor) handle(online bool) {
	m.stateMu.Lock()
	m.signaled = true
	prev := m.online.Swap(online)
	m.stateMu.Unlock()
	if prev == online {
		return
	}
	metrics.SetOnline(online)
	m.logger.Info().Bool("online", online).Msg("connectivity changed")
	if m.events != nil {
		if err := m.events.PublishJSON(events.EventConnectivity, events.ConnectivityPayload{Online: online, At: time.Now()}); err != nil {
			m.logger.Warn().Err(err).Msg("connectivity event handler failed")
		}
	}
	if online && m.onOnline != nil {
		m.onOnline()
	}
}

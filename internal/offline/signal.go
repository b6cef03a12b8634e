// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Parley Contributors

package offline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-dev/parley/internal/delivery"
	"github.com/parley-dev/parley/internal/store"
)

// Signal reports connectivity and notifies subscribers on transitions.
type Signal interface {
	Online() bool
	// Subscribe registers fn to be called on every online/offline
	// transition. The returned function unsubscribes.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// notifier is the shared subscription bookkeeping for Signal
// implementations.
type notifier struct {
	mu     sync.Mutex
	subs   map[int]func(online bool)
	nextID int
}

func (n *notifier) subscribe(fn func(online bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(online bool))
	}
	n.nextID++
	id := n.nextID
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs, id)
	}
}

func (n *notifier) notify(online bool) {
	n.mu.Lock()
	fns := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
}

// ManualSignal is a Signal driven by explicit SetOnline calls. The TUI uses
// it to reflect user-toggled offline mode; tests use it to script
// transitions.
type ManualSignal struct {
	notifier

	stateMu sync.Mutex
	online  bool
}

// NewManualSignal creates a ManualSignal with the given initial state.
func NewManualSignal(online bool) *ManualSignal {
	return &ManualSignal{online: online}
}

func (s *ManualSignal) Online() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.online
}

// SetOnline updates the state and notifies subscribers when it changed.
func (s *ManualSignal) SetOnline(online bool) {
	s.stateMu.Lock()
	changed := s.online != online
	s.online = online
	s.stateMu.Unlock()

	if changed {
		s.notify(online)
	}
}

func (s *ManualSignal) Subscribe(fn func(online bool)) func() {
	return s.subscribe(fn)
}

// DefaultProbeInterval is how often the Prober checks the webhook.
const DefaultProbeInterval = 30 * time.Second

// Prober derives connectivity by periodically probing the webhook endpoint
// through the Delivery Client. The first probe runs immediately on Start.
type Prober struct {
	notifier

	client   *delivery.Client
	kind     store.SessionKind
	interval time.Duration
	logger   *slog.Logger

	stateMu sync.Mutex
	online  bool
	stop    context.CancelFunc
}

// NewProber creates a Prober for the given session kind's endpoint. It
// starts pessimistic (offline) until the first probe succeeds.
func NewProber(client *delivery.Client, kind store.SessionKind, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		client:   client,
		kind:     kind,
		interval: interval,
		logger:   logger,
	}
}

func (p *Prober) Online() bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.online
}

func (p *Prober) Subscribe(fn func(online bool)) func() {
	return p.subscribe(fn)
}

// Start begins probing in the background until Stop is called or ctx is
// cancelled.
func (p *Prober) Start(ctx context.Context) {
	p.stateMu.Lock()
	if p.stop != nil {
		p.stateMu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.stop = cancel
	p.stateMu.Unlock()

	go p.run(runCtx)
}

// Stop halts background probing. The last observed state is retained.
func (p *Prober) Stop() {
	p.stateMu.Lock()
	stop := p.stop
	p.stop = nil
	p.stateMu.Unlock()
	if stop != nil {
		stop()
	}
}

// Probe performs one connectivity check and publishes any transition.
func (p *Prober) Probe(ctx context.Context) bool {
	online := p.client.TestConnection(ctx, p.kind)

	p.stateMu.Lock()
	changed := p.online != online
	p.online = online
	p.stateMu.Unlock()

	if changed {
		p.logger.Info("connectivity changed", "online", online)
		p.notify(online)
	}
	return online
}

func (p *Prober) run(ctx context.Context) {
	p.Probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

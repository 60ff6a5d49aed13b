/*
 * RuntimeScope
 * Copyright (C) 2025  RuntimeScope, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
)

// Service is one long-running part of the collector process.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string
	// Serve runs the service until it completes or the context ends.
	Serve(ctx context.Context) error
}

type funcService struct {
	name string
	fn   func(ctx context.Context) error
}

func (s funcService) Name() string                    { return s.name }
func (s funcService) Serve(ctx context.Context) error { return s.fn(ctx) }

const (
	stateCreated = iota
	stateStarted
)

// Supervisor runs registered services, each in its own goroutine, and
// collects their exit errors. The first service to fail cancels the shared
// context so its siblings can wind down.
type Supervisor struct {
	log *slog.Logger

	mu       sync.Mutex
	state    int
	services []Service
	errs     []error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{log: log, state: stateCreated}
}

// Register adds a service. A service registered after Start is launched
// immediately.
func (s *Supervisor) Register(srv Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services = append(s.services, srv)
	if s.state == stateStarted {
		s.serve(srv)
	}
}

// RegisterFunc adds a service backed by a plain function.
func (s *Supervisor) RegisterFunc(name string, fn func(ctx context.Context) error) {
	s.Register(funcService{name: name, fn: fn})
}

// Start launches every registered service. The supervisor context is
// derived from ctx, so canceling ctx stops the services too.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateStarted {
		return trace.BadParameter("supervisor is already started")
	}
	s.state = stateStarted
	s.ctx, s.cancel = context.WithCancel(ctx)
	if len(s.services) == 0 {
		s.log.WarnContext(ctx, "Supervisor has no services to run.")
		return nil
	}
	for _, srv := range s.services {
		s.serve(srv)
	}
	return nil
}

// serve launches one service. The caller must hold s.mu with the
// supervisor started.
func (s *Supervisor) serve(srv Service) {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.DebugContext(ctx, "Service has started.", "service", srv.Name())
		err := srv.Serve(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.ErrorContext(ctx, "Service exited with error.",
				"service", srv.Name(), "error", err)
			s.mu.Lock()
			s.errs = append(s.errs, trace.Wrap(err, "service %v", srv.Name()))
			s.mu.Unlock()
			// Take the rest of the process down with it.
			s.cancel()
			return
		}
		s.log.DebugContext(ctx, "Service has completed.", "service", srv.Name())
	}()
}

// Done is closed once the supervisor context ends, by Stop or by the first
// failing service. It must not be called before Start.
func (s *Supervisor) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Done()
}

// Stop cancels the supervisor context. Services that honor their context
// begin winding down; Wait collects them.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until every launched service has returned and reports their
// aggregated errors.
func (s *Supervisor) Wait() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return trace.NewAggregate(s.errs...)
}

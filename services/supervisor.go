// Package services runs the adapter's long-running components under one
// cancellation context and reports their health.
package services

import (
	"context"
	"errors"
	"sync"

	"github.com/cyverse-de/dicom-adapter/common"
	"golang.org/x/sync/errgroup"
)

var log = common.Log

// Per-service lifecycle states.
const (
	StateUnknown   = "Unknown"
	StateStopped   = "Stopped"
	StateRunning   = "Running"
	StateCancelled = "Cancelled"
)

// Service is one long-running component: a name and a blocking run function
// that returns when its context is cancelled.
type Service struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor starts services, tracks their states, and cancels the rest when
// any one of them fails.
type Supervisor struct {
	mu     sync.RWMutex
	states map[string]string
	group  *errgroup.Group
}

// NewSupervisor returns an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{states: make(map[string]string)}
}

// Start launches every service. The first failure cancels the derived
// context, which stops the others.
func (s *Supervisor) Start(ctx context.Context, services ...Service) {
	group, ctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.group = group
	for _, svc := range services {
		s.states[svc.Name] = StateUnknown
	}
	s.mu.Unlock()

	for _, svc := range services {
		svc := svc
		s.setState(svc.Name, StateRunning)
		group.Go(func() error {
			err := svc.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.setState(svc.Name, StateCancelled)
				log.WithError(err).Errorf("service %q died", svc.Name)
				return err
			}
			s.setState(svc.Name, StateStopped)
			log.Infof("service %q stopped", svc.Name)
			return nil
		})
	}
}

// Wait blocks until every service has returned, reporting the first failure.
func (s *Supervisor) Wait() error {
	s.mu.RLock()
	group := s.group
	s.mu.RUnlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

func (s *Supervisor) setState(name, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = state
}

// States returns a snapshot of the per-service states.
func (s *Supervisor) States() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.states))
	for name, state := range s.states {
		out[name] = state
	}
	return out
}

// Package scp implements the inbound DIMSE service class provider: a TCP
// listener that runs one association handler per accepted connection,
// admitting peers against the configured source and local application
// entities and answering C-ECHO and C-STORE.
package scp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cyverse-de/dicom-adapter/common"
	"github.com/cyverse-de/dicom-adapter/metrics"
	"github.com/cyverse-de/dicom-adapter/model"
	"github.com/cyverse-de/dicom-adapter/storage"
	"github.com/pkg/errors"
)

var log = common.Log

// AERegistry resolves application entities during admission. Implemented by
// the database store.
type AERegistry interface {
	GetLocalAE(aeTitle string) (*model.LocalAE, error)
	GetSourceAE(aeTitle, hostIP string) (*model.SourceAE, error)
}

// StoreHandler takes ownership of an accepted instance: it decides whether
// to persist, writes the file, and publishes the stored-instance
// notification. A nil return covers both "stored" and "duplicate skipped".
type StoreHandler interface {
	HandleInstance(info model.InstanceStorageInfo, data []byte, transferSyntaxUID string) error
}

// SpaceChecker gates inbound stores on available staging space.
type SpaceChecker interface {
	CanStore() bool
}

// Settings is the subset of the process configuration the SCP consumes.
type Settings struct {
	Port                         int
	MaximumNumberOfAssociations  int
	VerificationEnabled          bool
	VerificationTransferSyntaxes []string
	LogDimseDatasets             bool
	RejectUnknownSources         bool
}

// Server is the DIMSE SCP.
type Server struct {
	settings Settings
	registry AERegistry
	handler  StoreHandler
	space    SpaceChecker
	paths    storage.Paths

	counter associationCounter
	active  int32
	slots   chan struct{}
	wg      sync.WaitGroup
}

// New returns a server wired to its collaborators. Run starts it.
func New(settings Settings, registry AERegistry, handler StoreHandler, space SpaceChecker, paths storage.Paths) *Server {
	return &Server{
		settings: settings,
		registry: registry,
		handler:  handler,
		space:    space,
		paths:    paths,
		slots:    make(chan struct{}, settings.MaximumNumberOfAssociations),
	}
}

// ActiveAssociations returns the number of associations currently
// established, for the health status endpoint.
func (s *Server) ActiveAssociations() int {
	return int(atomic.LoadInt32(&s.active))
}

// Run binds the listening port and accepts associations until the context is
// cancelled. Each association runs on its own goroutine; a slot is acquired
// before Accept so the concurrency cap is enforced at the listener. On
// cancellation the listener closes, in-flight associations finish their
// current message, and Run returns once all of them have closed.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.settings.Port))
	if err != nil {
		return errors.Wrapf(err, "binding SCP port %d", s.settings.Port)
	}
	log.Infof("DIMSE SCP listening on port %d", s.settings.Port)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		}

		conn, err := listener.Accept()
		if err != nil {
			<-s.slots
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			log.WithError(err).Error("accepting DIMSE connection")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.handleConn(ctx, conn)
		}()
	}
}

// associationCounter issues association ids. The sequence is a u32 that
// wraps to 1, never 0, so an id of 0 always means "no association".
type associationCounter struct {
	mu   sync.Mutex
	last uint32
}

func (c *associationCounter) next() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last++
	if c.last == 0 {
		c.last = 1
	}
	return c.last
}

// remoteHost strips the port from a connection's remote address.
func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func (s *Server) trackEstablished() {
	atomic.AddInt32(&s.active, 1)
	metrics.ActiveAssociations.Inc()
	metrics.AssociationsTotal.Inc()
}

func (s *Server) trackClosed() {
	atomic.AddInt32(&s.active, -1)
	metrics.ActiveAssociations.Dec()
}

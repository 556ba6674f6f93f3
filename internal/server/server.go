// Package server implements the client-facing TCP front end (spec §6): the
// accept loop and the per-connection protocol session that dispatches
// SELECT_IMAGE, GET_BLOCK, GET_SERVERS, GET_CRC32 and KEEPALIVE.
package server

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dnbd3/dnbd3proxy/internal/altsrv"
	"github.com/dnbd3/dnbd3proxy/internal/config"
	"github.com/dnbd3/dnbd3proxy/internal/image"
	"github.com/dnbd3/dnbd3proxy/internal/uplink"
)

// IntegrityEnqueuer is satisfied by *integrity.Checker; declared here (and
// re-required by uplink.New's signature) so server does not need to import
// the integrity package just to name its type.
type IntegrityEnqueuer = uplink.IntegrityEnqueuer

// Server accepts client connections and dispatches the wire protocol
// against the image registry and alt-server table.
type Server struct {
	cfg     *config.Config
	log     *logrus.Entry
	reg     *image.Registry
	altReg  *altsrv.Registry
	checker IntegrityEnqueuer

	mu sync.Mutex
	ln net.Listener
}

// New constructs a Server bound to its collaborators. checker may be nil in
// tests that do not exercise integrity enqueueing.
func New(cfg *config.Config, log *logrus.Entry, reg *image.Registry, altReg *altsrv.Registry, checker IntegrityEnqueuer) *Server {
	return &Server{cfg: cfg, log: log, reg: reg, altReg: altReg, checker: checker}
}

// Serve listens on cfg.ListenAddress and accepts connections until ctx is
// canceled. Each connection is handled on its own goroutine (§5 "short-lived
// task threads for connection handshakes").
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				if s.log != nil {
					s.log.WithError(err).Warn("accept failed")
				}

				continue
			}
		}

		go s.handleConn(conn)
	}
}

// Addr returns the listener's bound address, or nil before Serve starts
// listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

func (s *Server) newUplinkFactory(img *image.Image) func() image.UplinkHandle {
	return func() image.UplinkHandle {
		return uplink.New(s.log, s.cfg, img, s.altReg, s.checker)
	}
}

// Package server runs the session service: the TLS listener carrying
// handshake, login, chat, administration, and transfer-ticket traffic.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/channel"
	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/gate"
	"github.com/nexusbb/nexusd/internal/repository"
	"github.com/nexusbb/nexusd/internal/session"
	"github.com/nexusbb/nexusd/internal/ticket"
	"github.com/nexusbb/nexusd/internal/transfer"
	"github.com/nexusbb/nexusd/internal/wire"
)

// writeTimeout bounds a single frame write so one stuck peer cannot pin a
// writer goroutine.
const writeTimeout = 30 * time.Second

// Server wires the session listener to the subsystems behind it.
type Server struct {
	log      *zap.Logger
	name     string
	tlsConf  *tls.Config
	reg      *session.Registry
	gate     *gate.Gate
	router   *channel.Router
	accounts repository.AccountRepository
	tickets  *ticket.Issuer
	index    *transfer.Index
}

// New constructs the session server.
func New(log *zap.Logger, name string, tlsConf *tls.Config, reg *session.Registry, g *gate.Gate, router *channel.Router, accounts repository.AccountRepository, tickets *ticket.Issuer, index *transfer.Index) *Server {
	return &Server{
		log:      log,
		name:     name,
		tlsConf:  tlsConf,
		reg:      reg,
		gate:     g,
		router:   router,
		accounts: accounts,
		tickets:  tickets,
		index:    index,
	}
}

// Serve accepts connections until the context ends. The ban gate runs on the
// raw accept, before any TLS handshake work is spent on the peer.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func peerIP(conn net.Conn) net.IP {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4
		}
		return addr.IP
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	ip := peerIP(raw)
	if ip == nil {
		raw.Close()
		return
	}
	if d := s.gate.Check(ip); !d.Allow {
		// Denied peers get no TLS handshake and no protocol banner.
		s.log.Info("connection denied", zap.String("ip", ip.String()), zap.String("reason", d.Reason))
		raw.Close()
		return
	}

	sess, err := s.reg.Connect(ip)
	if err != nil {
		raw.Close()
		return
	}
	defer s.teardown(sess)

	conn := tls.Server(raw, s.tlsConf)
	defer conn.Close()
	if err := conn.HandshakeContext(ctx); err != nil {
		return
	}

	go s.writeLoop(conn, sess)
	s.readLoop(ctx, conn, sess)
}

// teardown is the single deterministic disconnect path: channel departures
// fan out, then every registry entry is released.
func (s *Server) teardown(sess *session.Session) {
	s.router.LeaveAll(sess.ID)
	s.reg.Remove(sess)
	reason, by := sess.CloseReason()
	s.log.Info("session closed",
		zap.String("ip", sess.IP.String()),
		zap.String("nickname", sess.Nickname()),
		zap.String("reason", reason),
		zap.String("by", by))
}

// writeLoop drains the session outbox onto the transport.
func (s *Server) writeLoop(conn net.Conn, sess *session.Session) {
	for {
		select {
		case <-sess.Closed():
			// Flush anything already queued, then drop the transport.
			for {
				select {
				case env := <-sess.Outbox():
					conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if wire.WriteFrame(conn, env) != nil {
						conn.Close()
						return
					}
				default:
					conn.Close()
					return
				}
			}
		case env := <-sess.Outbox():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wire.WriteFrame(conn, env); err != nil {
				sess.Close("write failed", "")
				conn.Close()
				return
			}
		}
	}
}

// readLoop decodes frames and dispatches them until the peer goes away or a
// fatal protocol error occurs.
func (s *Server) readLoop(ctx context.Context, conn net.Conn, sess *session.Session) {
	for {
		select {
		case <-sess.Closed():
			return
		default:
		}
		env, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				if errors.Is(err, errs.ErrProtocol) {
					sess.Send(wire.ErrorEnvelope(0, err))
				}
			}
			sess.Close("connection lost", "")
			return
		}
		replies, fatal := s.dispatch(ctx, sess, env)
		for _, r := range replies {
			sess.Send(r)
		}
		if fatal != nil {
			sess.Close(fatal.Error(), "")
			return
		}
	}
}

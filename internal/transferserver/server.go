// Package transferserver runs the transfer service: the second TLS listener
// carrying folder listings, uploads, downloads, job control, file
// management, and search. Connections authenticate with a ticket issued by
// the session service instead of a second credential exchange.
package transferserver

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/gate"
	"github.com/nexusbb/nexusd/internal/perm"
	"github.com/nexusbb/nexusd/internal/repository"
	"github.com/nexusbb/nexusd/internal/ticket"
	"github.com/nexusbb/nexusd/internal/transfer"
	"github.com/nexusbb/nexusd/internal/vfs"
	"github.com/nexusbb/nexusd/internal/wire"
)

const writeTimeout = 30 * time.Second

// Server wires the transfer listener to the engine and index behind it.
type Server struct {
	log      *zap.Logger
	name     string
	tlsConf  *tls.Config
	gate     *gate.Gate
	tickets  *ticket.Issuer
	accounts repository.AccountRepository
	res      *vfs.Resolver
	engine   *transfer.Engine
	index    *transfer.Index
}

// New constructs the transfer server.
func New(log *zap.Logger, name string, tlsConf *tls.Config, g *gate.Gate, tickets *ticket.Issuer, accounts repository.AccountRepository, res *vfs.Resolver, engine *transfer.Engine, index *transfer.Index) *Server {
	return &Server{
		log:      log,
		name:     name,
		tlsConf:  tlsConf,
		gate:     g,
		tickets:  tickets,
		accounts: accounts,
		res:      res,
		engine:   engine,
		index:    index,
	}
}

// Serve accepts connections until the context ends. The same pre-TLS ban
// gate guards this listener as the session one.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, raw)
	}
}

func peerIP(c net.Conn) net.IP {
	if addr, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4
		}
		return addr.IP
	}
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
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
		raw.Close()
		return
	}
	tc := tls.Server(raw, s.tlsConf)
	defer tc.Close()
	if err := tc.HandshakeContext(ctx); err != nil {
		return
	}

	c := &conn{srv: s, rw: tc, ip: ip, jobs: map[uuid.UUID]*transfer.Job{}}
	c.loop(ctx)
}

// conn is one transfer connection's state. Frame writes are serialized under
// wmu because download streaming runs on its own goroutine.
type conn struct {
	srv *Server
	rw  net.Conn
	ip  net.IP

	wmu sync.Mutex

	handshaken bool
	authed     bool
	acc        vfs.AccountView
	actor      perm.Actor
	owner      uuid.UUID // owning session id, from the ticket
	nickname   string

	jmu  sync.Mutex
	jobs map[uuid.UUID]*transfer.Job
}

func (c *conn) write(env wire.Envelope) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.rw.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wire.WriteFrame(c.rw, env)
}

func (c *conn) writeErr(seq uint32, err error) {
	c.write(wire.ErrorEnvelope(seq, err))
}

func (c *conn) loop(ctx context.Context) {
	defer c.cancelOrphans()
	for {
		env, err := wire.ReadFrame(c.rw)
		if err != nil {
			return
		}
		if fatal := c.handle(ctx, env); fatal {
			return
		}
	}
}

// cancelOrphans terminates jobs whose connection died mid-transfer. Upload
// partials stay on disk for resume; only an explicit cancel discards them.
func (c *conn) cancelOrphans() {
	c.jmu.Lock()
	defer c.jmu.Unlock()
	for id, j := range c.jobs {
		if !j.State().Terminal() {
			c.srv.engine.Interrupt(id, c.owner, true)
		}
	}
}

func (c *conn) track(j *transfer.Job) {
	c.jmu.Lock()
	c.jobs[j.ID] = j
	c.jmu.Unlock()
}

func (c *conn) job(id string) (*transfer.Job, error) {
	jid, err := uuid.FromString(id)
	if err != nil {
		return nil, errs.ErrValidation
	}
	c.jmu.Lock()
	j, ok := c.jobs[jid]
	c.jmu.Unlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	return j, nil
}

// handle processes one frame; true means the connection must close.
func (c *conn) handle(ctx context.Context, env wire.Envelope) bool {
	if !c.handshaken {
		if env.Type != wire.TypeHandshake {
			c.writeErr(env.Seq, errs.ErrProtocol)
			return true
		}
		var msg wire.HandshakeMsg
		if err := wire.Unmarshal(env.Body, &msg); err != nil {
			c.writeErr(env.Seq, errs.ErrProtocol)
			return true
		}
		if err := wire.CheckVersion(msg.Version); err != nil {
			c.writeErr(env.Seq, err)
			return true
		}
		c.handshaken = true
		ack, _ := wire.NewEnvelope(wire.TypeHandshakeAck, env.Seq, wire.HandshakeAckMsg{
			Version: wire.ServerVersion(),
			Name:    c.srv.name,
		})
		c.write(ack)
		return false
	}
	if !c.authed {
		if env.Type != wire.TypeTransferAuth {
			c.writeErr(env.Seq, errs.ErrProtocol)
			return true
		}
		if err := c.auth(ctx, env); err != nil {
			c.writeErr(env.Seq, err)
			return true
		}
		okEnv, _ := wire.NewEnvelope(wire.TypeOK, env.Seq, nil)
		c.write(okEnv)
		return false
	}
	if err := c.dispatch(ctx, env); err != nil {
		c.writeErr(env.Seq, err)
	}
	return false
}

// auth verifies the ticket against the connection's source IP, then loads a
// fresh account record so revocations between ticket issue and use hold.
func (c *conn) auth(ctx context.Context, env wire.Envelope) error {
	var msg wire.TransferAuthMsg
	if err := wire.Unmarshal(env.Body, &msg); err != nil {
		return errs.ErrProtocol
	}
	claims, err := c.srv.tickets.Verify(msg.Ticket, c.ip)
	if err != nil {
		return err
	}
	acc, err := c.srv.accounts.GetByUsername(ctx, claims.Username)
	if err != nil || !acc.Enabled {
		return errs.ErrUnauthorized
	}
	c.owner = uuid.FromStringOrNil(claims.SessionID)
	c.nickname = claims.Nickname
	c.acc = vfs.AccountView{Username: acc.Username, Shared: acc.Shared || acc.Guest, Admin: acc.Admin}
	c.actor = perm.Actor{
		Admin:    acc.Admin,
		Snapshot: acc.Perms.Clone(),
		Username: acc.Username,
		Shared:   acc.Shared || acc.Guest,
	}
	c.authed = true
	c.srv.log.Info("transfer connection authenticated",
		zap.String("username", acc.Username),
		zap.String("ip", c.ip.String()))
	return nil
}

// StatusMsg renders an engine snapshot for the wire. The daemon uses it to
// forward job transitions to the owning chat session.
func StatusMsg(s transfer.Snapshot) wire.JobStatusMsg {
	return wire.JobStatusMsg{
		JobID:    s.ID.String(),
		State:    s.State.String(),
		Progress: s.Offset,
		Total:    s.Size,
		Hash:     s.Hash,
		Error:    s.Error,
	}
}

func jobStatus(seq uint32, j *transfer.Job) wire.Envelope {
	env, _ := wire.NewEnvelope(wire.TypeJobStatus, seq, wire.JobStatusMsg{
		JobID:    j.ID.String(),
		State:    j.State().String(),
		Progress: j.Progress(),
		Total:    j.Size,
		Hash:     j.FinalHash(),
	})
	return env
}

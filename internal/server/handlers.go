package server

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/crypto"
	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/gate"
	"github.com/nexusbb/nexusd/internal/model"
	"github.com/nexusbb/nexusd/internal/perm"
	"github.com/nexusbb/nexusd/internal/session"
	"github.com/nexusbb/nexusd/internal/wire"
)

// usernameRe bounds account names. Distinct from the nickname grammar:
// usernames allow dots for service-style accounts.
var usernameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]{2,32}$`)

const minPasswordLen = 6

// dispatch routes one decoded frame by session state and message type.
// A non-nil fatal closes the connection after the replies are queued.
func (s *Server) dispatch(ctx context.Context, sess *session.Session, env wire.Envelope) (replies []wire.Envelope, fatal error) {
	switch sess.State() {
	case session.StateConnected:
		if env.Type != wire.TypeHandshake {
			return []wire.Envelope{wire.ErrorEnvelope(env.Seq, errs.ErrProtocol)}, errs.ErrProtocol
		}
		return s.handleHandshake(sess, env)
	case session.StateHandshakeComplete:
		if env.Type != wire.TypeLogin {
			return []wire.Envelope{wire.ErrorEnvelope(env.Seq, errs.ErrProtocol)}, errs.ErrProtocol
		}
		return s.handleLogin(ctx, sess, env)
	}

	if env.Type == wire.TypeHandshake || env.Type == wire.TypeLogin {
		return []wire.Envelope{wire.ErrorEnvelope(env.Seq, errs.ErrProtocol)}, errs.ErrProtocol
	}

	reply, err := s.handleAuthed(ctx, sess, env)
	if err != nil {
		return []wire.Envelope{wire.ErrorEnvelope(env.Seq, err)}, nil
	}
	if reply != nil {
		return []wire.Envelope{*reply}, nil
	}
	return nil, nil
}

func decode[T any](env wire.Envelope) (T, error) {
	var msg T
	if err := wire.Unmarshal(env.Body, &msg); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: bad %T", errs.ErrProtocol, msg)
	}
	return msg, nil
}

func ok(seq uint32) *wire.Envelope {
	env, _ := wire.NewEnvelope(wire.TypeOK, seq, nil)
	return &env
}

func reply(t wire.Type, seq uint32, body any) (*wire.Envelope, error) {
	env, err := wire.NewEnvelope(t, seq, body)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Server) handleHandshake(sess *session.Session, env wire.Envelope) ([]wire.Envelope, error) {
	msg, err := decode[wire.HandshakeMsg](env)
	if err != nil {
		return []wire.Envelope{wire.ErrorEnvelope(env.Seq, err)}, err
	}
	if err := sess.Handshake(msg.Version); err != nil {
		// Version problems are fatal; the peer must upgrade or downgrade.
		return []wire.Envelope{wire.ErrorEnvelope(env.Seq, err)}, err
	}
	ack, err := wire.NewEnvelope(wire.TypeHandshakeAck, env.Seq, wire.HandshakeAckMsg{
		SessionID: sess.ID.String(),
		Version:   wire.ServerVersion(),
		Name:      s.name,
	})
	if err != nil {
		return nil, err
	}
	return []wire.Envelope{ack}, nil
}

func (s *Server) handleLogin(ctx context.Context, sess *session.Session, env wire.Envelope) ([]wire.Envelope, error) {
	msg, err := decode[wire.LoginMsg](env)
	if err != nil {
		return []wire.Envelope{wire.ErrorEnvelope(env.Seq, err)}, err
	}
	if err := s.reg.Login(ctx, sess, msg.Username, msg.Password, msg.Nickname); err != nil {
		// Failed logins keep the connection; the peer may retry.
		return []wire.Envelope{wire.ErrorEnvelope(env.Seq, err)}, nil
	}

	// Second gate pass now that a nickname is known: a nickname-trusted peer
	// stays, anyone else is re-checked against the ban table.
	if d := s.gate.CheckNickname(sess.Nickname(), sess.IP); !d.Allow {
		em := wire.ErrorMsg{Code: wire.CodeBanned, Message: d.Reason}
		if !d.Permanent {
			em.Remaining = d.Remaining.Truncate(time.Second).String()
		}
		e, _ := wire.NewEnvelope(wire.TypeError, env.Seq, em)
		return []wire.Envelope{e}, errs.ErrBanned
	}

	actor := sess.Actor()
	okMsg, err := wire.NewEnvelope(wire.TypeLoginOK, env.Seq, wire.LoginOKMsg{
		Username: actor.Username,
		Nickname: sess.Nickname(),
		Admin:    actor.Admin,
		Perms:    actor.Snapshot.Tokens(),
	})
	if err != nil {
		return nil, err
	}
	return []wire.Envelope{okMsg}, nil
}

func (s *Server) handleAuthed(ctx context.Context, sess *session.Session, env wire.Envelope) (*wire.Envelope, error) {
	actor := sess.Actor()
	switch env.Type {
	case wire.TypeChatSend:
		msg, err := decode[wire.ChatSendMsg](env)
		if err != nil {
			return nil, err
		}
		if err := actor.Require(perm.ChatSend); err != nil {
			return nil, err
		}
		if err := s.router.Chat(sess.ID, msg.Channel, msg.Text); err != nil {
			return nil, err
		}
		return ok(env.Seq), nil

	case wire.TypeChannelJoin:
		msg, err := decode[wire.ChannelJoinMsg](env)
		if err != nil {
			return nil, err
		}
		if err := actor.Require(perm.ChatJoinChannel); err != nil {
			return nil, err
		}
		if !s.router.Exists(msg.Channel) {
			if err := actor.Require(perm.ChatCreateChannel); err != nil {
				return nil, err
			}
		}
		if err := s.router.Join(sess.ID, sess.Nickname(), sess, msg.Channel, msg.Secret); err != nil {
			return nil, err
		}
		return ok(env.Seq), nil

	case wire.TypeChannelLeave:
		msg, err := decode[wire.ChannelLeaveMsg](env)
		if err != nil {
			return nil, err
		}
		if err := s.router.Leave(sess.ID, msg.Channel); err != nil {
			return nil, err
		}
		return ok(env.Seq), nil

	case wire.TypeChannelList:
		return reply(wire.TypeChannelList, env.Seq, wire.ChannelListMsg{Channels: s.router.List(sess.ID)})

	case wire.TypeTopicGet:
		msg, err := decode[wire.TopicMsg](env)
		if err != nil {
			return nil, err
		}
		topic, setBy, err := s.router.Topic(msg.Channel)
		if err != nil {
			return nil, err
		}
		return reply(wire.TypeTopic, env.Seq, wire.TopicMsg{Channel: msg.Channel, Topic: topic, SetBy: setBy})

	case wire.TypeTopicSet, wire.TypeTopicClear:
		msg, err := decode[wire.TopicMsg](env)
		if err != nil {
			return nil, err
		}
		if err := actor.Require(perm.ChatTopicEdit); err != nil {
			return nil, err
		}
		topic := msg.Topic
		if env.Type == wire.TypeTopicClear {
			topic = ""
		}
		if err := s.router.SetTopic(msg.Channel, topic, sess.Nickname()); err != nil {
			return nil, err
		}
		return ok(env.Seq), nil

	case wire.TypeUserCreate:
		msg, err := decode[wire.UserUpsertMsg](env)
		if err != nil {
			return nil, err
		}
		return s.userCreate(ctx, sess, actor, env.Seq, msg)

	case wire.TypeUserEdit:
		msg, err := decode[wire.UserUpsertMsg](env)
		if err != nil {
			return nil, err
		}
		return s.userEdit(ctx, actor, env.Seq, msg)

	case wire.TypeUserDelete:
		msg, err := decode[wire.UserTargetMsg](env)
		if err != nil {
			return nil, err
		}
		return s.userDelete(ctx, actor, env.Seq, msg.Username)

	case wire.TypeUserList:
		if err := actor.Require(perm.UserList); err != nil {
			return nil, err
		}
		accs, err := s.accounts.List(ctx)
		if err != nil {
			return nil, err
		}
		users := make([]wire.UserInfo, 0, len(accs))
		for _, a := range accs {
			users = append(users, wire.UserInfo{
				Username: a.Username,
				Admin:    a.Admin,
				Shared:   a.Shared || a.Guest,
				Enabled:  a.Enabled,
				Perms:    a.Perms.Tokens(),
			})
		}
		return reply(wire.TypeUserList, env.Seq, wire.UserListMsg{Users: users})

	case wire.TypeKick:
		msg, err := decode[wire.KickMsg](env)
		if err != nil {
			return nil, err
		}
		if err := actor.Require(perm.UserKick); err != nil {
			return nil, err
		}
		target, found := s.reg.ByNickname(msg.Nickname)
		if !found {
			return nil, errs.ErrNotFound
		}
		// Self is the session, not the username: two people logged into one
		// shared account are distinct kick targets.
		if target.ID == sess.ID {
			return nil, errs.ErrSelfTarget
		}
		if err := actor.CheckTarget(perm.TargetView{Username: target.Username(), Admin: target.Actor().Admin}, true); err != nil {
			return nil, err
		}
		if err := s.reg.Kick(msg.Nickname, msg.Reason, sess.Nickname()); err != nil {
			return nil, err
		}
		return ok(env.Seq), nil

	case wire.TypeBan:
		msg, err := decode[wire.BanMsg](env)
		if err != nil {
			return nil, err
		}
		if err := actor.Require(perm.BanCreate); err != nil {
			return nil, err
		}
		ga := gate.Actor{Nickname: sess.Nickname(), IP: sess.IP, Admin: actor.Admin}
		if err := s.gate.Ban(ctx, ga, msg.Target, msg.Duration, msg.Reason); err != nil {
			return nil, err
		}
		return ok(env.Seq), nil

	case wire.TypeUnban:
		msg, err := decode[wire.UnbanMsg](env)
		if err != nil {
			return nil, err
		}
		if err := actor.Require(perm.BanRemove); err != nil {
			return nil, err
		}
		if err := s.gate.Unban(ctx, msg.Target); err != nil {
			return nil, err
		}
		return ok(env.Seq), nil

	case wire.TypeBanList:
		if err := actor.Require(perm.BanList); err != nil {
			return nil, err
		}
		bans := s.gate.Bans()
		out := make([]wire.BanInfo, 0, len(bans))
		for _, b := range bans {
			out = append(out, wire.BanInfo{
				Target:    b.TargetString(),
				Nickname:  b.Nickname,
				Reason:    b.Reason,
				CreatedBy: b.CreatedBy,
				ExpiresAt: b.ExpiresAt,
				Permanent: b.Permanent(),
			})
		}
		return reply(wire.TypeBanList, env.Seq, wire.BanListMsg{Entries: out})

	case wire.TypeTrust:
		msg, err := decode[wire.BanMsg](env)
		if err != nil {
			return nil, err
		}
		if err := actor.Require(perm.TrustEdit); err != nil {
			return nil, err
		}
		ga := gate.Actor{Nickname: sess.Nickname(), IP: sess.IP, Admin: actor.Admin}
		if err := s.gate.Trust(ctx, ga, msg.Target, msg.Duration, msg.Reason); err != nil {
			return nil, err
		}
		return ok(env.Seq), nil

	case wire.TypeUntrust:
		msg, err := decode[wire.UnbanMsg](env)
		if err != nil {
			return nil, err
		}
		if err := actor.Require(perm.TrustEdit); err != nil {
			return nil, err
		}
		if err := s.gate.Untrust(ctx, msg.Target); err != nil {
			return nil, err
		}
		return ok(env.Seq), nil

	case wire.TypeTrustList:
		if err := actor.Require(perm.TrustList); err != nil {
			return nil, err
		}
		trusts := s.gate.Trusted()
		out := make([]wire.BanInfo, 0, len(trusts))
		for _, t := range trusts {
			out = append(out, wire.BanInfo{
				Target:    t.TargetString(),
				Nickname:  t.Nickname,
				Reason:    t.Reason,
				CreatedBy: t.CreatedBy,
				ExpiresAt: t.ExpiresAt,
				Permanent: t.Permanent(),
			})
		}
		return reply(wire.TypeTrustList, env.Seq, wire.BanListMsg{Entries: out})

	case wire.TypeReindex:
		if err := actor.Require(perm.FileReindex); err != nil {
			return nil, err
		}
		if s.index.Building() {
			return nil, fmt.Errorf("%w: reindex already in progress", errs.ErrJobState)
		}
		go func() {
			if err := s.index.Rebuild(context.Background()); err != nil {
				s.log.Warn("manual reindex failed", zap.Error(err))
			}
		}()
		return ok(env.Seq), nil

	case wire.TypeRecheck:
		if err := s.reg.Recheck(ctx, sess); err != nil {
			return nil, err
		}
		fresh := sess.Actor()
		return reply(wire.TypeLoginOK, env.Seq, wire.LoginOKMsg{
			Username: fresh.Username,
			Nickname: sess.Nickname(),
			Admin:    fresh.Admin,
			Perms:    fresh.Snapshot.Tokens(),
		})

	case wire.TypeTicketRequest:
		tok, err := s.tickets.Issue(sess.ID, actor.Username, sess.Nickname(), actor.Admin, sess.IP)
		if err != nil {
			return nil, err
		}
		return reply(wire.TypeTicketGrant, env.Seq, wire.TicketGrantMsg{Ticket: tok})

	default:
		return nil, fmt.Errorf("%w: unexpected message type %d", errs.ErrProtocol, env.Type)
	}
}

func (s *Server) userCreate(ctx context.Context, sess *session.Session, actor perm.Actor, seq uint32, msg wire.UserUpsertMsg) (*wire.Envelope, error) {
	if err := actor.Require(perm.UserCreate); err != nil {
		return nil, err
	}
	if !usernameRe.MatchString(msg.Username) {
		return nil, fmt.Errorf("%w: username must match %s", errs.ErrValidation, usernameRe)
	}
	if len(msg.Password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password too short", errs.ErrValidation)
	}
	if msg.Admin && !actor.Admin {
		return nil, fmt.Errorf("%w: only admins create admins", errs.ErrGrantExceedsOwn)
	}
	// Shared accounts never hold admin; stripped at write time like the
	// restricted capabilities.
	admin := msg.Admin && !msg.Shared
	eff, err := actor.CheckGrant(perm.NewSet(msg.Perms...), msg.Shared)
	if err != nil {
		return nil, err
	}

	salt, err := crypto.RandBytes(crypto.SaltLen)
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	enabled := true
	if msg.Enabled != nil {
		enabled = *msg.Enabled
	}
	acc := model.Account{
		ID:        id,
		Username:  msg.Username,
		PwdHash:   crypto.HashPassword([]byte(msg.Password), salt),
		SaltAuth:  salt,
		Admin:     admin,
		Shared:    msg.Shared,
		Enabled:   enabled,
		Perms:     eff,
		CreatedAt: time.Now(),
	}
	if err := s.accounts.Create(ctx, &acc); err != nil {
		return nil, err
	}
	s.log.Info("account created",
		zap.String("username", acc.Username),
		zap.String("by", sess.Nickname()),
		zap.Bool("admin", acc.Admin),
		zap.Bool("shared", acc.Shared))
	return ok(seq), nil
}

func (s *Server) userEdit(ctx context.Context, actor perm.Actor, seq uint32, msg wire.UserUpsertMsg) (*wire.Envelope, error) {
	if err := actor.Require(perm.UserEdit); err != nil {
		return nil, err
	}
	target, err := s.accounts.GetByUsername(ctx, msg.Username)
	if err != nil {
		return nil, err
	}
	// Editing one's own account is legal; demoting or disabling an admin as a
	// non-admin is not.
	if err := actor.CheckTarget(perm.TargetView{Username: target.Username, Admin: target.Admin}, true); err != nil {
		return nil, err
	}
	if msg.Admin && !actor.Admin {
		return nil, fmt.Errorf("%w: only admins grant admin", errs.ErrGrantExceedsOwn)
	}
	// Shared accounts never hold admin; the flag is stripped at write time,
	// including when this edit is what makes the account shared.
	shared := msg.Shared || target.Guest
	admin := msg.Admin && !shared

	removesAdmin := target.Admin && !admin
	disables := msg.Enabled != nil && !*msg.Enabled && target.Enabled
	if removesAdmin || (disables && target.Admin) {
		n, err := s.accounts.CountAdmins(ctx)
		if err != nil {
			return nil, err
		}
		if err := perm.CheckLastAdmin(n, target.Admin, true); err != nil {
			return nil, err
		}
	}

	eff, err := actor.CheckGrant(perm.NewSet(msg.Perms...), shared)
	if err != nil {
		return nil, err
	}

	target.Admin = admin
	target.Perms = eff
	if msg.Enabled != nil {
		target.Enabled = *msg.Enabled
	}
	if !target.Guest {
		target.Shared = msg.Shared
	}
	if msg.Password != "" {
		if len(msg.Password) < minPasswordLen {
			return nil, fmt.Errorf("%w: password too short", errs.ErrValidation)
		}
		salt, err := crypto.RandBytes(crypto.SaltLen)
		if err != nil {
			return nil, err
		}
		target.SaltAuth = salt
		target.PwdHash = crypto.HashPassword([]byte(msg.Password), salt)
	}
	if err := s.accounts.Update(ctx, target); err != nil {
		return nil, err
	}
	s.log.Info("account updated", zap.String("username", target.Username), zap.String("by", actor.Username))
	return ok(seq), nil
}

func (s *Server) userDelete(ctx context.Context, actor perm.Actor, seq uint32, username string) (*wire.Envelope, error) {
	if err := actor.Require(perm.UserDelete); err != nil {
		return nil, err
	}
	target, err := s.accounts.GetByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	if target.Guest {
		return nil, errs.ErrGuestImmutable
	}
	if err := actor.CheckTarget(perm.TargetView{Username: target.Username, Admin: target.Admin}, false); err != nil {
		return nil, err
	}
	if target.Admin {
		n, err := s.accounts.CountAdmins(ctx)
		if err != nil {
			return nil, err
		}
		if err := perm.CheckLastAdmin(n, true, true); err != nil {
			return nil, err
		}
	}
	if err := s.accounts.Delete(ctx, target.Username); err != nil {
		return nil, err
	}
	// Live sessions on the deleted account are torn down.
	for _, live := range s.reg.All() {
		if strings.EqualFold(live.Username(), target.Username) {
			s.reg.Kick(live.Nickname(), "account deleted", actor.Username)
		}
	}
	s.log.Info("account deleted", zap.String("username", target.Username), zap.String("by", actor.Username))
	return ok(seq), nil
}

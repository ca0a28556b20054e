// Package channel implements the in-memory chat router: channel membership,
// topics, and ordered fan-out of chat/presence/topic events.
package channel

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/wire"
)

// nameRe bounds channel names: '#' prefix, 2..64 runes total, no spaces or
// control characters.
var nameRe = regexp.MustCompile(`^#[^\s#][^\s]{0,62}$`)

// maxTopicLen bounds topics; maxChatLen bounds a single chat line.
const (
	maxTopicLen = 200
	maxChatLen  = 2000
)

// Subscriber receives ordered events for channels it is a member of. The
// session type implements it.
type Subscriber interface {
	Send(env wire.Envelope) bool
}

type member struct {
	nick string
	sub  Subscriber
}

// channel state. Each channel serializes its own fan-out under mu, which is
// what gives members per-channel delivery ordering.
type channel struct {
	mu         sync.Mutex
	name       string
	members    map[uuid.UUID]member
	topic      string
	topicSetBy string
	secret     bool
	persistent bool
}

// Router owns the channel table.
type Router struct {
	log        *zap.Logger
	persistent map[string]struct{}

	mu       sync.Mutex
	channels map[string]*channel // lowercased name
}

// NewRouter constructs a router. Channels named in persistent survive empty
// membership.
func NewRouter(log *zap.Logger, persistent []string) *Router {
	p := make(map[string]struct{}, len(persistent))
	for _, name := range persistent {
		p[strings.ToLower(name)] = struct{}{}
	}
	r := &Router{log: log, persistent: p, channels: make(map[string]*channel)}
	for name := range p {
		r.channels[name] = &channel{name: name, members: map[uuid.UUID]member{}, persistent: true}
	}
	return r
}

// ValidateName checks the channel-name grammar.
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: bad channel name", errs.ErrValidation)
	}
	return nil
}

// Join adds the session to the channel, creating it implicitly. The caller
// has already checked chat_join_channel (and chat_create_channel when the
// channel does not exist; see Exists). Join and leave notifications are
// fanned out in observation order.
func (r *Router) Join(id uuid.UUID, nick string, sub Subscriber, name string, secret bool) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	key := strings.ToLower(name)

	r.mu.Lock()
	ch, ok := r.channels[key]
	if !ok {
		ch = &channel{name: strings.ToLower(name), members: map[uuid.UUID]member{}, secret: secret}
		r.channels[key] = ch
		r.log.Info("channel created", zap.String("channel", name), zap.Bool("secret", secret))
	}
	r.mu.Unlock()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, in := ch.members[id]; in {
		return fmt.Errorf("%w: already a member", errs.ErrValidation)
	}
	ch.members[id] = member{nick: nick, sub: sub}
	r.fanOutLocked(ch, wire.ChatEventMsg{Channel: ch.name, Kind: "join", From: nick, At: time.Now()})
	return nil
}

// Exists reports whether the channel is already present (drives the
// create-capability requirement on implicit creation).
func (r *Router) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[strings.ToLower(name)]
	return ok
}

// Leave removes the session from the channel, destroying the channel when
// the last member leaves unless it is persistent.
func (r *Router) Leave(id uuid.UUID, name string) error {
	key := strings.ToLower(name)
	r.mu.Lock()
	ch, ok := r.channels[key]
	r.mu.Unlock()
	if !ok {
		return errs.ErrNotFound
	}

	ch.mu.Lock()
	m, in := ch.members[id]
	if !in {
		ch.mu.Unlock()
		return errs.ErrNotFound
	}
	delete(ch.members, id)
	r.fanOutLocked(ch, wire.ChatEventMsg{Channel: ch.name, Kind: "leave", From: m.nick, At: time.Now()})
	empty := len(ch.members) == 0
	ch.mu.Unlock()

	if empty && !ch.persistent {
		r.mu.Lock()
		// Re-check under the table lock: someone may have joined in between.
		ch.mu.Lock()
		if len(ch.members) == 0 {
			delete(r.channels, key)
			r.log.Info("channel destroyed", zap.String("channel", ch.name))
		}
		ch.mu.Unlock()
		r.mu.Unlock()
	}
	return nil
}

// LeaveAll removes the session from every channel, emitting leave
// notifications. Part of deterministic disconnect teardown.
func (r *Router) LeaveAll(id uuid.UUID) {
	r.mu.Lock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	r.mu.Unlock()
	for _, name := range names {
		_ = r.Leave(id, name)
	}
}

// Chat fans a message out to the channel members. Sender must be a member.
func (r *Router) Chat(id uuid.UUID, name, text string) error {
	if text == "" || len(text) > maxChatLen {
		return fmt.Errorf("%w: message length", errs.ErrValidation)
	}
	key := strings.ToLower(name)
	r.mu.Lock()
	ch, ok := r.channels[key]
	r.mu.Unlock()
	if !ok {
		return errs.ErrNotFound
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	m, in := ch.members[id]
	if !in {
		return fmt.Errorf("%w: not a channel member", errs.ErrPermissionDenied)
	}
	r.fanOutLocked(ch, wire.ChatEventMsg{Channel: ch.name, Kind: "chat", From: m.nick, Text: text, At: time.Now()})
	return nil
}

// Topic returns the current topic with setter attribution.
func (r *Router) Topic(name string) (topic, setBy string, err error) {
	r.mu.Lock()
	ch, ok := r.channels[strings.ToLower(name)]
	r.mu.Unlock()
	if !ok {
		return "", "", errs.ErrNotFound
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.topic, ch.topicSetBy, nil
}

// SetTopic sets (or, with empty topic, clears) the channel topic and fans
// out the change. Capability checks belong to the caller.
func (r *Router) SetTopic(name, topic, by string) error {
	if len(topic) > maxTopicLen {
		return fmt.Errorf("%w: topic length", errs.ErrValidation)
	}
	r.mu.Lock()
	ch, ok := r.channels[strings.ToLower(name)]
	r.mu.Unlock()
	if !ok {
		return errs.ErrNotFound
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.topic, ch.topicSetBy = topic, by
	r.fanOutLocked(ch, wire.ChatEventMsg{Channel: ch.name, Kind: "topic", From: by, Text: topic, At: time.Now()})
	return nil
}

// List returns channels visible to the given session: secret channels only
// for members.
func (r *Router) List(id uuid.UUID) []wire.ChannelInfo {
	r.mu.Lock()
	chans := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		chans = append(chans, ch)
	}
	r.mu.Unlock()

	out := make([]wire.ChannelInfo, 0, len(chans))
	for _, ch := range chans {
		ch.mu.Lock()
		_, in := ch.members[id]
		if !ch.secret || in {
			out = append(out, wire.ChannelInfo{Name: ch.name, Members: len(ch.members), Topic: ch.topic})
		}
		ch.mu.Unlock()
	}
	return out
}

// fanOutLocked delivers an event to every member. Caller holds ch.mu, which
// serializes deliveries and fixes the observed order per channel. Send never
// blocks; a stuck member is disconnected by its own outbox overflow.
func (r *Router) fanOutLocked(ch *channel, ev wire.ChatEventMsg) {
	env, err := wire.NewEnvelope(wire.TypeChatEvent, 0, ev)
	if err != nil {
		r.log.Error("encode chat event", zap.Error(err))
		return
	}
	for _, m := range ch.members {
		m.sub.Send(env)
	}
}

package channel

import (
	"sync"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/wire"
)

type recorder struct {
	mu     sync.Mutex
	events []wire.ChatEventMsg
}

func (r *recorder) Send(env wire.Envelope) bool {
	var ev wire.ChatEventMsg
	if err := wire.Unmarshal(env.Body, &ev); err != nil {
		panic(err)
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return true
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func sid() uuid.UUID { return uuid.Must(uuid.NewV4()) }

func TestValidateName(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"#lobby", "#a", "#general-2"} {
		require.NoError(t, ValidateName(ok), ok)
	}
	for _, bad := range []string{"lobby", "#", "##x", "# space", "#" + string(make([]byte, 80))} {
		require.Error(t, ValidateName(bad), bad)
	}
}

func TestJoinChatLeave_OrderedEvents(t *testing.T) {
	t.Parallel()
	r := NewRouter(zap.NewNop(), nil)
	alice, bob := &recorder{}, &recorder{}
	aid, bid := sid(), sid()

	require.NoError(t, r.Join(aid, "alice", alice, "#lobby", false))
	require.NoError(t, r.Join(bid, "bob", bob, "#lobby", false))
	require.NoError(t, r.Chat(aid, "#lobby", "hello"))
	require.NoError(t, r.Chat(bid, "#lobby", "hi"))
	require.NoError(t, r.Leave(bid, "#lobby"))

	// alice observed everything in router order.
	require.Equal(t, []string{"join", "join", "chat", "chat", "leave"}, alice.kinds())
	alice.mu.Lock()
	require.Equal(t, "hello", alice.events[2].Text)
	require.Equal(t, "alice", alice.events[2].From)
	require.Equal(t, "hi", alice.events[3].Text)
	alice.mu.Unlock()
}

func TestChat_Rejections(t *testing.T) {
	t.Parallel()
	r := NewRouter(zap.NewNop(), nil)
	aid, bid := sid(), sid()
	require.NoError(t, r.Join(aid, "alice", &recorder{}, "#lobby", false))

	require.ErrorIs(t, r.Chat(bid, "#lobby", "hi"), errs.ErrPermissionDenied, "non-member")
	require.ErrorIs(t, r.Chat(aid, "#nowhere", "hi"), errs.ErrNotFound)
	require.ErrorIs(t, r.Chat(aid, "#lobby", ""), errs.ErrValidation)
	require.ErrorIs(t, r.Chat(aid, "#lobby", string(make([]byte, maxChatLen+1))), errs.ErrValidation)
}

func TestChannel_DestroyedWhenEmpty(t *testing.T) {
	t.Parallel()
	r := NewRouter(zap.NewNop(), []string{"#lobby"})
	aid := sid()

	require.NoError(t, r.Join(aid, "alice", &recorder{}, "#temp", false))
	require.True(t, r.Exists("#temp"))
	require.NoError(t, r.Leave(aid, "#temp"))
	require.False(t, r.Exists("#temp"), "empty non-persistent channel is destroyed")

	require.NoError(t, r.Join(aid, "alice", &recorder{}, "#lobby", false))
	require.NoError(t, r.Leave(aid, "#lobby"))
	require.True(t, r.Exists("#lobby"), "persistent channel survives empty membership")
}

func TestTopic(t *testing.T) {
	t.Parallel()
	r := NewRouter(zap.NewNop(), nil)
	aid := sid()
	rec := &recorder{}
	require.NoError(t, r.Join(aid, "alice", rec, "#lobby", false))

	require.NoError(t, r.SetTopic("#lobby", "welcome", "alice"))
	topic, by, err := r.Topic("#lobby")
	require.NoError(t, err)
	require.Equal(t, "welcome", topic)
	require.Equal(t, "alice", by)

	require.NoError(t, r.SetTopic("#lobby", "", "alice"), "clear")
	topic, _, err = r.Topic("#lobby")
	require.NoError(t, err)
	require.Empty(t, topic)

	require.ErrorIs(t, r.SetTopic("#lobby", string(make([]byte, maxTopicLen+1)), "alice"), errs.ErrValidation)
	_, _, err = r.Topic("#nowhere")
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.Equal(t, []string{"join", "topic", "topic"}, rec.kinds())
}

func TestSecretChannel_HiddenFromNonMembers(t *testing.T) {
	t.Parallel()
	r := NewRouter(zap.NewNop(), nil)
	aid, bid := sid(), sid()
	require.NoError(t, r.Join(aid, "alice", &recorder{}, "#covert", true))
	require.NoError(t, r.Join(bid, "bob", &recorder{}, "#lobby", false))

	names := func(infos []wire.ChannelInfo) []string {
		out := make([]string, len(infos))
		for i, c := range infos {
			out[i] = c.Name
		}
		return out
	}
	require.ElementsMatch(t, []string{"#covert", "#lobby"}, names(r.List(aid)))
	require.ElementsMatch(t, []string{"#lobby"}, names(r.List(bid)))
}

func TestLeaveAll(t *testing.T) {
	t.Parallel()
	r := NewRouter(zap.NewNop(), nil)
	aid, bid := sid(), sid()
	bob := &recorder{}
	require.NoError(t, r.Join(aid, "alice", &recorder{}, "#a", false))
	require.NoError(t, r.Join(aid, "alice", &recorder{}, "#b", false))
	require.NoError(t, r.Join(bid, "bob", bob, "#b", false))

	r.LeaveAll(aid)
	require.False(t, r.Exists("#a"))
	require.True(t, r.Exists("#b"))
	require.Contains(t, bob.kinds(), "leave")
}

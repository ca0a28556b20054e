package perm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusbb/nexusd/internal/errs"
)

func TestSet_Basics(t *testing.T) {
	t.Parallel()
	s := NewSet(ChatSend, FileUpload, "bogus_cap")
	require.True(t, s.Has(ChatSend))
	require.True(t, s.Has(FileUpload))
	require.False(t, s.Has("bogus_cap"), "unknown tokens must be dropped")

	c := s.Clone()
	delete(c, ChatSend)
	require.True(t, s.Has(ChatSend), "clone must be independent")

	require.True(t, NewSet(ChatSend).SubsetOf(s))
	require.False(t, NewSet(ChatSend, UserKick).SubsetOf(s))
}

func TestStripShared(t *testing.T) {
	t.Parallel()
	s := NewSet(ChatSend, ChatTopicEdit, NewsWrite, FileUpload, FileDownload, UserKick)
	got := s.StripShared()
	require.ElementsMatch(t, []string{ChatSend, FileDownload}, got.Tokens())
	// original untouched
	require.True(t, s.Has(FileUpload))
}

func TestActor_Allowed(t *testing.T) {
	t.Parallel()
	admin := Actor{Admin: true, Snapshot: NewSet()}
	require.True(t, admin.Allowed(UserDelete), "admins implicitly hold everything")

	user := Actor{Snapshot: NewSet(ChatSend)}
	require.True(t, user.Allowed(ChatSend))
	require.ErrorIs(t, user.Require(UserDelete), errs.ErrPermissionDenied)
}

func TestCheckTarget(t *testing.T) {
	t.Parallel()
	alice := Actor{Username: "alice", Snapshot: NewSet(UserKick)}

	require.ErrorIs(t, alice.CheckTarget(TargetView{Username: "Alice"}, false), errs.ErrSelfTarget)
	require.NoError(t, alice.CheckTarget(TargetView{Username: "Alice"}, true))
	require.ErrorIs(t, alice.CheckTarget(TargetView{Username: "root", Admin: true}, false), errs.ErrAdminTarget)

	admin := Actor{Username: "root", Admin: true}
	require.NoError(t, admin.CheckTarget(TargetView{Username: "other", Admin: true}, false))
}

func TestCheckGrant_SubsetCap(t *testing.T) {
	t.Parallel()
	// alice holds {chat_send, user_kick}; requests a superset for bob.
	alice := Actor{Username: "alice", Snapshot: NewSet(ChatSend, UserKick)}

	_, err := alice.CheckGrant(NewSet(ChatSend, FileUpload), false)
	require.ErrorIs(t, err, errs.ErrGrantExceedsOwn)

	got, err := alice.CheckGrant(NewSet(ChatSend), false)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{ChatSend}, got.Tokens())

	// admins bypass the subset cap.
	admin := Actor{Username: "root", Admin: true}
	got, err = admin.CheckGrant(NewSet(ChatSend, FileUpload), false)
	require.NoError(t, err)
	require.True(t, got.Has(FileUpload))
}

func TestCheckGrant_SharedStrip(t *testing.T) {
	t.Parallel()
	admin := Actor{Username: "root", Admin: true}
	got, err := admin.CheckGrant(NewSet(ChatSend, FileUpload, UserKick, NewsWrite), true)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{ChatSend}, got.Tokens(),
		"shared accounts must never store restricted capabilities")
}

func TestCheckLastAdmin(t *testing.T) {
	t.Parallel()
	require.ErrorIs(t, CheckLastAdmin(1, true, true), errs.ErrLastAdmin)
	require.NoError(t, CheckLastAdmin(2, true, true))
	require.NoError(t, CheckLastAdmin(1, false, true))
	require.NoError(t, CheckLastAdmin(1, true, false))
}

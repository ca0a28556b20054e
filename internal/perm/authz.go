package perm

import (
	"strings"

	"github.com/nexusbb/nexusd/internal/errs"
)

// Actor is the authorization view of a session: its effective admin flag and
// the permission snapshot taken at login. Pure data, no behaviour beyond checks.
type Actor struct {
	Admin    bool
	Snapshot Set
	Username string
	Shared   bool
}

// Allowed implements the base rule: admins hold everything, everyone else is
// checked against the snapshot.
func (a Actor) Allowed(capability string) bool {
	return a.Admin || a.Snapshot.Has(capability)
}

// Require returns ErrPermissionDenied when the capability is missing.
func (a Actor) Require(capability string) error {
	if !a.Allowed(capability) {
		return errs.ErrPermissionDenied
	}
	return nil
}

// TargetView is what relational checks need to know about the account being
// acted on.
type TargetView struct {
	Username string
	Admin    bool
}

// CheckTarget enforces the relational invariants for edit/delete/demote/kick
// against another account, independent of raw capability possession.
// allowSelf relaxes the self-target rule for operations where acting on
// oneself is legal (e.g. editing one's own avatar).
func (a Actor) CheckTarget(t TargetView, allowSelf bool) error {
	if !allowSelf && strings.EqualFold(a.Username, t.Username) {
		return errs.ErrSelfTarget
	}
	if t.Admin && !a.Admin {
		return errs.ErrAdminTarget
	}
	return nil
}

// CheckGrant enforces the permission-merging restriction: a non-admin granter
// may only grant a subset of its own held set. Returns the effective set to
// store, applying the shared-account strip when the target is shared.
func (a Actor) CheckGrant(requested Set, targetShared bool) (Set, error) {
	if !a.Admin && !requested.SubsetOf(a.Snapshot) {
		return nil, errs.ErrGrantExceedsOwn
	}
	eff := requested.Clone()
	if targetShared {
		eff = eff.StripShared()
	}
	return eff, nil
}

// CheckLastAdmin guards delete/demote/disable of the final administrator.
// adminCount is the number of admin accounts currently persisted;
// targetIsAdmin and removesAdmin describe the mutation.
func CheckLastAdmin(adminCount int, targetIsAdmin, removesAdmin bool) error {
	if targetIsAdmin && removesAdmin && adminCount <= 1 {
		return errs.ErrLastAdmin
	}
	return nil
}

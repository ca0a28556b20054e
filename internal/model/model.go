// Package model defines domain entities used by services and repositories.
package model

import (
	"net"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/perm"
)

// ParseTarget parses an exact IP or a CIDR range. Anything else returns
// ErrBadTarget; nickname resolution happens before this is called.
func ParseTarget(s string) (net.IP, *net.IPNet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil, errs.ErrBadTarget
	}
	if strings.Contains(s, "/") {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, nil, errs.ErrBadTarget
		}
		return nil, n, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, nil, errs.ErrBadTarget
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return ip, nil, nil
}

// GuestUsername is the reserved shared account present on every server.
// It cannot be deleted or renamed and ships disabled.
const GuestUsername = "guest"

// Account is a persisted identity record. Usernames are unique
// case-insensitively; lookups lowercase before comparing.
type Account struct {
	ID        uuid.UUID
	Username  string
	PwdHash   []byte // Argon2id(password, SaltAuth)
	SaltAuth  []byte // per-account auth salt
	Admin     bool
	Shared    bool // one credential set, many people; nickname required at login
	Guest     bool // the built-in guest template, implies Shared
	Enabled   bool
	Perms     perm.Set
	AvatarRef string
	CreatedAt time.Time
}

// IsAdmin reports effective admin status. Admins implicitly hold every
// capability regardless of the stored set.
func (a *Account) IsAdmin() bool { return a.Admin }

// ServerSettings is the single persisted settings row read at startup and on
// admin edit.
type ServerSettings struct {
	Name              string
	Description       string
	MaxConnsPerIP     int
	MaxTransfersPerIP int
	ReindexInterval   time.Duration // 0 disables the background reindex
}

// BanEntry denies matching peers before the TLS handshake. Target is an exact
// IP, a CIDR range, or a nickname resolved to IPs at creation time.
type BanEntry struct {
	ID        uuid.UUID
	IP        net.IP     // set for exact-IP and nickname-resolved entries
	Net       *net.IPNet // set for CIDR entries
	Nickname  string     // originating nickname, for nickname-based removal
	Reason    string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt time.Time // zero means permanent
}

// Permanent reports whether the entry never expires.
func (b *BanEntry) Permanent() bool { return b.ExpiresAt.IsZero() }

// Expired reports whether the entry is past its expiry at the given instant.
// Expired entries are treated as absent; storage reclaim is a separate sweep.
func (b *BanEntry) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt)
}

// Matches reports whether the entry covers the given IP.
func (b *BanEntry) Matches(ip net.IP) bool {
	if b.Net != nil {
		return b.Net.Contains(ip)
	}
	return b.IP != nil && b.IP.Equal(ip)
}

// TargetString renders the canonical target for persistence and listing.
func (b *BanEntry) TargetString() string {
	if b.Net != nil {
		return b.Net.String()
	}
	if b.IP != nil {
		return b.IP.String()
	}
	return ""
}

// TrustEntry unconditionally short-circuits ban evaluation for matching
// peers. Shape mirrors BanEntry so allow-list-only deployments work.
type TrustEntry struct {
	ID        uuid.UUID
	IP        net.IP
	Net       *net.IPNet
	Nickname  string
	Reason    string
	CreatedBy string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Permanent reports whether the entry never expires.
func (t *TrustEntry) Permanent() bool { return t.ExpiresAt.IsZero() }

// Expired reports whether the entry is past its expiry at the given instant.
func (t *TrustEntry) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Matches reports whether the entry covers the given IP.
func (t *TrustEntry) Matches(ip net.IP) bool {
	if t.Net != nil {
		return t.Net.Contains(ip)
	}
	return t.IP != nil && t.IP.Equal(ip)
}

// TargetString renders the canonical target for persistence and listing.
func (t *TrustEntry) TargetString() string {
	if t.Net != nil {
		return t.Net.String()
	}
	if t.IP != nil {
		return t.IP.String()
	}
	return ""
}

// FileKind distinguishes entries in a directory listing.
type FileKind int

const (
	KindFile FileKind = iota
	KindDir
	KindSymlink
)

// FolderType is derived from a name-suffix convention on the physical
// directory name. Clients never see the suffix.
type FolderType int

const (
	// FolderPlain allows browse and download only.
	FolderPlain FolderType = iota
	// FolderUpload additionally allows uploads.
	FolderUpload
	// FolderDropBox is upload-only; contents visible to admins only.
	FolderDropBox
	// FolderNamedDropBox is upload-only for everyone except the named
	// account and admins, who get full access.
	FolderNamedDropBox
)

// FileEntry is one row of a virtual directory listing. Name carries the
// display name with any folder-type suffix already stripped.
type FileEntry struct {
	Name     string
	Kind     FileKind
	Folder   FolderType // meaningful when Kind == KindDir
	DropName string     // named drop box owner, when Folder == FolderNamedDropBox
	Size     int64
	ModTime  time.Time
	Hash     string // hex BLAKE3, empty until indexed
}

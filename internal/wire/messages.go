package wire

import "time"

// Error codes carried in ErrorMsg. Stable across releases; clients key
// rendering off the code, not the text.
const (
	CodeProtocol        = "protocol"
	CodeVersion         = "version"
	CodeUnauthorized    = "unauthorized"
	CodeAccountDisabled = "account_disabled"
	CodeNicknameTaken   = "nickname_taken"
	CodeForbidden       = "forbidden"
	CodeAdminTarget     = "admin_target"
	CodeLastAdmin       = "last_admin"
	CodeSelfTarget      = "self_target"
	CodeGrantExceeds    = "grant_exceeds_own"
	CodeGuestImmutable  = "guest_immutable"
	CodeValidation      = "validation"
	CodeNotFound        = "not_found"
	CodeExists          = "already_exists"
	CodeBanned          = "banned"
	CodeBadDuration     = "bad_duration"
	CodeBadTarget       = "bad_target"
	CodeTraversal       = "path_traversal"
	CodeConflict        = "upload_conflict"
	CodeDestExists      = "destination_exists"
	CodeHashMismatch    = "hash_mismatch"
	CodeQueueFull       = "queue_full"
	CodeJobState        = "job_state"
	CodeInternal        = "internal"
)

// HandshakeMsg opens every connection. Exactly one is accepted, first.
type HandshakeMsg struct {
	Version Version `cbor:"1,keyasint"`
}

// HandshakeAckMsg confirms version compatibility and issues the session id.
type HandshakeAckMsg struct {
	SessionID string  `cbor:"1,keyasint"`
	Version   Version `cbor:"2,keyasint"`
	Name      string  `cbor:"3,keyasint"` // server branding
}

// LoginMsg carries credentials. Nickname is mandatory for shared/guest
// accounts and forbidden content for others is ignored.
type LoginMsg struct {
	Username string `cbor:"1,keyasint"`
	Password string `cbor:"2,keyasint"`
	Nickname string `cbor:"3,keyasint,omitempty"`
}

// LoginOKMsg reports the resolved identity and the permission snapshot.
type LoginOKMsg struct {
	Username string   `cbor:"1,keyasint"`
	Nickname string   `cbor:"2,keyasint,omitempty"`
	Admin    bool     `cbor:"3,keyasint,omitempty"`
	Perms    []string `cbor:"4,keyasint,omitempty"`
}

// ErrorMsg reports a rejected operation or a fatal connection error.
type ErrorMsg struct {
	Code    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	// Remaining carries the remaining ban duration; empty for permanent or N/A.
	Remaining string `cbor:"3,keyasint,omitempty"`
}

// ChatSendMsg posts a line to a channel.
type ChatSendMsg struct {
	Channel string `cbor:"1,keyasint"`
	Text    string `cbor:"2,keyasint"`
}

// ChatEventMsg is a fan-out event: chat line, presence change, or topic change.
type ChatEventMsg struct {
	Channel string    `cbor:"1,keyasint"`
	Kind    string    `cbor:"2,keyasint"` // "chat", "join", "leave", "topic"
	From    string    `cbor:"3,keyasint,omitempty"`
	Text    string    `cbor:"4,keyasint,omitempty"`
	At      time.Time `cbor:"5,keyasint"`
}

// ChannelJoinMsg joins (and implicitly creates) a channel.
type ChannelJoinMsg struct {
	Channel string `cbor:"1,keyasint"`
	Secret  bool   `cbor:"2,keyasint,omitempty"` // honored on implicit create only
}

// ChannelLeaveMsg leaves a channel.
type ChannelLeaveMsg struct {
	Channel string `cbor:"1,keyasint"`
}

// ChannelListMsg answers a channel listing request.
type ChannelListMsg struct {
	Channels []ChannelInfo `cbor:"1,keyasint"`
}

// ChannelInfo is one listed channel.
type ChannelInfo struct {
	Name    string `cbor:"1,keyasint"`
	Members int    `cbor:"2,keyasint"`
	Topic   string `cbor:"3,keyasint,omitempty"`
}

// TopicMsg carries topic get/set traffic.
type TopicMsg struct {
	Channel string `cbor:"1,keyasint"`
	Topic   string `cbor:"2,keyasint,omitempty"`
	SetBy   string `cbor:"3,keyasint,omitempty"`
}

// UserUpsertMsg covers user create and edit. Perms is the requested
// capability set; the server caps and strips per the authorization model.
type UserUpsertMsg struct {
	Username string   `cbor:"1,keyasint"`
	Password string   `cbor:"2,keyasint,omitempty"` // empty on edit keeps current
	Admin    bool     `cbor:"3,keyasint,omitempty"`
	Shared   bool     `cbor:"4,keyasint,omitempty"`
	Enabled  *bool    `cbor:"5,keyasint,omitempty"`
	Perms    []string `cbor:"6,keyasint,omitempty"`
}

// UserTargetMsg names an account for delete.
type UserTargetMsg struct {
	Username string `cbor:"1,keyasint"`
}

// UserListMsg answers a user listing request.
type UserListMsg struct {
	Users []UserInfo `cbor:"1,keyasint"`
}

// UserInfo is one listed account.
type UserInfo struct {
	Username string   `cbor:"1,keyasint"`
	Admin    bool     `cbor:"2,keyasint,omitempty"`
	Shared   bool     `cbor:"3,keyasint,omitempty"`
	Enabled  bool     `cbor:"4,keyasint"`
	Perms    []string `cbor:"5,keyasint,omitempty"`
}

// KickMsg terminates another session by nickname.
type KickMsg struct {
	Nickname string `cbor:"1,keyasint"`
	Reason   string `cbor:"2,keyasint,omitempty"`
}

// BanMsg creates a ban or trust entry. Target is an IP, a CIDR, or a
// nickname. Duration uses the compact grammar <n><m|h|d>; "0" or empty is
// permanent.
type BanMsg struct {
	Target   string `cbor:"1,keyasint"`
	Duration string `cbor:"2,keyasint,omitempty"`
	Reason   string `cbor:"3,keyasint,omitempty"`
}

// UnbanMsg removes ban or trust entries matching the target.
type UnbanMsg struct {
	Target string `cbor:"1,keyasint"`
}

// BanListMsg answers ban/trusted listing requests.
type BanListMsg struct {
	Entries []BanInfo `cbor:"1,keyasint"`
}

// BanInfo is one listed ban or trust entry.
type BanInfo struct {
	Target    string    `cbor:"1,keyasint"`
	Nickname  string    `cbor:"2,keyasint,omitempty"`
	Reason    string    `cbor:"3,keyasint,omitempty"`
	CreatedBy string    `cbor:"4,keyasint"`
	ExpiresAt time.Time `cbor:"5,keyasint,omitempty"`
	Permanent bool      `cbor:"6,keyasint,omitempty"`
}

// TicketGrantMsg returns a signed transfer ticket for the second listener.
type TicketGrantMsg struct {
	Ticket string `cbor:"1,keyasint"`
}

// DisconnectMsg is the server's parting message before closing.
type DisconnectMsg struct {
	Reason string `cbor:"1,keyasint"`
	By     string `cbor:"2,keyasint,omitempty"`
}

// --- transfer service ---

// TransferAuthMsg authenticates a transfer connection with a session ticket.
type TransferAuthMsg struct {
	Ticket string `cbor:"1,keyasint"`
}

// FolderListMsg requests a virtual directory listing.
type FolderListMsg struct {
	Path string `cbor:"1,keyasint"`
}

// FolderListingMsg answers with the visible entries.
type FolderListingMsg struct {
	Path    string      `cbor:"1,keyasint"`
	Entries []FileEntry `cbor:"2,keyasint"`
}

// FileEntry mirrors model.FileEntry for the wire.
type FileEntry struct {
	Name    string    `cbor:"1,keyasint"`
	Dir     bool      `cbor:"2,keyasint,omitempty"`
	Size    int64     `cbor:"3,keyasint,omitempty"`
	ModTime time.Time `cbor:"4,keyasint"`
	Upload  bool      `cbor:"5,keyasint,omitempty"` // uploads permitted inside
}

// UploadStartMsg declares an upload: destination path, total size, and the
// BLAKE3 hex digest the content must verify against.
type UploadStartMsg struct {
	Path string `cbor:"1,keyasint"`
	Size int64  `cbor:"2,keyasint"`
	Hash string `cbor:"3,keyasint"`
}

// UploadDataMsg carries one chunk at the given offset.
type UploadDataMsg struct {
	JobID  string `cbor:"1,keyasint"`
	Offset int64  `cbor:"2,keyasint"`
	Data   []byte `cbor:"3,keyasint"`
}

// UploadFinishMsg asks the server to verify and commit.
type UploadFinishMsg struct {
	JobID string `cbor:"1,keyasint"`
}

// DownloadStartMsg requests a file from the given resume offset. Hash is the
// digest from a previous attempt; on resume the server rejects the request if
// the file has changed since.
type DownloadStartMsg struct {
	Path   string `cbor:"1,keyasint"`
	Offset int64  `cbor:"2,keyasint,omitempty"`
	Hash   string `cbor:"3,keyasint,omitempty"`
}

// DownloadDataMsg carries one chunk to the client.
type DownloadDataMsg struct {
	JobID  string `cbor:"1,keyasint"`
	Offset int64  `cbor:"2,keyasint"`
	Data   []byte `cbor:"3,keyasint"`
}

// DownloadDoneMsg closes a download with the whole-file digest.
type DownloadDoneMsg struct {
	JobID string `cbor:"1,keyasint"`
	Hash  string `cbor:"2,keyasint"`
}

// JobControlMsg pauses, resumes, or cancels a job.
type JobControlMsg struct {
	JobID string `cbor:"1,keyasint"`
}

// SearchMsg queries the file index.
type SearchMsg struct {
	Query string `cbor:"1,keyasint"`
}

// SearchResultMsg answers with matching virtual paths.
type SearchResultMsg struct {
	Paths []string `cbor:"1,keyasint"`
}

// FileDeleteMsg removes a file.
type FileDeleteMsg struct {
	Path string `cbor:"1,keyasint"`
}

// FileRenameMsg renames a file or directory within its parent.
type FileRenameMsg struct {
	Path    string `cbor:"1,keyasint"`
	NewName string `cbor:"2,keyasint"`
}

// FileMkdirMsg creates a directory.
type FileMkdirMsg struct {
	Path string `cbor:"1,keyasint"`
}

// JobStatusMsg streams job state transitions to the owning session.
type JobStatusMsg struct {
	JobID    string `cbor:"1,keyasint"`
	State    string `cbor:"2,keyasint"`
	Progress int64  `cbor:"3,keyasint,omitempty"`
	Total    int64  `cbor:"4,keyasint,omitempty"`
	Hash     string `cbor:"5,keyasint,omitempty"`
	Error    string `cbor:"6,keyasint,omitempty"`
}

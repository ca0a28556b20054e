// Package perm defines the fixed capability vocabulary and the pure
// authorization checks applied to every authenticated request.
package perm

import "sort"

// Capability tokens, grouped by domain. The vocabulary is fixed: permission
// sets persisted for an account are always subsets of this list.
const (
	ChatSend          = "chat_send"
	ChatPrivate       = "chat_private"
	ChatJoinChannel   = "chat_join_channel"
	ChatCreateChannel = "chat_create_channel"
	ChatTopicEdit     = "chat_topic_edit"

	UserCreate = "user_create"
	UserEdit   = "user_edit"
	UserDelete = "user_delete"
	UserList   = "user_list"
	UserKick   = "user_kick"

	NewsRead  = "news_read"
	NewsWrite = "news_write"

	FileList     = "file_list"
	FileDownload = "file_download"
	FileUpload   = "file_upload"
	FileDelete   = "file_delete"
	FileRename   = "file_rename"
	FileMkdir    = "file_mkdir"
	FileReindex  = "file_reindex"
	FileSearch   = "file_search"

	BanCreate  = "ban_create"
	BanRemove  = "ban_remove"
	BanList    = "ban_list"
	TrustEdit  = "trust_edit"
	TrustList  = "trust_list"

	VoiceJoin = "voice_join"
)

// All lists every known capability, sorted.
func All() []string {
	out := make([]string, 0, len(vocabulary))
	for c := range vocabulary {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

var vocabulary = map[string]struct{}{
	ChatSend: {}, ChatPrivate: {}, ChatJoinChannel: {}, ChatCreateChannel: {},
	ChatTopicEdit: {},
	UserCreate: {}, UserEdit: {}, UserDelete: {}, UserList: {}, UserKick: {},
	NewsRead: {}, NewsWrite: {},
	FileList: {}, FileDownload: {}, FileUpload: {}, FileDelete: {},
	FileRename: {}, FileMkdir: {}, FileReindex: {}, FileSearch: {},
	BanCreate: {}, BanRemove: {}, BanList: {}, TrustEdit: {}, TrustList: {},
	VoiceJoin: {},
}

// Known reports whether the token is part of the vocabulary.
func Known(capability string) bool {
	_, ok := vocabulary[capability]
	return ok
}

// sharedRestricted is the subset shared accounts can never hold. Stripped at
// write time, not just masked at check time.
var sharedRestricted = map[string]struct{}{
	ChatTopicEdit: {},
	NewsWrite:     {},
	FileUpload:    {},
	FileDelete:    {},
	FileRename:    {},
	FileMkdir:     {},
	FileReindex:   {},
	UserCreate:    {},
	UserEdit:      {},
	UserDelete:    {},
	UserKick:      {},
}

// SharedRestricted reports whether a capability is withheld from shared accounts.
func SharedRestricted(capability string) bool {
	_, ok := sharedRestricted[capability]
	return ok
}

// Set is a value-type capability set. The zero value is empty and usable.
type Set map[string]struct{}

// NewSet builds a Set from tokens, silently dropping unknown ones.
func NewSet(caps ...string) Set {
	s := make(Set, len(caps))
	for _, c := range caps {
		if Known(c) {
			s[c] = struct{}{}
		}
	}
	return s
}

// Has reports membership.
func (s Set) Has(capability string) bool {
	_, ok := s[capability]
	return ok
}

// Clone returns an independent copy. Sessions snapshot the account set at
// login through this.
func (s Set) Clone() Set {
	c := make(Set, len(s))
	for k := range s {
		c[k] = struct{}{}
	}
	return c
}

// SubsetOf reports whether every member of s is also in other.
func (s Set) SubsetOf(other Set) bool {
	for k := range s {
		if !other.Has(k) {
			return false
		}
	}
	return true
}

// Tokens returns the members sorted, for persistence and wire encoding.
func (s Set) Tokens() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// StripShared returns a copy with the shared-restricted subset removed.
func (s Set) StripShared() Set {
	c := make(Set, len(s))
	for k := range s {
		if !SharedRestricted(k) {
			c[k] = struct{}{}
		}
	}
	return c
}

package imaputil

import (
	"context"
	"time"
)

// FolderDescriptor is a snapshot of one mailbox taken from a LIST/STATUS
// round trip. It is re-fetched on every run; nothing here is cached.
type FolderDescriptor struct {
	Path      string
	Delimiter string
	Messages  uint32
	Size      uint64
}

// MessageInfo carries the metadata needed to identify and re-append one
// message. UID is only a fetch handle valid for the session that listed it;
// it must never be compared across servers.
type MessageInfo struct {
	UID          uint32
	MessageID    string // Message-Id header from the envelope, may be empty
	Subject      string
	From         string
	Flags        []string
	InternalDate time.Time
	Size         uint32
}

// Session is the IMAP capability the sync engine consumes. The real
// implementation is Client; tests substitute an in-memory fake.
//
// ListMessages pages through a folder's metadata: start is a 1-based
// message sequence number, the returned next is the start of the following
// page or zero when the listing is exhausted.
type Session interface {
	ListFolders(ctx context.Context) ([]FolderDescriptor, error)
	ListMessages(ctx context.Context, folder string, start uint32) ([]MessageInfo, uint32, error)
	FetchBody(ctx context.Context, folder string, uid uint32) ([]byte, error)
	Append(ctx context.Context, folder string, raw []byte, flags []string, date time.Time) error
	CreateFolder(ctx context.Context, path string) error
	Delimiter() string
	Logout() error
}

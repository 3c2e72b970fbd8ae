package imaputil

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/pkg/errors"
)

const defaultPageSize = 500

// Options configure one IMAP connection.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	StartTLS bool
	TLS      *tls.Config
	// PageSize bounds metadata FETCH batches; 0 means the default of 500.
	PageSize uint32
}

// Client adapts an emersion/go-imap connection to the Session interface.
// A single IMAP connection cannot run overlapping commands, so every method
// serializes on an internal mutex; concurrency comes from opening one Client
// per worker, not from sharing one.
type Client struct {
	mu       sync.Mutex
	c        *client.Client
	delim    string
	selected string
	readOnly bool
	pageSize uint32
}

// Dial connects and logs into an IMAP server.
func Dial(ctx context.Context, o Options) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", o.Host, o.Port)
	var c *client.Client
	var err error
	if o.StartTLS {
		// Plain connection, then upgrade with STARTTLS
		c, err = client.Dial(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", addr)
		}
		if err := c.StartTLS(o.TLS); err != nil {
			_ = c.Logout()
			return nil, errors.Wrapf(err, "starttls %s", addr)
		}
	} else {
		c, err = client.DialTLS(addr, o.TLS)
		if err != nil {
			return nil, errors.Wrapf(err, "dial %s", addr)
		}
	}
	// Enable raw IMAP wire debug if requested via environment variable
	if os.Getenv("IMAPSYNC_IMAP_DEBUG") == "1" {
		c.SetDebug(os.Stderr)
	}
	if err := c.Login(o.User, o.Password); err != nil {
		_ = c.Logout()
		return nil, AuthFailed(errors.Wrapf(err, "login %s@%s", o.User, o.Host))
	}
	ps := o.PageSize
	if ps == 0 {
		ps = defaultPageSize
	}
	return &Client{c: c, pageSize: ps}, nil
}

// ListFolders returns all folders with their message counts. Byte sizes are
// left zero here; plain IMAP STATUS has no size item, callers that want
// sizes sum them from a metadata listing.
func (cl *Client) ListFolders(ctx context.Context) ([]FolderDescriptor, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	infos := []*imap.MailboxInfo{}
	ch := make(chan *imap.MailboxInfo, 32)
	done := make(chan error, 1)
	go func() {
		done <- cl.c.List("", "*", ch)
	}()
	for m := range ch {
		if m != nil {
			infos = append(infos, m)
		}
	}
	if err := <-done; err != nil {
		return nil, errors.Wrap(err, "list folders")
	}

	folders := make([]FolderDescriptor, 0, len(infos))
	for _, m := range infos {
		if cl.delim == "" && m.Delimiter != "" {
			cl.delim = m.Delimiter
		}
		if hasAttr(m.Attributes, imap.NoSelectAttr) {
			continue
		}
		fd := FolderDescriptor{Path: m.Name, Delimiter: m.Delimiter}
		st, err := cl.c.Status(m.Name, []imap.StatusItem{imap.StatusMessages})
		if err == nil && st != nil {
			fd.Messages = st.Messages
		}
		folders = append(folders, fd)
	}
	return folders, nil
}

func hasAttr(attrs []string, want string) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}

// ListMessages fetches one page of message metadata from folder, starting at
// sequence number start (1-based). It returns the page and the start of the
// next page, or zero when the folder is exhausted.
func (cl *Client) ListMessages(ctx context.Context, folder string, start uint32) ([]MessageInfo, uint32, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	status, err := cl.ensureSelected(folder, true)
	if err != nil {
		return nil, 0, err
	}
	total := status.Messages
	if total == 0 || start > total {
		return nil, 0, nil
	}
	if start == 0 {
		start = 1
	}
	end := start + cl.pageSize - 1
	if end > total {
		end = total
	}

	seq := new(imap.SeqSet)
	seq.AddRange(start, end)
	items := []imap.FetchItem{
		imap.FetchEnvelope, imap.FetchFlags, imap.FetchInternalDate,
		imap.FetchRFC822Size, imap.FetchUid,
	}
	msgs := make(chan *imap.Message, 64)
	done := make(chan error, 1)
	go func() {
		done <- cl.c.Fetch(seq, items, msgs)
	}()
	page := make([]MessageInfo, 0, end-start+1)
	for msg := range msgs {
		if msg == nil {
			continue
		}
		mi := MessageInfo{
			UID:          msg.Uid,
			Flags:        msg.Flags,
			InternalDate: msg.InternalDate,
			Size:         msg.Size,
		}
		if env := msg.Envelope; env != nil {
			mi.MessageID = env.MessageId
			mi.Subject = env.Subject
			if len(env.From) > 0 && env.From[0] != nil {
				mi.From = env.From[0].Address()
			}
		}
		page = append(page, mi)
	}
	if err := <-done; err != nil {
		return nil, 0, errors.Wrapf(err, "fetch %s %d:%d", folder, start, end)
	}
	next := end + 1
	if next > total {
		next = 0
	}
	return page, next, nil
}

// FetchBody retrieves the raw RFC 2822 bytes of one message without setting
// \Seen on the source (BODY.PEEK).
func (cl *Client) FetchBody(ctx context.Context, folder string, uid uint32) ([]byte, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, err := cl.ensureSelected(folder, true); err != nil {
		return nil, err
	}
	seq := new(imap.SeqSet)
	seq.AddNum(uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{section.FetchItem()}
	msgs := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- cl.c.UidFetch(seq, items, msgs)
	}()
	var raw []byte
	for msg := range msgs {
		if msg == nil {
			continue
		}
		if lit := msg.GetBody(section); lit != nil {
			b, err := io.ReadAll(lit)
			if err != nil {
				return nil, errors.Wrapf(err, "read body uid %d", uid)
			}
			raw = b
		}
	}
	if err := <-done; err != nil {
		return nil, errors.Wrapf(err, "fetch body %s uid %d", folder, uid)
	}
	if raw == nil {
		return nil, errors.Errorf("%s uid %d: no body returned", folder, uid)
	}
	return raw, nil
}

// Append stores raw into folder with the given flags and internal date.
func (cl *Client) Append(ctx context.Context, folder string, raw []byte, flags []string, date time.Time) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if err := cl.c.Append(folder, flags, date, bytes.NewReader(raw)); err != nil {
		return errors.Wrapf(err, "append to %s", folder)
	}
	return nil
}

// CreateFolder creates path, treating "already exists" as success: if the
// CREATE fails but the folder selects cleanly it was created by somebody
// else, likely a prior partial run.
func (cl *Client) CreateFolder(ctx context.Context, path string) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, err := cl.selectLocked(path, true); err == nil {
		return nil
	}
	if err := cl.c.Create(path); err != nil {
		if _, selErr := cl.selectLocked(path, true); selErr == nil {
			return nil
		}
		return errors.Wrapf(err, "create folder %s", path)
	}
	return nil
}

// Delimiter returns the server's hierarchy delimiter as seen in the last
// folder listing, or "/" if no listing has happened yet.
func (cl *Client) Delimiter() string {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.delim == "" {
		return "/"
	}
	return cl.delim
}

// Logout closes the connection.
func (cl *Client) Logout() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.c.Logout()
}

func (cl *Client) ensureSelected(folder string, readOnly bool) (*imap.MailboxStatus, error) {
	if cl.selected == folder && cl.readOnly == readOnly {
		if mbox := cl.c.Mailbox(); mbox != nil {
			return mbox, nil
		}
	}
	return cl.selectLocked(folder, readOnly)
}

func (cl *Client) selectLocked(folder string, readOnly bool) (*imap.MailboxStatus, error) {
	st, err := cl.c.Select(folder, readOnly)
	if err != nil {
		cl.selected = ""
		return nil, errors.Wrapf(err, "select %s", folder)
	}
	cl.selected = folder
	cl.readOnly = readOnly
	return st, nil
}

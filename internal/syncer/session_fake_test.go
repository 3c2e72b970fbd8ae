package syncer

import (
	"bytes"
	"context"
	"fmt"
	"net/mail"
	"sync"
	"time"

	"github.com/121-Online/IMAP-Sync-CLI/internal/imaputil"
)

// fakeSession is an in-memory Session with fault injection hooks. Append
// parses the Message-Id header out of the raw bytes so a re-listing of the
// destination yields the same fingerprints a real server would.
type fakeSession struct {
	mu       sync.Mutex
	delim    string
	order    []string
	folders  map[string][]fakeMessage
	pageSize int
	nextUID  uint32

	listFoldersErr error
	listErr        map[string]error
	listErrOnce    map[string]error // fails the next ListMessages, then clears
	fetchErr       func(uid uint32) error
	appendErr      func(folder string, raw []byte) error
	createErr      error

	appendCalls int
	createCalls int
	loggedOut   bool
}

type fakeMessage struct {
	info imaputil.MessageInfo
	body []byte
}

func newFakeSession(delim string, folders ...string) *fakeSession {
	s := &fakeSession{
		delim:       delim,
		folders:     map[string][]fakeMessage{},
		listErr:     map[string]error{},
		listErrOnce: map[string]error{},
		pageSize:    2,
		nextUID:     100,
	}
	for _, f := range folders {
		s.order = append(s.order, f)
		s.folders[f] = nil
	}
	return s
}

// rawMessage builds minimal RFC 2822 bytes carrying a Message-Id.
func rawMessage(msgid, subject string) []byte {
	return []byte(fmt.Sprintf("Message-Id: <%s>\r\nSubject: %s\r\nFrom: a@example.com\r\n\r\nbody of %s\r\n", msgid, subject, subject))
}

func (s *fakeSession) addRaw(folder, msgid string, flags []string, date time.Time) {
	raw := rawMessage(msgid, msgid)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUID++
	if _, ok := s.folders[folder]; !ok {
		s.order = append(s.order, folder)
	}
	s.folders[folder] = append(s.folders[folder], fakeMessage{
		info: imaputil.MessageInfo{
			UID:          s.nextUID,
			MessageID:    "<" + msgid + ">",
			Subject:      msgid,
			From:         "a@example.com",
			Flags:        flags,
			InternalDate: date,
			Size:         uint32(len(raw)),
		},
		body: raw,
	})
}

func (s *fakeSession) addInfo(folder string, info imaputil.MessageInfo, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.folders[folder]; !ok {
		s.order = append(s.order, folder)
	}
	s.folders[folder] = append(s.folders[folder], fakeMessage{info: info, body: body})
}

func (s *fakeSession) ListFolders(ctx context.Context) ([]imaputil.FolderDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listFoldersErr != nil {
		return nil, s.listFoldersErr
	}
	out := make([]imaputil.FolderDescriptor, 0, len(s.order))
	for _, name := range s.order {
		var size uint64
		for _, m := range s.folders[name] {
			size += uint64(m.info.Size)
		}
		out = append(out, imaputil.FolderDescriptor{
			Path:      name,
			Delimiter: s.delim,
			Messages:  uint32(len(s.folders[name])),
			Size:      size,
		})
	}
	return out, nil
}

func (s *fakeSession) ListMessages(ctx context.Context, folder string, start uint32) ([]imaputil.MessageInfo, uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.listErr[folder]; err != nil {
		return nil, 0, err
	}
	if err := s.listErrOnce[folder]; err != nil {
		delete(s.listErrOnce, folder)
		return nil, 0, err
	}
	msgs, ok := s.folders[folder]
	if !ok {
		return nil, 0, fmt.Errorf("no such mailbox %q", folder)
	}
	if start == 0 {
		start = 1
	}
	if int(start) > len(msgs) {
		return nil, 0, nil
	}
	end := int(start) + s.pageSize - 1
	if end > len(msgs) {
		end = len(msgs)
	}
	page := make([]imaputil.MessageInfo, 0, end-int(start)+1)
	for _, m := range msgs[start-1 : end] {
		page = append(page, m.info)
	}
	next := uint32(end + 1)
	if int(next) > len(msgs) {
		next = 0
	}
	return page, next, nil
}

func (s *fakeSession) FetchBody(ctx context.Context, folder string, uid uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		if err := s.fetchErr(uid); err != nil {
			return nil, err
		}
	}
	for _, m := range s.folders[folder] {
		if m.info.UID == uid {
			return m.body, nil
		}
	}
	return nil, fmt.Errorf("uid %d not found in %q", uid, folder)
}

func (s *fakeSession) Append(ctx context.Context, folder string, raw []byte, flags []string, date time.Time) error {
	s.mu.Lock()
	appendErr := s.appendErr
	s.mu.Unlock()
	if appendErr != nil {
		if err := appendErr(folder, raw); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendCalls++
	if _, ok := s.folders[folder]; !ok {
		return fmt.Errorf("no such mailbox %q", folder)
	}
	info := imaputil.MessageInfo{
		Flags:        flags,
		InternalDate: date,
		Size:         uint32(len(raw)),
	}
	if msg, err := mail.ReadMessage(bytes.NewReader(raw)); err == nil {
		info.MessageID = msg.Header.Get("Message-Id")
		info.Subject = msg.Header.Get("Subject")
		info.From = msg.Header.Get("From")
	}
	s.nextUID++
	info.UID = s.nextUID
	s.folders[folder] = append(s.folders[folder], fakeMessage{info: info, body: raw})
	return nil
}

func (s *fakeSession) CreateFolder(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.folders[path]; ok {
		return nil // already exists counts as success
	}
	s.order = append(s.order, path)
	s.folders[path] = nil
	return nil
}

func (s *fakeSession) Delimiter() string { return s.delim }

func (s *fakeSession) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loggedOut = true
	return nil
}

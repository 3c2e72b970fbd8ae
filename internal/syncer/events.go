package syncer

// EventType enumerates emitted sync events.
type EventType string

const (
	EventFolderStarted   EventType = "folder_started"
	EventMessageCopied   EventType = "message_copied"
	EventMessageFailed   EventType = "message_failed"
	EventFolderCompleted EventType = "folder_completed"
	EventRunSummary      EventType = "run_summary"
)

// Event carries progress about one folder or the whole run. Total/Done count
// messages within Folder; Bytes is the size of the message just copied.
type Event struct {
	Type        EventType
	Folder      string
	Fingerprint string
	Total       int
	Done        int
	Bytes       int64
	Err         error
	Result      *Result // set on EventRunSummary only
}

// Reporter receives progress events. Publish must not block the caller for
// long; the orchestrator calls it from the sync path.
type Reporter interface {
	Publish(Event)
}

// ChannelReporter forwards events to a buffered channel, dropping events when
// the consumer is slow. Suited to driving a progress UI, not a durable log.
type ChannelReporter struct {
	ch chan Event
}

func NewChannelReporter(buf int) *ChannelReporter {
	if buf <= 0 {
		buf = 128
	}
	return &ChannelReporter{ch: make(chan Event, buf)}
}

// Events returns the read side of the channel.
func (r *ChannelReporter) Events() <-chan Event { return r.ch }

// Close closes the channel; no Publish may follow.
func (r *ChannelReporter) Close() { close(r.ch) }

func (r *ChannelReporter) Publish(ev Event) {
	select {
	case r.ch <- ev:
	default:
		// drop if slow consumer
	}
}

// MultiReporter fans one event out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Publish(ev Event) {
	for _, r := range m {
		r.Publish(ev)
	}
}

type nopReporter struct{}

func (nopReporter) Publish(Event) {}

// NopReporter discards all events.
var NopReporter Reporter = nopReporter{}

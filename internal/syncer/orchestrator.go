package syncer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/121-Online/IMAP-Sync-CLI/internal/imaputil"
	"github.com/121-Online/IMAP-Sync-CLI/internal/state"
)

// State names the orchestrator's position in the run.
type State string

const (
	StateListing     State = "listing"
	StateConfirming  State = "confirming"
	StateMapping     State = "mapping"
	StateSyncing     State = "syncing"
	StateSummarizing State = "summarizing"
	StateDone        State = "done"
	StateAborted     State = "aborted"
)

// ErrDeclined is returned when the confirmation gate answers no. The run
// aborts with no side effects performed.
var ErrDeclined = errors.New("sync declined by user")

// FolderPreview is one folder's share of the pre-run totals.
type FolderPreview struct {
	Path     string
	Messages int
	Bytes    uint64
}

// Preview is handed to the confirmation gate before anything is written.
type Preview struct {
	SourceFolders      []FolderPreview
	DestinationFolders []FolderPreview
	TotalMessages      int
	TotalBytes         uint64
}

// Confirmer is the single synchronous gate in the run.
type Confirmer interface {
	Confirm(Preview) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(Preview) (bool, error)

func (f ConfirmFunc) Confirm(p Preview) (bool, error) { return f(p) }

// AutoConfirm always proceeds.
var AutoConfirm Confirmer = ConfirmFunc(func(Preview) (bool, error) { return true, nil })

// Options tune a run. Zero values give identity folder mapping, 3 attempts,
// 500ms initial backoff, no rate limit, no cache.
type Options struct {
	Rules NameRules
	// Filter keeps only source folders it returns true for; nil keeps all.
	Filter func(string) bool
	// PreviewStats scans source metadata pre-confirmation so the preview
	// can show byte sizes (plain STATUS has no size item). Costs one extra
	// metadata pass over the source.
	PreviewStats bool
	DryRun       bool
	// Since drops source messages with an internal date before it from the
	// transfer schedule. Zero means no cutoff.
	Since    time.Time
	Attempts int
	Backoff  time.Duration
	Limiter  *rate.Limiter
	Cache    *state.Cache
	Log      logrus.FieldLogger
}

// Orchestrator drives one sync run across all folders. It owns both
// endpoints for the duration of the run and tears them down on every exit
// path; folders are processed sequentially in source listing order while
// transfers inside a folder fan out over the destination session pool.
type Orchestrator struct {
	src     imaputil.Session
	dst     []imaputil.Session
	confirm Confirmer
	rep     Reporter
	opts    Options
	log     logrus.FieldLogger

	mu      sync.Mutex
	current State

	closeOnce sync.Once
}

// New builds an orchestrator. dst must hold at least one session; dst[0]
// doubles as the control connection for listing and folder creation.
func New(src imaputil.Session, dst []imaputil.Session, confirm Confirmer, rep Reporter, opts Options) *Orchestrator {
	if confirm == nil {
		confirm = AutoConfirm
	}
	if rep == nil {
		rep = NopReporter
	}
	log := opts.Log
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Orchestrator{
		src:     src,
		dst:     dst,
		confirm: confirm,
		rep:     rep,
		opts:    opts,
		log:     log,
		current: StateListing,
	}
}

// State returns the orchestrator's current position.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

func (o *Orchestrator) setState(s State, res *Result) {
	o.mu.Lock()
	o.current = s
	o.mu.Unlock()
	res.mu.Lock()
	res.State = s
	res.mu.Unlock()
}

// Close logs out both endpoints. Safe to call more than once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		if err := o.src.Logout(); err != nil {
			o.log.WithError(err).Debug("source logout")
		}
		for _, d := range o.dst {
			if err := d.Logout(); err != nil {
				o.log.WithError(err).Debug("destination logout")
			}
		}
	})
}

// Run executes the full state machine. The returned Result is always
// non-nil; err is non-nil only for run-aborting conditions (auth, mapping
// ambiguity, declined confirmation, endpoint loss). Per-message and
// per-folder failures live in the Result, not in err.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	res := newResult()
	defer o.Close()

	abort := func(err error) (*Result, error) {
		o.setState(StateAborted, res)
		res.Finished = time.Now()
		o.rep.Publish(Event{Type: EventRunSummary, Result: res, Err: err})
		o.log.WithError(err).Error("run aborted")
		return res, err
	}

	// Listing
	o.setState(StateListing, res)
	srcFolders, err := o.src.ListFolders(ctx)
	if err != nil {
		return abort(errors.Wrap(err, "list source folders"))
	}
	srcFolders = o.filterFolders(srcFolders)
	dstFolders, err := o.dst[0].ListFolders(ctx)
	if err != nil {
		return abort(errors.Wrap(err, "list destination folders"))
	}
	o.log.WithFields(logrus.Fields{
		"source_folders":      len(srcFolders),
		"destination_folders": len(dstFolders),
	}).Info("listed both endpoints")

	// Confirming
	o.setState(StateConfirming, res)
	preview := o.buildPreview(ctx, srcFolders, dstFolders)
	ok, err := o.confirm.Confirm(preview)
	if err != nil {
		return abort(errors.Wrap(err, "confirmation"))
	}
	if !ok {
		return abort(ErrDeclined)
	}

	// Mapping
	o.setState(StateMapping, res)
	rules := o.opts.Rules
	if rules.SourceDelimiter == "" {
		rules.SourceDelimiter = o.src.Delimiter()
	}
	if rules.DestinationDelimiter == "" {
		rules.DestinationDelimiter = o.dst[0].Delimiter()
	}
	mappings, err := MapFolders(srcFolders, dstFolders, rules)
	if err != nil {
		return abort(err)
	}

	// Syncing: source listing order, one folder at a time. A folder that
	// fails is recorded and skipped, it never takes the run down with it.
	// The exception is an endpoint still unreachable after the retry
	// budget: that is a lost connection, not a bad folder, and it aborts.
	o.setState(StateSyncing, res)
	for i := range mappings {
		if ctx.Err() != nil {
			break
		}
		if err := o.syncFolder(ctx, &mappings[i], res); err != nil {
			return abort(err)
		}
	}

	// Summarizing
	o.setState(StateSummarizing, res)
	res.Finished = time.Now()
	o.setState(StateDone, res)
	o.rep.Publish(Event{Type: EventRunSummary, Result: res})
	o.log.WithFields(logrus.Fields{
		"copied":  res.TotalCopied(),
		"skipped": res.TotalSkipped(),
		"failed":  res.TotalFailed(),
		"bytes":   res.TotalBytes,
	}).Info("run complete")
	return res, nil
}

func (o *Orchestrator) filterFolders(folders []imaputil.FolderDescriptor) []imaputil.FolderDescriptor {
	if o.opts.Filter == nil {
		return folders
	}
	kept := folders[:0]
	for _, f := range folders {
		if o.opts.Filter(f.Path) {
			kept = append(kept, f)
		}
	}
	return kept
}

func (o *Orchestrator) buildPreview(ctx context.Context, src, dst []imaputil.FolderDescriptor) Preview {
	p := Preview{}
	for _, f := range src {
		fp := FolderPreview{Path: f.Path, Messages: int(f.Messages), Bytes: f.Size}
		if o.opts.PreviewStats {
			if n, b, err := StatFolder(ctx, o.src, f.Path); err == nil {
				fp.Messages, fp.Bytes = n, b
			} else {
				o.log.WithError(err).WithField("folder", f.Path).Warn("preview stat failed")
			}
		}
		p.TotalMessages += fp.Messages
		p.TotalBytes += fp.Bytes
		p.SourceFolders = append(p.SourceFolders, fp)
	}
	for _, f := range dst {
		p.DestinationFolders = append(p.DestinationFolders, FolderPreview{
			Path: f.Path, Messages: int(f.Messages), Bytes: f.Size,
		})
	}
	return p
}

// syncFolder processes one folder pair. Folder-level trouble is recorded on
// res and swallowed; the returned error is non-nil only when an endpoint is
// still down after the transient retry budget, which must abort the run.
func (o *Orchestrator) syncFolder(ctx context.Context, m *FolderMapping, res *Result) error {
	folder := m.Source.Path
	flog := o.log.WithField("folder", folder)
	o.rep.Publish(Event{Type: EventFolderStarted, Folder: folder})

	failFolder := func(err error, stage string) error {
		res.addFolderFailure(folder, errors.Wrap(err, stage).Error())
		flog.WithError(err).Error("folder failed")
		o.rep.Publish(Event{Type: EventFolderCompleted, Folder: folder, Err: err})
		// Retries are exhausted by now; a still-transient cause means the
		// connection itself is gone.
		if imaputil.IsTransient(err) {
			return errors.Wrapf(err, "endpoint lost while processing %s", folder)
		}
		return nil
	}

	preExisting := m.Created
	if !o.opts.DryRun {
		err := retryTransient(ctx, o.opts.Attempts, o.opts.Backoff, func() error {
			return EnsureFolder(ctx, o.dst[0], m)
		})
		if err != nil {
			return failFolder(err, "create destination folder")
		}
	}

	// A destination folder that did not exist before this run is empty; no
	// point listing it.
	var dstForDiff imaputil.Session
	if preExisting {
		dstForDiff = o.dst[0]
	}
	// Listings are single-pass, so each attempt restarts the folder's
	// listing from the first page.
	var diff *Diff
	err := retryTransient(ctx, o.opts.Attempts, o.opts.Backoff, func() error {
		var derr error
		diff, derr = DiffFolder(ctx, o.src, folder, dstForDiff, m.Destination)
		return derr
	})
	if err != nil {
		return failFolder(err, "diff")
	}
	res.addSkipped(folder, diff.Skipped)
	if diff.Unfingerprintable > 0 {
		res.addWarning(fmt.Sprintf("%s: %d message(s) without a stable identity, copied defensively", folder, diff.Unfingerprintable))
	}
	if o.opts.Cache != nil {
		fps := make([]string, len(diff.Present))
		for i, fp := range diff.Present {
			fps[i] = string(fp)
		}
		o.opts.Cache.SetFolder(m.Destination, fps)
	}
	if !o.opts.Since.IsZero() {
		kept := diff.Missing[:0]
		for _, u := range diff.Missing {
			if !u.InternalDate.Before(o.opts.Since) {
				kept = append(kept, u)
			}
		}
		diff.Missing = kept
	}
	flog.WithFields(logrus.Fields{
		"source":  diff.SourceTotal,
		"missing": len(diff.Missing),
		"skipped": diff.Skipped,
	}).Info("folder diff")

	total := len(diff.Missing)
	done := 0
	exec := &Executor{
		Src:      o.src,
		Dst:      o.dst,
		Attempts: o.opts.Attempts,
		Backoff:  o.opts.Backoff,
		Limiter:  o.opts.Limiter,
		DryRun:   o.opts.DryRun,
		OnResult: func(tr TransferResult) {
			done++
			switch tr.Outcome {
			case OutcomeCopied:
				res.addCopied(folder, uint64(tr.Bytes))
				if o.opts.Cache != nil && !o.opts.DryRun && tr.Unit.Fingerprint != "" {
					o.opts.Cache.Add(m.Destination, string(tr.Unit.Fingerprint))
				}
				o.rep.Publish(Event{
					Type: EventMessageCopied, Folder: folder,
					Fingerprint: string(tr.Unit.Fingerprint),
					Total:       total, Done: done, Bytes: tr.Bytes,
				})
			case OutcomeSkipped:
				res.addSkipped(folder, 1)
			case OutcomeFailed:
				res.addFailure(Failure{
					Folder:      folder,
					Fingerprint: tr.Unit.Fingerprint,
					UID:         tr.Unit.UID,
					Reason:      tr.Err.Error(),
				})
				flog.WithError(tr.Err).WithField("uid", tr.Unit.UID).Error("message failed")
				o.rep.Publish(Event{
					Type: EventMessageFailed, Folder: folder,
					Fingerprint: string(tr.Unit.Fingerprint),
					Total:       total, Done: done, Err: tr.Err,
				})
			}
			if tr.DateDropped {
				res.addWarning(fmt.Sprintf("%s: message %s appended without original internal date", folder, tr.Unit.Fingerprint))
			}
		},
	}
	exec.Run(ctx, diff.Missing)
	o.rep.Publish(Event{Type: EventFolderCompleted, Folder: folder, Total: total, Done: done})
	return nil
}

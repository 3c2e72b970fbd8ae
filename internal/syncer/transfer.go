package syncer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/121-Online/IMAP-Sync-CLI/internal/imaputil"
)

// TransferOutcome classifies one unit's fate.
type TransferOutcome int

const (
	OutcomeCopied TransferOutcome = iota
	OutcomeSkipped
	OutcomeFailed
)

// TransferResult reports the outcome of one TransferUnit.
type TransferResult struct {
	Unit    TransferUnit
	Outcome TransferOutcome
	Bytes   int64
	Err     error
	// DateDropped is set when the source had no usable internal date and
	// the destination assigned its own. Lossy metadata, not an error.
	DateDropped bool
}

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
)

// Executor streams missing messages from source to destination. Each
// destination session in Dst backs one worker; IMAP connections do not
// pipeline safely, so concurrency comes from the pool size, never from
// sharing a connection. The single source session serializes internally.
type Executor struct {
	Src imaputil.Session
	Dst []imaputil.Session

	// Attempts caps tries per I/O call on transient errors; 0 means 3.
	Attempts int
	// Backoff is the first retry delay, doubled per attempt; 0 means 500ms.
	Backoff time.Duration
	// Limiter throttles appends when set.
	Limiter *rate.Limiter
	DryRun  bool

	// OnResult is called from worker goroutines as each unit settles.
	OnResult func(TransferResult)
}

// Run transfers every unit, at most one append per unit. It returns when all
// units have settled or, after cancellation, when in-flight transfers have
// drained; cancellation is observed at message granularity.
func (e *Executor) Run(ctx context.Context, units []TransferUnit) []TransferResult {
	workers := len(e.Dst)
	if workers == 0 {
		return nil
	}

	feed := make(chan TransferUnit)
	out := make(chan TransferResult, workers)
	var wg sync.WaitGroup
	for _, dst := range e.Dst {
		dst := dst
		wg.Add(1)
		go func() {
			defer wg.Done()
			for u := range feed {
				out <- e.transferOne(ctx, dst, u)
			}
		}()
	}

	go func() {
		defer close(feed)
		for _, u := range units {
			if ctx.Err() != nil {
				return // no new transfers after cancellation
			}
			select {
			case <-ctx.Done():
				return
			case feed <- u:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(out)
	}()

	results := make([]TransferResult, 0, len(units))
	for r := range out {
		if e.OnResult != nil {
			e.OnResult(r)
		}
		results = append(results, r)
	}
	return results
}

func (e *Executor) transferOne(ctx context.Context, dst imaputil.Session, u TransferUnit) TransferResult {
	res := TransferResult{Unit: u}
	if e.DryRun {
		res.Outcome = OutcomeCopied
		res.Bytes = int64(u.Size)
		return res
	}

	var raw []byte
	err := e.withRetry(ctx, func() error {
		var ferr error
		raw, ferr = e.Src.FetchBody(ctx, u.SourceFolder, u.UID)
		return ferr
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = errors.Wrap(err, "fetch")
		return res
	}

	date := u.InternalDate
	if date.IsZero() {
		date = time.Now()
		res.DateDropped = true
	}
	flags := sanitizeFlags(u.Flags)

	err = e.withRetry(ctx, func() error {
		if e.Limiter != nil {
			if lerr := e.Limiter.Wait(ctx); lerr != nil {
				return lerr
			}
		}
		return dst.Append(ctx, u.DestinationFolder, raw, flags, date)
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = errors.Wrap(err, "append")
		return res
	}
	res.Outcome = OutcomeCopied
	res.Bytes = int64(len(raw))
	return res
}

// withRetry runs op, retrying transient failures with exponential backoff.
// Permanent failures and context cancellation return immediately.
func (e *Executor) withRetry(ctx context.Context, op func() error) error {
	return retryTransient(ctx, e.Attempts, e.Backoff, op)
}

// retryTransient is the one retry policy in the engine: transient failures
// back off and try again up to attempts, everything else returns at once.
// Zero attempts/backoff take the defaults.
func retryTransient(ctx context.Context, attempts int, backoff time.Duration, op func() error) error {
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(backoff << (i - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = op(); err == nil {
			return nil
		}
		if !imaputil.IsTransient(err) {
			return err
		}
	}
	return err
}

// systemFlags is the closed set of flags the engine understands. Anything
// else is a keyword and passes through opaquely.
var systemFlags = map[string]bool{
	imap.SeenFlag:     true,
	imap.AnsweredFlag: true,
	imap.FlaggedFlag:  true,
	imap.DeletedFlag:  true,
	imap.DraftFlag:    true,
}

// sanitizeFlags keeps known system flags and opaque keywords. \Recent is
// owned by the server and gets rejected on APPEND; unknown backslash flags
// are dropped for the same reason.
func sanitizeFlags(flags []string) []string {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		if strings.HasPrefix(f, "\\") && !systemFlags[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

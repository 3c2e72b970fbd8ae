package syncer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/121-Online/IMAP-Sync-CLI/internal/imaputil"
)

// TransferUnit is one message scheduled for copy: metadata now, raw bytes
// fetched lazily by the executor. Consumed exactly once.
type TransferUnit struct {
	SourceFolder      string
	DestinationFolder string
	UID               uint32
	Fingerprint       Fingerprint
	Flags             []string
	InternalDate      time.Time
	Size              uint32
	// Unfingerprinted marks a message without a stable identity. It is
	// always copied (favor duplication over loss) and recorded as a warning.
	Unfingerprinted bool
}

// Diff is the outcome of comparing one folder pair.
type Diff struct {
	Missing           []TransferUnit // source listing order
	Present           []Fingerprint  // fingerprints found at the destination
	Skipped           int            // already present at destination
	Unfingerprintable int
	SourceTotal       int
}

// listFolder pages through folder metadata and streams every record into
// out. The listing is single-pass and not restartable: a failure mid-way
// reruns the whole folder on the next attempt.
func listFolder(ctx context.Context, s imaputil.Session, folder string, out chan<- imaputil.MessageInfo) error {
	defer close(out)
	var start uint32 = 1
	for {
		page, next, err := s.ListMessages(ctx, folder, start)
		if err != nil {
			return errors.Wrapf(err, "list %s", folder)
		}
		for _, m := range page {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- m:
			}
		}
		if next == 0 {
			return nil
		}
		start = next
	}
}

// DiffFolder computes which source messages are missing from the destination
// for one folder pair. Only metadata is listed; messages already present are
// trusted on fingerprint equality and never re-fetched, so cost is bounded
// by listing size, not mailbox bytes.
//
// A nil dst means the destination folder is known empty (it did not exist
// before this run), so the destination pass is skipped entirely.
func DiffFolder(ctx context.Context, src imaputil.Session, srcFolder string, dst imaputil.Session, dstFolder string) (*Diff, error) {
	// Destination pass: collect the set of fingerprints present.
	present := make(map[Fingerprint]struct{})
	if dst != nil {
		grp, gctx := errgroup.WithContext(ctx)
		dstMsgs := make(chan imaputil.MessageInfo, 256)
		grp.Go(func() error {
			return listFolder(gctx, dst, dstFolder, dstMsgs)
		})
		grp.Go(func() error {
			for m := range dstMsgs {
				if fp, ok := FingerprintOf(m); ok {
					present[fp] = struct{}{}
				}
			}
			return nil
		})
		if err := grp.Wait(); err != nil {
			return nil, errors.Wrap(err, "list destination")
		}
	}

	// Source pass: stream and filter against the destination set.
	d := &Diff{Present: make([]Fingerprint, 0, len(present))}
	for fp := range present {
		d.Present = append(d.Present, fp)
	}
	grp, gctx := errgroup.WithContext(ctx)
	srcMsgs := make(chan imaputil.MessageInfo, 256)
	grp.Go(func() error {
		return listFolder(gctx, src, srcFolder, srcMsgs)
	})
	grp.Go(func() error {
		for m := range srcMsgs {
			d.SourceTotal++
			fp, ok := FingerprintOf(m)
			if ok {
				if _, dup := present[fp]; dup {
					d.Skipped++
					continue
				}
			} else {
				d.Unfingerprintable++
			}
			d.Missing = append(d.Missing, TransferUnit{
				SourceFolder:      srcFolder,
				DestinationFolder: dstFolder,
				UID:               m.UID,
				Fingerprint:       fp,
				Flags:             m.Flags,
				InternalDate:      m.InternalDate,
				Size:              m.Size,
				Unfingerprinted:   !ok,
			})
		}
		return nil
	})
	if err := grp.Wait(); err != nil {
		return nil, errors.Wrap(err, "list source")
	}
	return d, nil
}

// StatFolder sums message count and bytes from a metadata listing. Used for
// the pre-run preview, where plain STATUS cannot report sizes.
func StatFolder(ctx context.Context, s imaputil.Session, folder string) (count int, bytes uint64, err error) {
	grp, gctx := errgroup.WithContext(ctx)
	msgs := make(chan imaputil.MessageInfo, 256)
	grp.Go(func() error {
		return listFolder(gctx, s, folder, msgs)
	})
	grp.Go(func() error {
		for m := range msgs {
			count++
			bytes += uint64(m.Size)
		}
		return nil
	})
	if err := grp.Wait(); err != nil {
		return 0, 0, err
	}
	return count, bytes, nil
}

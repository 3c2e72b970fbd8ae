package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/mail"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/121-Online/IMAP-Sync-CLI/internal/config"
	"github.com/121-Online/IMAP-Sync-CLI/internal/imaputil"
	"github.com/121-Online/IMAP-Sync-CLI/internal/state"
	"github.com/121-Online/IMAP-Sync-CLI/internal/syncer"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
	date    = ""
)

// errPartialFailure signals exit code 2: the run finished but recorded
// message or folder failures.
var errPartialFailure = errors.New("completed with failures")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errPartialFailure) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "imapsync",
		Short: "121 Digital IMAP Sync - replicate one IMAP mailbox onto another",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var showVersion bool
	rootCmd.PersistentFlags().BoolVarP(&showVersion, "version", "v", false, "Print version and exit")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Printf("imapsync %s", version)
			if commit != "" {
				fmt.Printf(" (%s)", commit)
			}
			if date != "" {
				fmt.Printf(" built %s", date)
			}
			fmt.Println()
			os.Exit(0)
		}
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync all folders and messages from source to destination",
		RunE:  runSync,
	}
	addSyncFlags(syncCmd)
	rootCmd.AddCommand(syncCmd)

	mboxCmd := &cobra.Command{
		Use:   "import-mbox",
		Short: "Append a local MBOX file into a destination folder",
		RunE:  runImportMbox,
	}
	addMboxFlags(mboxCmd)
	rootCmd.AddCommand(mboxCmd)

	return rootCmd
}

type syncOptions struct {
	configPath string

	include     string
	exclude     string
	skipSpecial bool
	skipTrash   bool
	skipJunk    bool
	skipDrafts  bool
	skipSent    bool
	mapPairs    []string

	since       string
	dryRun      bool
	concurrency int
	pageSize    int
	retries     int
	ratePerSec  float64
	stateFile   string
	ignoreState bool
	yes         bool
	noTUI       bool
	verbose     bool
	logFile     string
}

func addSyncFlags(cmd *cobra.Command) {
	o := &syncOptions{}
	cmd.SilenceUsage = true
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "config.json", "Path to JSON config with source/destination accounts")
	cmd.Flags().StringVar(&o.include, "include", "", "Regex of source folders to include")
	cmd.Flags().StringVar(&o.exclude, "exclude", "", "Regex of source folders to exclude")
	cmd.Flags().BoolVar(&o.skipSpecial, "skip-special", false, "Skip common special folders like Trash/Junk/Drafts/Sent")
	cmd.Flags().BoolVar(&o.skipTrash, "skip-trash", false, "Skip Trash folders")
	cmd.Flags().BoolVar(&o.skipJunk, "skip-junk", false, "Skip Junk/Spam folders")
	cmd.Flags().BoolVar(&o.skipDrafts, "skip-drafts", false, "Skip Drafts folders")
	cmd.Flags().BoolVar(&o.skipSent, "skip-sent", false, "Skip Sent folders")
	cmd.Flags().StringArrayVar(&o.mapPairs, "map", nil, "Folder mapping src=dst (can be repeated)")
	cmd.Flags().StringVar(&o.since, "since", "", "Only copy messages with internal date >= since (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Compute the diff but do not append anything")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 4, "Concurrent transfers per folder (one destination connection each)")
	cmd.Flags().IntVar(&o.pageSize, "page-size", 500, "Messages per metadata listing batch")
	cmd.Flags().IntVar(&o.retries, "retries", 3, "Attempts per message on transient errors")
	cmd.Flags().Float64Var(&o.ratePerSec, "rate", 0, "Max appends per second (0 = unlimited)")
	cmd.Flags().StringVar(&o.stateFile, "state-file", "imapsync-state.json", "Path to the optional fingerprint journal")
	cmd.Flags().BoolVar(&o.ignoreState, "ignore-state", false, "Do not read or write the fingerprint journal")
	cmd.Flags().BoolVarP(&o.yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&o.noTUI, "no-tui", false, "Plain line output instead of the progress UI")
	cmd.Flags().BoolVar(&o.verbose, "verbose", false, "Debug-level logging")
	cmd.Flags().StringVar(&o.logFile, "log-file", "sync.log", "Path of the durable run log")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, o))
		return nil
	}
}

type ctxKey struct{}

func runSync(cmd *cobra.Command, args []string) error {
	o := cmd.Context().Value(ctxKey{}).(*syncOptions)
	ctx := cmd.Context()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := promptPassword("Source", &cfg.Source); err != nil {
		return err
	}
	if err := promptPassword("Destination", &cfg.Destination); err != nil {
		return err
	}

	filter, err := buildFolderFilter(o)
	if err != nil {
		return err
	}
	var sinceTime time.Time
	if o.since != "" {
		sinceTime, err = time.Parse("2006-01-02", o.since)
		if err != nil {
			return fmt.Errorf("invalid --since date: %w (expected YYYY-MM-DD)", err)
		}
	}

	log, closeLog, err := openLogger(o.logFile, o.verbose)
	if err != nil {
		return err
	}
	defer closeLog()
	log.WithField("version", version).Info("sync starting")

	var cache *state.Cache
	if !o.ignoreState {
		cache, err = state.Load(o.stateFile)
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		if n := cache.FoldersWithProgress(); n > 0 && o.verbose {
			fmt.Printf("Resume journal: %d folder(s) have prior progress (%s)\n", n, o.stateFile)
		}
	}

	src, err := dialEndpoint(ctx, cfg.Source, o.pageSize)
	if err != nil {
		return fmt.Errorf("connect source: %w", err)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	dst := make([]imaputil.Session, 0, o.concurrency)
	for i := 0; i < o.concurrency; i++ {
		s, err := dialEndpoint(ctx, cfg.Destination, o.pageSize)
		if err != nil {
			_ = src.Logout()
			for _, d := range dst {
				_ = d.Logout()
			}
			return fmt.Errorf("connect destination: %w", err)
		}
		dst = append(dst, s)
	}

	var limiter *rate.Limiter
	if o.ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(o.ratePerSec), 1)
	}

	events := syncer.NewChannelReporter(256)
	reporter := syncer.MultiReporter{&logReporter{log: log}, events}

	previewCh := make(chan syncer.Preview, 1)
	answerCh := make(chan bool, 1)
	var confirmer syncer.Confirmer
	if o.yes {
		confirmer = syncer.AutoConfirm
	} else {
		confirmer = syncer.ConfirmFunc(func(p syncer.Preview) (bool, error) {
			previewCh <- p
			return <-answerCh, nil
		})
	}

	orch := syncer.New(src, dst, confirmer, reporter, syncer.Options{
		Rules:        syncer.NameRules{Overrides: parseMappings(o.mapPairs)},
		Filter:       filter,
		PreviewStats: !o.yes,
		DryRun:       o.dryRun,
		Since:        sinceTime,
		Attempts:     o.retries,
		Limiter:      limiter,
		Cache:        cache,
		Log:          log,
	})

	resCh := make(chan outcome, 1)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		res, err := orch.Run(runCtx)
		events.Close()
		resCh <- outcome{res, err}
	}()

	// Confirmation gate: the orchestrator blocks inside Confirm until we
	// answer. It may also abort before ever asking (e.g. auth failure).
	if !o.yes {
		proceed, early := awaitConfirmGate(previewCh, resCh, answerCh, func(p syncer.Preview) bool {
			return askConfirmation(p, o.noTUI)
		})
		if !proceed {
			if early.err != nil && errors.Is(early.err, syncer.ErrDeclined) {
				fmt.Println("Sync cancelled.")
			}
			return finishSync(early.res, early.err, o)
		}
	}

	if o.noTUI {
		drainEvents(events.Events())
	} else {
		runSyncTUI(cancel, events.Events())
	}
	out := <-resCh

	if cache != nil {
		if err := cache.Save(o.stateFile); err != nil {
			log.WithError(err).Warn("save state")
		}
	}
	return finishSync(out.res, out.err, o)
}

type outcome struct {
	res *syncer.Result
	err error
}

// awaitConfirmGate blocks until the run either asks for confirmation or
// settles on its own (an abort before the gate). A declined run is answered
// and then waited out, so the progress UI never opens for it; proceed is
// true only when the sync should continue into progress display.
func awaitConfirmGate(previewCh <-chan syncer.Preview, resCh <-chan outcome, answerCh chan<- bool, ask func(syncer.Preview) bool) (proceed bool, early *outcome) {
	select {
	case p := <-previewCh:
		ok := ask(p)
		answerCh <- ok
		if ok {
			return true, nil
		}
		out := <-resCh
		return false, &out
	case out := <-resCh:
		return false, &out
	}
}

func finishSync(res *syncer.Result, runErr error, o *syncOptions) error {
	if res == nil {
		return runErr
	}
	printSummary(res)
	if res.RunState() == syncer.StateAborted {
		if errors.Is(runErr, syncer.ErrDeclined) {
			return runErr
		}
		return fmt.Errorf("aborted: %w", runErr)
	}
	if !res.Ok() {
		return errPartialFailure
	}
	return nil
}

func printSummary(res *syncer.Result) {
	fmt.Printf("\nState: %s\n", res.State)
	for _, name := range res.FolderOrder {
		fc := res.Folders[name]
		fmt.Printf("  %-30s copied=%d skipped=%d failed=%d (%.2f KB)\n",
			name, fc.Copied, fc.Skipped, fc.Failed, float64(fc.Bytes)/1024)
	}
	fmt.Printf("Total: copied=%d skipped=%d failed=%d, %.2f MB transferred\n",
		res.TotalCopied(), res.TotalSkipped(), res.TotalFailed(),
		float64(res.TotalBytes)/(1024*1024))
	for _, w := range res.Warnings {
		fmt.Println("  warning:", w)
	}
	for _, ff := range res.FolderFailures {
		fmt.Printf("  folder failed: %s: %s\n", ff.Folder, ff.Reason)
	}
	for _, f := range res.Failures {
		fmt.Printf("  message failed: %s fingerprint=%s uid=%d: %s\n",
			f.Folder, f.Fingerprint, f.UID, f.Reason)
	}
}

func askConfirmation(p syncer.Preview, plain bool) bool {
	summary := renderPreview(p)
	if plain {
		fmt.Println(summary)
		fmt.Print("Do you want to proceed with syncing? [y/N] ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		line = strings.TrimSpace(strings.ToLower(line))
		return line == "y" || line == "yes"
	}
	ok, err := runConfirmTUI("121 Digital IMAP Sync", summary)
	if err != nil {
		// TUI unavailable, fall back to the plain prompt
		return askConfirmation(p, true)
	}
	return ok
}

func renderPreview(p syncer.Preview) string {
	var b strings.Builder
	b.WriteString("Source mailbox:\n")
	for _, f := range p.SourceFolders {
		fmt.Fprintf(&b, "  %s: %d emails, %.2f KB\n", f.Path, f.Messages, float64(f.Bytes)/1024)
	}
	fmt.Fprintf(&b, "Total: %d emails, %.2f MB\n\n", p.TotalMessages, float64(p.TotalBytes)/(1024*1024))
	b.WriteString("Destination mailbox:\n")
	for _, f := range p.DestinationFolders {
		fmt.Fprintf(&b, "  %s: %d emails\n", f.Path, f.Messages)
	}
	return b.String()
}

func drainEvents(events <-chan syncer.Event) {
	for ev := range events {
		switch ev.Type {
		case syncer.EventFolderStarted:
			fmt.Printf("[folder] %s: start\n", ev.Folder)
		case syncer.EventMessageCopied:
			fmt.Printf("[folder] %s: %d/%d copied\n", ev.Folder, ev.Done, ev.Total)
		case syncer.EventMessageFailed:
			fmt.Printf("[folder] %s: message failed: %v\n", ev.Folder, ev.Err)
		case syncer.EventFolderCompleted:
			if ev.Err != nil {
				fmt.Printf("[folder] %s: failed: %v\n", ev.Folder, ev.Err)
			} else {
				fmt.Printf("[folder] %s: done (%d messages)\n", ev.Folder, ev.Done)
			}
		}
	}
}

func buildFolderFilter(o *syncOptions) (func(string) bool, error) {
	var includeRe, excludeRe *regexp.Regexp
	var err error
	if o.include != "" {
		includeRe, err = regexp.Compile(o.include)
		if err != nil {
			return nil, fmt.Errorf("invalid --include regex: %w", err)
		}
	}
	if o.exclude != "" {
		excludeRe, err = regexp.Compile(o.exclude)
		if err != nil {
			return nil, fmt.Errorf("invalid --exclude regex: %w", err)
		}
	}
	specialPatterns := []string{}
	if o.skipSpecial || o.skipTrash {
		specialPatterns = append(specialPatterns, `(?i)^(Trash|Gelöscht.*|Deleted Items|Papierkorb)$`)
	}
	if o.skipSpecial || o.skipJunk {
		specialPatterns = append(specialPatterns, `(?i)^(Junk|Spam|Bulk Mail|Unerw.*)$`)
	}
	if o.skipSpecial || o.skipDrafts {
		specialPatterns = append(specialPatterns, `(?i)^(Drafts|Entwürfe)$`)
	}
	if o.skipSpecial || o.skipSent {
		specialPatterns = append(specialPatterns, `(?i)^(Sent( Items)?|Gesendet.*)$`)
	}
	var specialRe *regexp.Regexp
	if len(specialPatterns) > 0 {
		specialRe = regexp.MustCompile(strings.Join(specialPatterns, "|"))
	}
	if includeRe == nil && excludeRe == nil && specialRe == nil {
		return nil, nil
	}
	return func(name string) bool {
		if includeRe != nil && !includeRe.MatchString(name) {
			return false
		}
		if excludeRe != nil && excludeRe.MatchString(name) {
			return false
		}
		if specialRe != nil && specialRe.MatchString(name) {
			return false
		}
		return true
	}, nil
}

func dialEndpoint(ctx context.Context, ep config.Endpoint, pageSize int) (*imaputil.Client, error) {
	return imaputil.Dial(ctx, imaputil.Options{
		Host:     ep.Host,
		Port:     ep.Port,
		User:     ep.User,
		Password: ep.Password,
		StartTLS: ep.StartTLS,
		TLS:      &tls.Config{InsecureSkipVerify: ep.InsecureTLS},
		PageSize: uint32(pageSize),
	})
}

func promptPassword(label string, ep *config.Endpoint) error {
	if ep.Password != "" {
		return nil
	}
	fmt.Fprintf(os.Stderr, "%s password for %s@%s: ", label, ep.User, ep.Host)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read %s password: %w", strings.ToLower(label), err)
	}
	ep.Password = string(b)
	return nil
}

// parseMappings converts `src=dst` pairs into a map
func parseMappings(pairs []string) map[string]string {
	m := make(map[string]string)
	for _, p := range pairs {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Invalid --map value (expected src=dst): %s\n", p)
			continue
		}
		m[parts[0]] = parts[1]
	}
	return m
}

// logReporter writes one durable log line per event.
type logReporter struct {
	log logrus.FieldLogger
}

func (r *logReporter) Publish(ev syncer.Event) {
	l := r.log.WithField("folder", ev.Folder)
	switch ev.Type {
	case syncer.EventFolderStarted:
		l.Info("folder started")
	case syncer.EventMessageCopied:
		l.WithFields(logrus.Fields{"fingerprint": ev.Fingerprint, "bytes": ev.Bytes}).Debug("message copied")
	case syncer.EventMessageFailed:
		l.WithField("fingerprint", ev.Fingerprint).WithError(ev.Err).Error("message failed")
	case syncer.EventFolderCompleted:
		if ev.Err != nil {
			l.WithError(ev.Err).Error("folder failed")
		} else {
			l.WithFields(logrus.Fields{"messages": ev.Done}).Info("folder completed")
		}
	case syncer.EventRunSummary:
		if ev.Result != nil {
			l.WithFields(logrus.Fields{
				"state":   string(ev.Result.State),
				"copied":  ev.Result.TotalCopied(),
				"skipped": ev.Result.TotalSkipped(),
				"failed":  ev.Result.TotalFailed(),
			}).Info("run summary")
		}
	}
}

func openLogger(path string, verbose bool) (*logrus.Logger, func(), error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if path == "" {
		log.SetOutput(io.Discard)
		return log, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(f)
	return log, func() { _ = f.Close() }, nil
}

// --- import-mbox ---

type mboxOptions struct {
	configPath string
	mboxPath   string
	dstMailbox string
	dryRun     bool
	retries    int
	verbose    bool
}

func addMboxFlags(cmd *cobra.Command) {
	o := &mboxOptions{}
	cmd.SilenceUsage = true
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "config.json", "Path to JSON config (destination account is used)")
	cmd.Flags().StringVar(&o.mboxPath, "mbox", "", "Path to the local MBOX file")
	cmd.Flags().StringVar(&o.dstMailbox, "dst-mailbox", "INBOX", "Destination folder to append into")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "Parse and count, do not append")
	cmd.Flags().IntVar(&o.retries, "retries", 3, "Attempts per message on transient errors")
	cmd.Flags().BoolVar(&o.verbose, "verbose", false, "Per-message output")
	_ = cmd.MarkFlagRequired("mbox")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, o))
		return nil
	}
}

func runImportMbox(cmd *cobra.Command, args []string) error {
	o := cmd.Context().Value(ctxKey{}).(*mboxOptions)
	ctx := cmd.Context()

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if err := promptPassword("Destination", &cfg.Destination); err != nil {
		return err
	}

	f, err := os.Open(o.mboxPath)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer f.Close()

	total, err := countMboxMessages(f)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	dst, err := dialEndpoint(ctx, cfg.Destination, 0)
	if err != nil {
		return fmt.Errorf("connect destination: %w", err)
	}
	defer dst.Logout()

	if !o.dryRun {
		if err := dst.CreateFolder(ctx, o.dstMailbox); err != nil {
			return fmt.Errorf("ensure mailbox: %w", err)
		}
	}

	progress := make(chan int, 128)
	errc := make(chan error, 1)

	go func() {
		defer close(progress)
		defer close(errc)
		r := mbox.NewReader(f)
		for {
			mr, err := r.NextMessage()
			if err == io.EOF {
				errc <- nil
				return
			}
			if err != nil {
				errc <- fmt.Errorf("read mbox: %w", err)
				return
			}
			raw, err := io.ReadAll(mr)
			if err != nil {
				errc <- fmt.Errorf("read message: %w", err)
				return
			}
			date := mboxMessageDate(raw)
			if !o.dryRun {
				err := appendWithRetry(ctx, dst, o.dstMailbox, raw, date, o.retries)
				if err != nil {
					errc <- err
					return
				}
			}
			progress <- 1
		}
	}()

	errs := runCountTUI(total, "Importing "+o.dstMailbox, progress, errc)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func appendWithRetry(ctx context.Context, dst imaputil.Session, folder string, raw []byte, date time.Time, attempts int) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(500 * time.Millisecond << (i - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = dst.Append(ctx, folder, raw, nil, date); err == nil {
			return nil
		}
		if !imaputil.IsTransient(err) {
			return err
		}
	}
	return err
}

func mboxMessageDate(raw []byte) time.Time {
	if msg, err := mail.ReadMessage(strings.NewReader(string(raw))); err == nil {
		if dh := msg.Header.Get("Date"); dh != "" {
			if t, err := mail.ParseDate(dh); err == nil {
				return t
			}
		}
	}
	return time.Now()
}

// countMboxMessages counts with the same parser the import loop uses, so
// the progress total always matches the number of messages appended. A raw
// prefix scan would miscount unescaped From lines inside bodies.
func countMboxMessages(r io.Reader) (int, error) {
	mr := mbox.NewReader(r)
	count := 0
	for {
		m, err := mr.NextMessage()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return 0, err
		}
		if _, err := io.Copy(io.Discard, m); err != nil {
			return 0, err
		}
		count++
	}
}

package syncer

import (
	"sync"
	"time"
)

// FolderCount tallies one folder's outcome.
type FolderCount struct {
	Copied  int
	Skipped int
	Failed  int
	Bytes   uint64
}

// Failure records one message that could not be transferred, with enough
// context to retry it by hand.
type Failure struct {
	Folder      string
	Fingerprint Fingerprint
	UID         uint32
	Reason      string
}

// FolderFailure records a folder that could not be processed at all.
type FolderFailure struct {
	Folder string
	Reason string
}

// Result is the run's sole artifact: per-folder counts, totals, and every
// failure and warning. It is mutated under a lock while the run is live and
// must be treated as immutable once the orchestrator reaches a terminal
// state.
type Result struct {
	mu sync.Mutex

	State       State
	FolderOrder []string
	Folders     map[string]*FolderCount

	FolderFailures []FolderFailure
	Failures       []Failure
	Warnings       []string

	TotalBytes uint64
	Started    time.Time
	Finished   time.Time
}

func newResult() *Result {
	return &Result{
		State:   StateListing,
		Folders: map[string]*FolderCount{},
		Started: time.Now(),
	}
}

func (r *Result) folder(name string) *FolderCount {
	fc, ok := r.Folders[name]
	if !ok {
		fc = &FolderCount{}
		r.Folders[name] = fc
		r.FolderOrder = append(r.FolderOrder, name)
	}
	return fc
}

func (r *Result) addCopied(folder string, bytes uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fc := r.folder(folder)
	fc.Copied++
	fc.Bytes += bytes
	r.TotalBytes += bytes
}

func (r *Result) addSkipped(folder string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.folder(folder).Skipped += n
}

func (r *Result) addFailure(f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.folder(f.Folder).Failed++
	r.Failures = append(r.Failures, f)
}

func (r *Result) addFolderFailure(folder, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.folder(folder)
	r.FolderFailures = append(r.FolderFailures, FolderFailure{Folder: folder, Reason: reason})
}

func (r *Result) addWarning(w string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Warnings = append(r.Warnings, w)
}

// TotalCopied sums copied messages across folders.
func (r *Result) TotalCopied() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, fc := range r.Folders {
		n += fc.Copied
	}
	return n
}

// TotalSkipped sums messages skipped as already present.
func (r *Result) TotalSkipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, fc := range r.Folders {
		n += fc.Skipped
	}
	return n
}

// TotalFailed sums per-message failures across folders.
func (r *Result) TotalFailed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, fc := range r.Folders {
		n += fc.Failed
	}
	return n
}

// RunState returns the state under the lock, safe to call while the run is
// still live.
func (r *Result) RunState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State
}

// Ok reports full success: the run finished in Done with no message or
// folder failures. Partial completion is reported, never treated as success.
func (r *Result) Ok() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.State == StateDone && len(r.Failures) == 0 && len(r.FolderFailures) == 0
}

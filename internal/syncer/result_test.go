package syncer

import (
	"sync"
	"testing"
)

func TestResultAccessorsSafeWhileRunLive(t *testing.T) {
	res := newResult()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			res.addCopied("INBOX", 10)
			res.addFailure(Failure{Folder: "INBOX", Reason: "x"})
		}
		res.mu.Lock()
		res.State = StateDone
		res.mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			res.Ok()
			res.RunState()
			res.TotalCopied()
		}
	}()
	wg.Wait()

	if res.RunState() != StateDone {
		t.Fatalf("state=%s, want done", res.RunState())
	}
	if res.Ok() {
		t.Fatal("recorded failures must veto Ok")
	}
}

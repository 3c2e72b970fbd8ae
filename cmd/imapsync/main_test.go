package main

import (
	"io"
	"strings"
	"testing"

	"github.com/emersion/go-mbox"

	"github.com/121-Online/IMAP-Sync-CLI/internal/syncer"
)

func TestCountMboxMessagesMatchesImportParser(t *testing.T) {
	// The second body carries an unescaped From line; whatever the parser
	// makes of it, the count must match what the import loop will append.
	data := "From alice@example.com Mon Jan  1 00:00:00 2024\n" +
		"Subject: one\n" +
		"\n" +
		"first body\n" +
		"\n" +
		"From bob@example.com Mon Jan  1 00:00:00 2024\n" +
		"Subject: two\n" +
		"\n" +
		"quoting a friend:\n" +
		"From the desk of somebody important\n" +
		">From an escaped line\n" +
		"\n" +
		"From carol@example.com Mon Jan  1 00:00:00 2024\n" +
		"Subject: three\n" +
		"\n" +
		"last body\n"

	got, err := countMboxMessages(strings.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}

	want := 0
	r := mbox.NewReader(strings.NewReader(data))
	for {
		m, err := r.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.Copy(io.Discard, m); err != nil {
			t.Fatal(err)
		}
		want++
	}
	if got != want {
		t.Fatalf("count=%d, but the import loop would append %d", got, want)
	}
}

func TestConfirmGateDeclinedSkipsProgress(t *testing.T) {
	previewCh := make(chan syncer.Preview, 1)
	answerCh := make(chan bool, 1)
	resCh := make(chan outcome, 1)

	previewCh <- syncer.Preview{TotalMessages: 3}
	// The run aborts with ErrDeclined once the gate answers no.
	answered := make(chan bool, 1)
	go func() {
		answered <- <-answerCh
		resCh <- outcome{res: &syncer.Result{State: syncer.StateAborted}, err: syncer.ErrDeclined}
	}()

	proceed, early := awaitConfirmGate(previewCh, resCh, answerCh, func(syncer.Preview) bool {
		return false
	})
	if proceed {
		t.Fatal("declined run must not reach the progress display")
	}
	if early == nil || early.err != syncer.ErrDeclined {
		t.Fatalf("declined run must surface the run outcome, got %+v", early)
	}
	if got := <-answered; got {
		t.Fatal("gate must answer no")
	}
}

func TestConfirmGateAccepted(t *testing.T) {
	previewCh := make(chan syncer.Preview, 1)
	answerCh := make(chan bool, 1)
	resCh := make(chan outcome, 1)

	previewCh <- syncer.Preview{TotalMessages: 1}
	proceed, early := awaitConfirmGate(previewCh, resCh, answerCh, func(syncer.Preview) bool {
		return true
	})
	if !proceed || early != nil {
		t.Fatalf("accepted run must proceed, got proceed=%v early=%+v", proceed, early)
	}
	if got := <-answerCh; !got {
		t.Fatal("gate must answer yes")
	}
}

func TestConfirmGateAbortBeforeAsking(t *testing.T) {
	previewCh := make(chan syncer.Preview)
	answerCh := make(chan bool, 1)
	resCh := make(chan outcome, 1)

	resCh <- outcome{res: &syncer.Result{State: syncer.StateAborted}, err: io.ErrUnexpectedEOF}
	proceed, early := awaitConfirmGate(previewCh, resCh, answerCh, func(syncer.Preview) bool {
		t.Fatal("gate must not ask when the run already settled")
		return false
	})
	if proceed || early == nil || early.err != io.ErrUnexpectedEOF {
		t.Fatalf("early abort must short-circuit the gate, got proceed=%v early=%+v", proceed, early)
	}
}

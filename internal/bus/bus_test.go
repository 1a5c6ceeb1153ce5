package bus

import (
	"log/slog"
	"os"
	"sync"
	"testing"

	"wasender/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBus_DeliversInOrderToAllSubscribers(t *testing.T) {
	b := New(4, testLogger())

	var mu sync.Mutex
	got := map[string][]string{}
	for _, name := range []string{"console", "monitor"} {
		name := name
		b.Subscribe(name, func(ev domain.StatusEvent) {
			mu.Lock()
			got[name] = append(got[name], ev.Message)
			mu.Unlock()
		})
	}

	for _, m := range []string{"a", "b", "c", "d", "e", "f"} {
		b.Report(domain.StatusEvent{Kind: domain.EventRecipient, Message: m})
	}
	b.Close()

	for _, name := range []string{"console", "monitor"} {
		if len(got[name]) != 6 || got[name][0] != "a" || got[name][5] != "f" {
			t.Fatalf("%s received %v", name, got[name])
		}
	}
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	b := New(1, testLogger())
	count := 0
	b.Subscribe("bad", func(domain.StatusEvent) { panic("boom") })
	b.Subscribe("good", func(domain.StatusEvent) { count++ })

	b.Report(domain.StatusEvent{Kind: domain.EventRunStarted})
	b.Report(domain.StatusEvent{Kind: domain.EventRunCompleted})
	b.Close()

	if count != 2 {
		t.Fatalf("good handler called %d times, want 2", count)
	}
}

func TestBus_HistoryAndTimestamps(t *testing.T) {
	b := New(10, testLogger())
	b.maxHist = 2
	b.Report(domain.StatusEvent{Message: "1"})
	b.Report(domain.StatusEvent{Message: "2"})
	b.Report(domain.StatusEvent{Message: "3"})
	b.Close()

	h := b.History()
	if len(h) != 2 || h[0].Message != "2" || h[1].Message != "3" {
		t.Fatalf("unexpected history %+v", h)
	}
	if h[0].Time.IsZero() {
		t.Fatal("Report should stamp the event time")
	}
}

func TestBus_ReportAfterCloseIsIgnored(t *testing.T) {
	b := New(1, testLogger())
	b.Close()
	b.Report(domain.StatusEvent{Message: "late"})
	b.Close()
	if len(b.History()) != 0 {
		t.Fatal("closed bus must not record events")
	}
}

func TestBus_StampsIncreasingSeq(t *testing.T) {
	b := New(4, testLogger())
	var seen []uint64
	b.Subscribe("monitor", func(ev domain.StatusEvent) { seen = append(seen, ev.Seq) })
	b.Report(domain.StatusEvent{Message: "1"})
	b.Report(domain.StatusEvent{Message: "2"})
	b.Close()

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("delivered seqs %v, want [1 2]", seen)
	}
	h := b.History()
	if h[0].Seq != 1 || h[1].Seq != 2 {
		t.Fatalf("history seqs %d,%d, want 1,2", h[0].Seq, h[1].Seq)
	}
}

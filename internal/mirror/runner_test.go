package mirror

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"prorata/internal/journal"
	"prorata/internal/model"
)

type fakeStore struct {
	mu       sync.Mutex
	pools    map[uint64]model.PoolRow
	contribs map[string]model.ContributionRow
	balances map[string]model.BalanceRow
	events   map[uint64]model.Event
	offset   uint64
	hasOff   bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pools:    make(map[uint64]model.PoolRow),
		contribs: make(map[string]model.ContributionRow),
		balances: make(map[string]model.BalanceRow),
		events:   make(map[uint64]model.Event),
	}
}

func (s *fakeStore) UpsertPools(_ context.Context, rows []model.PoolRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.pools[row.ID] = row
	}
	return nil
}

func (s *fakeStore) UpsertContributions(_ context.Context, rows []model.ContributionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.contribs[row.Contributor] = row
	}
	return nil
}

func (s *fakeStore) UpsertBalances(_ context.Context, rows []model.BalanceRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.balances[row.Asset] = row
	}
	return nil
}

func (s *fakeStore) InsertEvents(_ context.Context, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range events {
		s.events[ev.Seq] = ev
	}
	return nil
}

func (s *fakeStore) LoadOffset(context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset, s.hasOff, nil
}

func (s *fakeStore) SaveOffset(_ context.Context, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset = seq
	s.hasOff = true
	return nil
}

func (s *fakeStore) offsetNow() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

func (s *fakeStore) contribAmount(who string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contribs[who].Amount
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seedJournal(t *testing.T) (string, *journal.Writer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	w := journal.NewWriter(path)
	err := w.Append([]model.Event{
		{Seq: 1, Kind: model.KindPoolCreated, PoolID: 1, Actor: "0xc1", Asset: "native"},
		{Seq: 2, Kind: model.KindContributed, PoolID: 1, Actor: "0xc1", Asset: "native", Contributor: "0xa1", Amount: "10", Received: "10"},
	})
	if err != nil {
		t.Fatalf("seed journal: %v", err)
	}
	return path, w
}

func TestRunnerSyncsJournalThenTailsLive(t *testing.T) {
	path, _ := seedJournal(t)
	store := newFakeStore()
	runner := NewRunner(Config{
		JournalPath:   path,
		BatchSize:     10,
		FlushInterval: 20 * time.Millisecond,
	}, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	waitFor(t, "journal sync", func() bool { return store.offsetNow() == 2 })

	runner.Feed()(model.Event{
		Seq: 3, Kind: model.KindContributed, PoolID: 1, Actor: "0xc1",
		Asset: "native", Contributor: "0xa1", Amount: "5", Received: "5",
	})
	waitFor(t, "live flush", func() bool { return store.offsetNow() == 3 })
	if got := store.contribAmount("0xa1"); got != "15" {
		t.Errorf("contribution after live event = %s, want 15", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestFeedNeverBlocks(t *testing.T) {
	path, _ := seedJournal(t)
	runner := NewRunner(Config{JournalPath: path, Buffer: 1}, newFakeStore(), nil)

	feed := runner.Feed()
	feed(model.Event{Seq: 3})
	feed(model.Event{Seq: 4}) // buffer full, must not block
	if runner.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", runner.Dropped())
	}
	if !runner.Desynced() {
		t.Error("drop did not mark the runner desynced")
	}
}

// A feed gap is healed from the journal, which saw everything.
func TestRunnerResyncsAfterGap(t *testing.T) {
	path, w := seedJournal(t)
	store := newFakeStore()
	runner := NewRunner(Config{
		JournalPath:   path,
		BatchSize:     10,
		FlushInterval: 20 * time.Millisecond,
	}, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	waitFor(t, "journal sync", func() bool { return store.offsetNow() == 2 })

	// Events 3..5 reach the journal, but only 5 reaches the feed.
	err := w.Append([]model.Event{
		{Seq: 3, Kind: model.KindContributed, PoolID: 1, Contributor: "0xa1", Received: "1"},
		{Seq: 4, Kind: model.KindContributed, PoolID: 1, Contributor: "0xb1", Received: "2"},
		{Seq: 5, Kind: model.KindDeposited, PoolID: 1, Amount: "7"},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	runner.Feed()(model.Event{Seq: 5, Kind: model.KindDeposited, PoolID: 1, Amount: "7"})

	waitFor(t, "re-sync", func() bool { return store.offsetNow() == 5 })
	if got := store.contribAmount("0xb1"); got != "2" {
		t.Errorf("contribution recovered from journal = %s, want 2", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunnerFlushesPendingOnShutdown(t *testing.T) {
	path, _ := seedJournal(t)
	store := newFakeStore()
	runner := NewRunner(Config{
		JournalPath:   path,
		BatchSize:     100,
		FlushInterval: time.Hour, // only the shutdown path may flush
	}, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	waitFor(t, "journal sync", func() bool { return store.offsetNow() == 2 })
	runner.Feed()(model.Event{
		Seq: 3, Kind: model.KindDeposited, PoolID: 1, Actor: "0xc1", Amount: "7",
	})
	waitFor(t, "event consumed", func() bool { return len(runner.events) == 0 })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if store.offsetNow() != 3 {
		t.Errorf("offset after shutdown = %d, want 3", store.offsetNow())
	}
}

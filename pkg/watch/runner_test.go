package watch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cve-watch/pkg/advisory"
	"github.com/cve-watch/pkg/state"
	"github.com/cve-watch/pkg/watchlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	outcomes map[string]advisory.QueryOutcome
	queries  []string
	windows  []advisory.Window
}

func (f *fakeSource) Fetch(_ context.Context, query string, window advisory.Window, _ []advisory.Severity) advisory.QueryOutcome {
	f.queries = append(f.queries, query)
	f.windows = append(f.windows, window)
	outcome, ok := f.outcomes[query]
	if !ok {
		return advisory.QueryOutcome{Query: query}
	}
	outcome.Query = query
	return outcome
}

type fakeStore struct {
	loadErr    error
	loadCalls  int
	notified   map[string]struct{}
	marked     []string
	markErr    map[string]error
	persistErr error
	persists   int
}

func newFakeStore(preNotified ...string) *fakeStore {
	s := &fakeStore{notified: make(map[string]struct{})}
	for _, id := range preNotified {
		s.notified[id] = struct{}{}
	}
	return s
}

func (s *fakeStore) Load() error {
	s.loadCalls++
	return s.loadErr
}

func (s *fakeStore) IsNotified(id string) bool {
	_, ok := s.notified[id]
	return ok
}

func (s *fakeStore) MarkNotified(id string, _ time.Time) error {
	if err, ok := s.markErr[id]; ok {
		return err
	}
	s.notified[id] = struct{}{}
	s.marked = append(s.marked, id)
	return nil
}

func (s *fakeStore) Persist() error {
	s.persists++
	return s.persistErr
}

type fakeNotifier struct {
	delivered []string
	failIDs   map[string]error
	onDeliver func(f advisory.Finding)
}

func (n *fakeNotifier) Deliver(_ context.Context, f advisory.Finding) error {
	if n.onDeliver != nil {
		n.onDeliver(f)
	}
	if err, ok := n.failIDs[f.ID]; ok {
		return err
	}
	n.delivered = append(n.delivered, f.ID)
	return nil
}

func testWatchlist() *watchlist.Watchlist {
	return &watchlist.Watchlist{
		Queries:  []string{"react", "vite"},
		TagRules: map[string][]string{"react": {"react"}, "vite": {"vite"}},
	}
}

func newTestRunner(wl *watchlist.Watchlist, source advisory.Source, store StateStore, notifier *fakeNotifier, cfg Config) *Runner {
	r := NewRunner(wl, source, store, notifier, cfg, discardLogger())
	r.now = func() time.Time { return time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestRunnerDeliversNewFindings(t *testing.T) {
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	source := &fakeSource{outcomes: map[string]advisory.QueryOutcome{
		"react": {Advisories: []advisory.RawAdvisory{
			rawAdvisory("CVE-2026-0001", base, "react issue"),
			rawAdvisory("CVE-2026-0002", base.Add(time.Hour), "another react issue"),
		}},
		"vite": {Advisories: []advisory.RawAdvisory{
			rawAdvisory("CVE-2026-0001", base, "react issue"), // duplicate across queries
		}},
	}}
	store := newFakeStore()
	notifier := &fakeNotifier{}

	runner := newTestRunner(testWatchlist(), source, store, notifier, Config{HoursBack: 24})
	report, err := runner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"react", "vite"}, source.queries)
	assert.Equal(t, 3, report.Fetched)
	assert.Equal(t, 2, report.Merged)
	assert.Equal(t, 0, report.Skipped)
	assert.Equal(t, 2, report.Delivered)
	assert.False(t, report.Degraded)
	assert.NotEmpty(t, report.RunID)

	// newest first
	assert.Equal(t, []string{"CVE-2026-0002", "CVE-2026-0001"}, notifier.delivered)
	assert.Equal(t, []string{"CVE-2026-0002", "CVE-2026-0001"}, store.marked)
	assert.Equal(t, 1, store.persists)
}

func TestRunnerSecondRunDeliversNothing(t *testing.T) {
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	outcomes := map[string]advisory.QueryOutcome{
		"react": {Advisories: []advisory.RawAdvisory{rawAdvisory("CVE-2026-0001", base, "react issue")}},
	}
	store := newFakeStore()

	first := newTestRunner(testWatchlist(), &fakeSource{outcomes: outcomes}, store, &fakeNotifier{}, Config{})
	report, err := first.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)

	secondNotifier := &fakeNotifier{}
	second := newTestRunner(testWatchlist(), &fakeSource{outcomes: outcomes}, store, secondNotifier, Config{})
	report, err = second.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Delivered)
	assert.Equal(t, 1, report.Skipped)
	assert.Empty(t, secondNotifier.delivered)
	assert.False(t, report.Degraded)
}

func TestRunnerDurableStateAcrossRuns(t *testing.T) {
	base := time.Date(2026, 2, 10, 6, 0, 0, 0, time.UTC)
	outcomes := map[string]advisory.QueryOutcome{
		"react": {Advisories: []advisory.RawAdvisory{
			rawAdvisory("CVE-2026-0001", base, "react issue"),
			rawAdvisory("CVE-2026-0002", base.Add(time.Hour), "second react issue"),
			rawAdvisory("CVE-2026-0003", base.Add(2*time.Hour), "third react issue"),
		}},
	}
	dir := t.TempDir()

	notifier := &fakeNotifier{}
	store := state.New(dir, 0, discardLogger())
	runner := newTestRunner(testWatchlist(), &fakeSource{outcomes: outcomes}, store, notifier, Config{HoursBack: 24})
	report, err := runner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"CVE-2026-0003", "CVE-2026-0002", "CVE-2026-0001"}, notifier.delivered)
	assert.Equal(t, 3, report.Delivered)
	assert.False(t, report.Degraded)

	// a fresh store over the same directory sees the committed snapshot
	secondNotifier := &fakeNotifier{}
	runner = newTestRunner(testWatchlist(), &fakeSource{outcomes: outcomes}, state.New(dir, 0, discardLogger()), secondNotifier, Config{HoursBack: 24})
	report, err = runner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, report.Delivered)
	assert.Equal(t, 3, report.Skipped)
	assert.Empty(t, secondNotifier.delivered)
	assert.False(t, report.Degraded)
}

func TestRunnerOneQueryFailsOthersStillDeliver(t *testing.T) {
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	source := &fakeSource{outcomes: map[string]advisory.QueryOutcome{
		"react": {Advisories: []advisory.RawAdvisory{rawAdvisory("CVE-2026-0001", base, "react issue")}},
		"vite":  {Err: errors.New("nvd returned 503")},
	}}
	store := newFakeStore()
	notifier := &fakeNotifier{}

	runner := newTestRunner(testWatchlist(), source, store, notifier, Config{})
	report, err := runner.Run(context.Background())

	require.NoError(t, err, "a failed query never aborts the run")
	assert.Equal(t, []string{"vite"}, report.FailedQueries)
	assert.Equal(t, []string{"CVE-2026-0001"}, notifier.delivered)
	assert.True(t, report.Degraded)
}

func TestRunnerDeliveryFailureDoesNotBlockLaterFindings(t *testing.T) {
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	source := &fakeSource{outcomes: map[string]advisory.QueryOutcome{
		"react": {Advisories: []advisory.RawAdvisory{
			rawAdvisory("CVE-2026-0002", base.Add(time.Hour), "delivered first, fails"),
			rawAdvisory("CVE-2026-0001", base, "delivered second, succeeds"),
		}},
	}}
	store := newFakeStore()
	notifier := &fakeNotifier{failIDs: map[string]error{"CVE-2026-0002": errors.New("slack returned 500")}}

	runner := newTestRunner(testWatchlist(), source, store, notifier, Config{})
	report, err := runner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, []string{"CVE-2026-0002"}, report.DeliveryFailures)
	assert.Equal(t, []string{"CVE-2026-0001"}, store.marked, "failed delivery is not marked")
	assert.True(t, report.Degraded)

	// the failed id stays eligible for the next run
	assert.False(t, store.IsNotified("CVE-2026-0002"))
}

func TestRunnerSkipsAlreadyNotified(t *testing.T) {
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	source := &fakeSource{outcomes: map[string]advisory.QueryOutcome{
		"react": {Advisories: []advisory.RawAdvisory{
			rawAdvisory("CVE-2026-0001", base, "already posted"),
			rawAdvisory("CVE-2026-0002", base, "new"),
		}},
	}}
	store := newFakeStore("CVE-2026-0001")
	notifier := &fakeNotifier{}

	runner := newTestRunner(testWatchlist(), source, store, notifier, Config{})
	report, err := runner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, []string{"CVE-2026-0002"}, notifier.delivered)
}

func TestRunnerDryRun(t *testing.T) {
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	source := &fakeSource{outcomes: map[string]advisory.QueryOutcome{
		"react": {Advisories: []advisory.RawAdvisory{rawAdvisory("CVE-2026-0001", base, "react issue")}},
	}}
	store := newFakeStore()
	notifier := &fakeNotifier{}

	runner := newTestRunner(testWatchlist(), source, store, notifier, Config{DryRun: true})
	report, err := runner.Run(context.Background())

	require.NoError(t, err)
	require.Len(t, report.Pending, 1)
	assert.Equal(t, "CVE-2026-0001", report.Pending[0].ID)
	assert.Equal(t, 0, report.Delivered)
	assert.Empty(t, notifier.delivered)
	assert.Empty(t, store.marked)
	assert.Equal(t, 0, store.persists, "dry run writes no state")
}

func TestRunnerFatalWhenStateUnreadable(t *testing.T) {
	source := &fakeSource{}
	store := newFakeStore()
	store.loadErr = errors.New("listing state dir: permission denied")

	runner := newTestRunner(testWatchlist(), source, store, &fakeNotifier{}, Config{})
	_, err := runner.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, 1, store.loadCalls)
	assert.Empty(t, source.queries, "no network call after a fatal state load")
}

func TestRunnerDeadlineSkipsRemainingDeliveries(t *testing.T) {
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	source := &fakeSource{outcomes: map[string]advisory.QueryOutcome{
		"react": {Advisories: []advisory.RawAdvisory{
			rawAdvisory("CVE-2026-0003", base.Add(2*time.Hour), "first"),
			rawAdvisory("CVE-2026-0002", base.Add(time.Hour), "second"),
			rawAdvisory("CVE-2026-0001", base, "third"),
		}},
	}}
	store := newFakeStore()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifier := &fakeNotifier{}
	notifier.onDeliver = func(advisory.Finding) {
		if len(notifier.delivered) == 0 {
			cancel()
		}
	}

	runner := newTestRunner(testWatchlist(), source, store, notifier, Config{})
	report, err := runner.Run(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, []string{"CVE-2026-0003"}, store.marked, "remaining findings stay unmarked")
	assert.True(t, report.Degraded)
	assert.Equal(t, 1, store.persists, "run still commits what it delivered")
}

func TestRunnerStateWriteFailureDegrades(t *testing.T) {
	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	source := &fakeSource{outcomes: map[string]advisory.QueryOutcome{
		"react": {Advisories: []advisory.RawAdvisory{rawAdvisory("CVE-2026-0001", base, "react issue")}},
	}}
	store := newFakeStore()
	store.markErr = map[string]error{"CVE-2026-0001": errors.New("disk full")}
	notifier := &fakeNotifier{}

	runner := newTestRunner(testWatchlist(), source, store, notifier, Config{})
	report, err := runner.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.Delivered, "the message did go out")
	assert.True(t, report.Degraded)
}

func TestRunnerFetchWindow(t *testing.T) {
	source := &fakeSource{}
	runner := newTestRunner(testWatchlist(), source, newFakeStore(), &fakeNotifier{}, Config{HoursBack: 48})
	_, err := runner.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, source.windows, 2)
	window := source.windows[0]
	assert.Equal(t, 48*time.Hour, window.End.Sub(window.Start))
	assert.Equal(t, time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC), window.End)
}

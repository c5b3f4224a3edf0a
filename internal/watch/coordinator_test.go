package watch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vidwatch/internal/apperrors"
	"vidwatch/internal/client"
	"vidwatch/internal/push"
	"vidwatch/internal/testutil"
)

type fakePoller struct {
	mu         sync.Mutex
	script     []pollStep
	pollCalls  atomic.Int32
	fetchCalls atomic.Int32
	fetchErr   error
	result     []byte
}

type pollStep struct {
	report client.StatusReport
	err    error
}

func (f *fakePoller) Poll(ctx context.Context, analysisID string) (client.StatusReport, error) {
	call := int(f.pollCalls.Add(1)) - 1
	f.mu.Lock()
	defer f.mu.Unlock()
	if call >= len(f.script) {
		if len(f.script) == 0 {
			return client.StatusReport{Status: "processing"}, nil
		}
		step := f.script[len(f.script)-1]
		return step.report, step.err
	}
	return f.script[call].report, f.script[call].err
}

func (f *fakePoller) FetchResult(ctx context.Context, analysisID string) ([]byte, error) {
	f.fetchCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.result, nil
}

type fakeSub struct {
	states  chan push.StateChange
	updates chan push.UpdateEvent
	once    sync.Once
	closed  atomic.Bool
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		states:  make(chan push.StateChange, 8),
		updates: make(chan push.UpdateEvent, 32),
	}
}

func (s *fakeSub) States() <-chan push.StateChange  { return s.states }
func (s *fakeSub) Updates() <-chan push.UpdateEvent { return s.updates }
func (s *fakeSub) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.states)
		close(s.updates)
	})
}

type fakeChannel struct {
	connected atomic.Bool
	sub       *fakeSub
}

func (c *fakeChannel) Subscribe() Subscription { return c.sub }
func (c *fakeChannel) Connected() bool         { return c.connected.Load() }

func newFixture(poller *fakePoller, interval time.Duration) (*Coordinator, *fakeChannel) {
	ch := &fakeChannel{sub: newFakeSub()}
	return New(poller, ch, Config{PollInterval: interval}, nil), ch
}

func collectUntilDone(t *testing.T, o *Observation) []AnalysisJob {
	t.Helper()
	var seen []AnalysisJob
	for {
		select {
		case snap, ok := <-o.Updates():
			if !ok {
				return seen
			}
			seen = append(seen, snap)
		case <-time.After(10 * time.Second):
			t.Fatal("timed out collecting updates")
		}
	}
}

func TestObserve_PollDrivesToCompletion(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{
		script: []pollStep{
			{report: client.StatusReport{Status: "processing", Progress: 10}},
			{report: client.StatusReport{Status: "processing", Progress: 55}},
			{report: client.StatusReport{Status: "completed"}},
		},
		result: []byte(`{"tracks":3}`),
	}
	coord, _ := newFixture(poller, 10*time.Millisecond)

	o := coord.Observe(context.Background(), client.JobHandle{AnalysisID: "abc", Status: "processing"})
	seen := collectUntilDone(t, o)

	want := []struct {
		status   Status
		progress int
	}{
		{StatusProcessing, 0},
		{StatusProcessing, 10},
		{StatusProcessing, 55},
		{StatusCompleted, 55},
	}
	if len(seen) != len(want) {
		t.Fatalf("observed %d snapshots, want %d: %+v", len(seen), len(want), seen)
	}
	for i, w := range want {
		if seen[i].Status != w.status || seen[i].Progress != w.progress {
			t.Errorf("snapshot %d = %s@%d, want %s@%d",
				i, seen[i].Status, seen[i].Progress, w.status, w.progress)
		}
	}

	final := seen[len(seen)-1]
	if string(final.Result) != `{"tracks":3}` {
		t.Errorf("final result = %q", final.Result)
	}
	if got := poller.fetchCalls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want exactly 1", got)
	}
	if err := o.Err(); err != nil {
		t.Errorf("unexpected observation error: %v", err)
	}
}

func TestObserve_PushDirectCompletion(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{result: []byte("payload")}
	coord, ch := newFixture(poller, time.Hour) // polling effectively off
	ch.connected.Store(true)

	o := coord.Observe(context.Background(), client.JobHandle{AnalysisID: "abc", Status: "processing"})

	// Push delivers completed directly, no intermediate processing events.
	ch.sub.updates <- push.UpdateEvent{AnalysisID: "abc", Status: "completed"}

	seen := collectUntilDone(t, o)
	if len(seen) != 2 {
		t.Fatalf("observed %d snapshots, want 2 (Processing(0), Completed): %+v", len(seen), seen)
	}
	if seen[0].Status != StatusProcessing || seen[0].Progress != 0 {
		t.Errorf("first snapshot = %s@%d, want processing@0", seen[0].Status, seen[0].Progress)
	}
	if seen[1].Status != StatusCompleted || string(seen[1].Result) != "payload" {
		t.Errorf("final snapshot = %+v", seen[1])
	}
	if got := poller.pollCalls.Load(); got != 0 {
		t.Errorf("poll calls = %d, want 0 while push connected", got)
	}
	if got := poller.fetchCalls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want exactly 1", got)
	}
}

func TestObserve_IgnoresOtherJobsEvents(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{result: []byte("ok")}
	coord, ch := newFixture(poller, time.Hour)
	ch.connected.Store(true)

	o := coord.Observe(context.Background(), client.JobHandle{AnalysisID: "abc", Status: "processing"})

	ch.sub.updates <- push.UpdateEvent{AnalysisID: "other", Status: "completed"}
	ch.sub.updates <- push.UpdateEvent{AnalysisID: "abc", Status: "completed"}

	<-o.Done()
	if got := o.Snapshot().Status; got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
	if got := poller.fetchCalls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestReconcile_ExactlyOnceFetchUnderConcurrentTerminal(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{result: []byte("ok")}
	coord, ch := newFixture(poller, time.Hour)

	o := &Observation{
		c:       coord,
		id:      "abc",
		logger:  coord.logger,
		sub:     ch.sub,
		updates: make(chan AnalysisJob, updateBuffer),
		done:    make(chan struct{}),
		cancel:  make(chan struct{}),
		job:     AnalysisJob{ID: "abc", Status: StatusProcessing},
	}

	// Poll response and push event reporting the terminal state race into
	// the same reconciliation step.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.reconcile(context.Background(), "completed", 0, "")
		}()
	}
	wg.Wait()

	if got := poller.fetchCalls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want exactly 1", got)
	}
	if got := o.Snapshot().Status; got != StatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
}

func TestReconcile_StaleMessageAfterTerminalIgnored(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{result: []byte("ok")}
	coord, ch := newFixture(poller, time.Hour)

	o := &Observation{
		c:       coord,
		id:      "abc",
		logger:  coord.logger,
		sub:     ch.sub,
		updates: make(chan AnalysisJob, updateBuffer),
		done:    make(chan struct{}),
		cancel:  make(chan struct{}),
		job:     AnalysisJob{ID: "abc", Status: StatusProcessing},
	}

	if !o.reconcile(context.Background(), "completed", 0, "") {
		t.Fatal("expected terminal after completed")
	}
	// A stale queued poll response arrives after the push event finished
	// the job.
	if !o.reconcile(context.Background(), "processing", 70, "") {
		t.Error("reconcile after terminal should report terminal")
	}

	snap := o.Snapshot()
	if snap.Status != StatusCompleted {
		t.Errorf("status = %s, stale processing must not overwrite completed", snap.Status)
	}
	if snap.Progress == 70 {
		t.Error("stale progress applied after terminal state")
	}
	if got := poller.fetchCalls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

func TestObserve_PollSuspendsWhileConnectedAndResumes(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{
		script: []pollStep{{report: client.StatusReport{Status: "processing", Progress: 5}}},
	}
	coord, ch := newFixture(poller, 20*time.Millisecond)
	ch.connected.Store(true)

	o := coord.Observe(context.Background(), client.JobHandle{AnalysisID: "abc", Status: "processing"})
	defer o.Cancel()

	time.Sleep(150 * time.Millisecond)
	if got := poller.pollCalls.Load(); got != 0 {
		t.Fatalf("poll calls = %d while push connected, want 0", got)
	}

	// Channel drops; polling must resume within an interval.
	ch.connected.Store(false)
	testutil.MustWaitFor(t, func() bool {
		return poller.pollCalls.Load() > 0
	}, testutil.WithTimeout(5*time.Second))

	// Channel recovers; polling must suspend again within one tick.
	ch.connected.Store(true)
	time.Sleep(50 * time.Millisecond)
	settled := poller.pollCalls.Load()
	time.Sleep(150 * time.Millisecond)
	if got := poller.pollCalls.Load(); got != settled {
		t.Errorf("poll calls grew from %d to %d while push connected", settled, got)
	}
}

func TestObserve_TransientPollSkipsTick(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{
		script: []pollStep{
			{err: apperrors.Transient("client.poll", errors.New("connection refused"))},
			{err: apperrors.Transient("client.poll", errors.New("timeout"))},
			{report: client.StatusReport{Status: "completed"}},
		},
		result: []byte("ok"),
	}
	coord, _ := newFixture(poller, 10*time.Millisecond)

	o := coord.Observe(context.Background(), client.JobHandle{AnalysisID: "abc", Status: "processing"})
	<-o.Done()

	snap := o.Snapshot()
	if snap.Status != StatusCompleted {
		t.Errorf("status = %s, want completed (transient polls skipped)", snap.Status)
	}
	if snap.ErrorMessage != "" {
		t.Errorf("transient poll failures must not surface as job errors, got %q", snap.ErrorMessage)
	}
}

func TestObserve_PollNotFoundSurfacesAsErrored(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{
		script: []pollStep{{err: apperrors.NotFound("client.poll", "ghost")}},
	}
	coord, _ := newFixture(poller, 10*time.Millisecond)

	o := coord.Observe(context.Background(), client.JobHandle{AnalysisID: "ghost", Status: "processing"})
	<-o.Done()

	snap := o.Snapshot()
	if snap.Status != StatusErrored {
		t.Errorf("status = %s, want errored", snap.Status)
	}
	if snap.ErrorMessage == "" {
		t.Error("expected an actionable error message")
	}
	if got := poller.fetchCalls.Load(); got != 0 {
		t.Errorf("fetch calls = %d, want 0 for an errored job", got)
	}
}

func TestObserve_JobErroredCarriesMessage(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{
		script: []pollStep{
			{report: client.StatusReport{Status: "errored", Message: "decode failure at frame 113"}},
		},
	}
	coord, _ := newFixture(poller, 10*time.Millisecond)

	o := coord.Observe(context.Background(), client.JobHandle{AnalysisID: "abc", Status: "processing"})
	<-o.Done()

	snap := o.Snapshot()
	if snap.Status != StatusErrored {
		t.Errorf("status = %s, want errored", snap.Status)
	}
	if snap.ErrorMessage != "decode failure at frame 113" {
		t.Errorf("error message = %q", snap.ErrorMessage)
	}
	if got := poller.fetchCalls.Load(); got != 0 {
		t.Errorf("fetch calls = %d, errored jobs have no result", got)
	}
}

func TestObserve_ResultFetchFailureIsNotJobFailure(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{
		script:   []pollStep{{report: client.StatusReport{Status: "completed"}}},
		fetchErr: apperrors.Transient("client.fetchResult", errors.New("connection reset")),
	}
	coord, _ := newFixture(poller, 10*time.Millisecond)

	o := coord.Observe(context.Background(), client.JobHandle{AnalysisID: "abc", Status: "processing"})
	<-o.Done()

	snap := o.Snapshot()
	if snap.Status != StatusCompleted {
		t.Errorf("status = %s, want completed (the job itself succeeded)", snap.Status)
	}
	if !errors.Is(o.Err(), apperrors.ErrResultFetch) {
		t.Errorf("Err() = %v, want ErrResultFetch", o.Err())
	}
	if snap.Result != nil {
		t.Error("result must be absent after a failed fetch")
	}
}

func TestObserve_ShortCircuitOnTerminalSubmission(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{result: []byte("instant")}
	coord, _ := newFixture(poller, time.Hour)

	o := coord.Observe(context.Background(), client.JobHandle{AnalysisID: "abc", Status: "completed"})
	<-o.Done()

	snap := o.Snapshot()
	if snap.Status != StatusCompleted || string(snap.Result) != "instant" {
		t.Errorf("snapshot = %+v, want completed with result", snap)
	}
	if got := poller.pollCalls.Load(); got != 0 {
		t.Errorf("poll calls = %d, want 0 for a short-circuited job", got)
	}
}

func TestObserve_CancelStopsLoopAndReleasesSubscription(t *testing.T) {
	t.Parallel()

	poller := &fakePoller{
		script: []pollStep{{report: client.StatusReport{Status: "processing", Progress: 5}}},
	}
	coord, ch := newFixture(poller, 10*time.Millisecond)

	o := coord.Observe(context.Background(), client.JobHandle{AnalysisID: "abc", Status: "processing"})

	testutil.MustWaitFor(t, func() bool {
		return poller.pollCalls.Load() > 0
	})

	o.Cancel()
	// Subscription release is synchronous with Cancel.
	if !ch.sub.closed.Load() {
		t.Error("push subscription not released on cancel")
	}

	<-o.Done()
	settled := poller.pollCalls.Load()
	time.Sleep(100 * time.Millisecond)
	if got := poller.pollCalls.Load(); got != settled {
		t.Errorf("poll calls grew from %d to %d after cancel", settled, got)
	}

	// Cancel after the loop ended is a no-op.
	o.Cancel()
}

func TestCoordinator_LiveTracksChannel(t *testing.T) {
	t.Parallel()

	coord, ch := newFixture(&fakePoller{}, time.Hour)

	if coord.Live() {
		t.Error("expected not live while disconnected")
	}
	ch.connected.Store(true)
	if !coord.Live() {
		t.Error("expected live while connected")
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"created", "uploading", "processing", "completed", "errored"} {
		if _, ok := ParseStatus(valid); !ok {
			t.Errorf("ParseStatus(%q) rejected a valid status", valid)
		}
	}
	if _, ok := ParseStatus("exploded"); ok {
		t.Error("ParseStatus accepted an unknown status")
	}
}

func TestStatus_Terminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusCreated, false},
		{StatusUploading, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusErrored, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

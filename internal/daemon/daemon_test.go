package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdnsync/mdnsync/internal/advertise"
	"github.com/mdnsync/mdnsync/internal/config"
	"github.com/mdnsync/mdnsync/internal/mdns"
	"github.com/mdnsync/mdnsync/internal/metrics"
	"github.com/mdnsync/mdnsync/internal/reconcile"
	"github.com/mdnsync/mdnsync/internal/snapshot"
	"github.com/mdnsync/mdnsync/internal/source"
)

// fakeSource returns one scripted poll per Fetch call and repeats the last
// one when the script runs out
type fakeSource struct {
	polls  [][]snapshot.Container
	errs   []error
	calls  int
	closed bool
	// block makes Fetch wait for the context
	block bool
}

func (f *fakeSource) Fetch(ctx context.Context) ([]snapshot.Container, error) {
	i := f.calls
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %w", source.ErrSourceUnavailable, ctx.Err())
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.polls) {
		i = len(f.polls) - 1
	}
	return f.polls[i], nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

type fakeAdvertiser struct {
	applied []reconcile.Action
	errFor  map[string]error
	closed  bool
}

func (f *fakeAdvertiser) Apply(act reconcile.Action) error {
	f.applied = append(f.applied, act)
	return f.errFor[act.Container.ID]
}

func (f *fakeAdvertiser) Close() error {
	f.closed = true
	return nil
}

func (f *fakeAdvertiser) intents() []string {
	out := make([]string, 0, len(f.applied))
	for _, a := range f.applied {
		out = append(out, a.Intent.String()+":"+a.Container.ID)
	}
	return out
}

// fakeResponder accepts every registration, rejecting duplicate instances
type fakeResponder struct {
	mu    sync.Mutex
	next  int
	live  map[mdns.Handle]mdns.Service
	names map[string]bool
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{live: map[mdns.Handle]mdns.Service{}, names: map[string]bool{}}
}

func (f *fakeResponder) Register(svc mdns.Service) (mdns.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.names[svc.FullName()] {
		return "", mdns.ErrNameInUse
	}
	f.next++
	h := mdns.Handle(fmt.Sprintf("h%d", f.next))
	f.live[h] = svc
	f.names[svc.FullName()] = true
	return h, nil
}

func (f *fakeResponder) Unregister(h mdns.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	svc, ok := f.live[h]
	if !ok {
		return mdns.ErrNotRegistered
	}
	delete(f.live, h)
	delete(f.names, svc.FullName())
	return nil
}

func (f *fakeResponder) Close() error { return nil }

func running(id string, ports ...snapshot.Port) snapshot.Container {
	return snapshot.Container{ID: id, Name: id, Running: true, Ports: snapshot.NormalizePorts(ports)}
}

func tcp(port int) snapshot.Port { return snapshot.Port{HostPort: port, Protocol: "tcp"} }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.PollInterval = time.Second
	cfg.FetchTimeout = 0
	return cfg
}

// newTestDaemon wires d so that Run stops after the given number of polls
func newTestDaemon(t *testing.T, cfg *config.Config, src Source, adv Advertiser, polls int) (*Daemon, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d := New(cfg, src, adv)
	n := 0
	d.wait = func(ctx context.Context, _ time.Duration) error {
		n++
		if n >= polls {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	return d, ctx
}

func TestScenarioAStartedContainerPublishedOnce(t *testing.T) {
	src := &fakeSource{polls: [][]snapshot.Container{
		{{ID: "c1", Name: "c1", Running: false, Ports: []snapshot.Port{}}},
		{running("c1", tcp(8080))},
		{running("c1", tcp(8080))},
	}}
	adv := advertise.New(newFakeResponder(), "box.local.", nil)
	d := New(testConfig(), src, adv)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.RunOnce(context.Background()))
	}
	id, ok := adv.Identity("c1")
	require.True(t, ok)
	assert.Equal(t, "_c1._tcp.local.", id.Type)
	assert.Equal(t, "c1._c1._tcp.local.", id.Name)
	assert.Equal(t, 8080, id.Port)
	assert.Equal(t, "box.local.", id.Host)
}

func TestScenarioBLostPortsUnpublish(t *testing.T) {
	src := &fakeSource{polls: [][]snapshot.Container{
		{running("c1", tcp(8080))},
		{running("c1")},
	}}
	adv := &fakeAdvertiser{}
	d := New(testConfig(), src, adv)

	require.NoError(t, d.RunOnce(context.Background()))
	require.NoError(t, d.RunOnce(context.Background()))
	assert.Equal(t, []string{"publish:c1", "unpublish:c1"}, adv.intents())
	assert.Equal(t, []snapshot.Port{tcp(8080)}, adv.applied[1].Container.Ports, "unpublish carries the previous snapshot")
}

func TestScenarioCChangedPortRepublishes(t *testing.T) {
	src := &fakeSource{polls: [][]snapshot.Container{
		{running("c1", tcp(8080))},
		{running("c1", tcp(9090))},
	}}
	resp := newFakeResponder()
	adv := advertise.New(resp, "box.local.", nil)
	d := New(testConfig(), src, adv)

	require.NoError(t, d.RunOnce(context.Background()))
	require.NoError(t, d.RunOnce(context.Background()))

	id, ok := adv.Identity("c1")
	require.True(t, ok)
	assert.Equal(t, 9090, id.Port)
	assert.Equal(t, "_c1._tcp.local.", id.Type)
	require.Len(t, resp.live, 1)
	for _, svc := range resp.live {
		assert.Equal(t, 9090, svc.Port)
	}
}

func TestScenarioDShutdownUnpublishesTracked(t *testing.T) {
	src := &fakeSource{polls: [][]snapshot.Container{
		{running("c1", tcp(8080)), running("c2", tcp(8081))},
	}}
	adv := &fakeAdvertiser{}
	d, ctx := newTestDaemon(t, testConfig(), src, adv, 1)

	require.NoError(t, d.Run(ctx))
	assert.Equal(t, []string{"publish:c1", "publish:c2", "unpublish:c1", "unpublish:c2"}, adv.intents())
	assert.True(t, src.closed)
	assert.True(t, adv.closed)
	assert.Equal(t, 0, d.reconciler.Len())
}

func TestShutdownWithRealAdvertiserWithdrawsEverything(t *testing.T) {
	src := &fakeSource{polls: [][]snapshot.Container{
		{running("c1", tcp(8080)), running("c2", tcp(8081))},
	}}
	resp := newFakeResponder()
	adv := advertise.New(resp, "box.local.", nil)
	d, ctx := newTestDaemon(t, testConfig(), src, adv, 2)

	require.NoError(t, d.Run(ctx))
	assert.Empty(t, resp.live)
	assert.Empty(t, adv.Identities())
}

func TestSourceFailureLeavesStateUntouched(t *testing.T) {
	src := &fakeSource{
		polls: [][]snapshot.Container{
			{running("c1", tcp(8080))},
			nil,
			{running("c1", tcp(8080)), running("c2", tcp(8081))},
		},
		errs: []error{nil, fmt.Errorf("%w: boom", source.ErrSourceUnavailable)},
	}
	adv := &fakeAdvertiser{}
	d := New(testConfig(), src, adv)

	require.NoError(t, d.RunOnce(context.Background()))
	err := d.RunOnce(context.Background())
	require.ErrorIs(t, err, source.ErrSourceUnavailable)
	assert.Equal(t, 1, d.failures)
	assert.Equal(t, []string{"c1"}, d.reconciler.Tracked())

	require.NoError(t, d.RunOnce(context.Background()))
	assert.Equal(t, 0, d.failures)
	assert.Equal(t, []string{"publish:c1", "publish:c2"}, adv.intents())
}

func TestInvalidSnapshotAbortsCycle(t *testing.T) {
	src := &fakeSource{polls: [][]snapshot.Container{
		{running("c1", tcp(8080)), running("c1", tcp(9090))},
	}}
	adv := &fakeAdvertiser{}
	d := New(testConfig(), src, adv)

	err := d.RunOnce(context.Background())
	require.ErrorIs(t, err, reconcile.ErrInvalidSnapshot)
	assert.Empty(t, adv.applied)
	assert.Equal(t, 0, d.reconciler.Len())
}

func TestFetchTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.FetchTimeout = 10 * time.Millisecond
	d := New(cfg, &fakeSource{block: true}, &fakeAdvertiser{})

	start := time.Now()
	err := d.RunOnce(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, d.failures)
}

func TestCancelInterruptsWait(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	src := &fakeSource{polls: [][]snapshot.Container{{running("c1", tcp(8080))}}}
	adv := &fakeAdvertiser{}
	d := New(cfg, src, adv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, src.calls)
	assert.Equal(t, []string{"publish:c1", "unpublish:c1"}, adv.intents())
}

func TestNextDelay(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 2 * time.Second
	cfg.BackoffMax = 10 * time.Second
	d := New(cfg, &fakeSource{}, &fakeAdvertiser{})

	tests := []struct {
		policy   string
		failures int
		want     time.Duration
	}{
		{config.RetryFixed, 0, 2 * time.Second},
		{config.RetryFixed, 5, 2 * time.Second},
		{config.RetryExponential, 0, 2 * time.Second},
		{config.RetryExponential, 1, 2 * time.Second},
		{config.RetryExponential, 2, 4 * time.Second},
		{config.RetryExponential, 3, 8 * time.Second},
		{config.RetryExponential, 4, 10 * time.Second},
		{config.RetryExponential, 40, 10 * time.Second},
	}
	for _, tt := range tests {
		cfg.RetryPolicy = tt.policy
		d.failures = tt.failures
		assert.Equal(t, tt.want, d.nextDelay(), "%s after %d failures", tt.policy, tt.failures)
	}
}

func TestCollisionIsReportedAndNonFatal(t *testing.T) {
	var mu sync.Mutex
	var titles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		mu.Lock()
		titles = append(titles, payload["title"])
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.GenericWebhookURL = srv.URL
	cfg.NotificationLevel = "failure"
	collision := fmt.Errorf("%w: c2", advertise.ErrNameCollision)
	src := &fakeSource{polls: [][]snapshot.Container{
		{running("c1", tcp(8080)), running("c2", tcp(8081))},
	}}
	adv := &fakeAdvertiser{errFor: map[string]error{"c2": collision}}
	d := New(cfg, src, adv)

	require.NoError(t, d.RunOnce(context.Background()))
	assert.Equal(t, []string{"publish:c1", "publish:c2"}, adv.intents())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.notifier.Wait(ctx))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"mdnsync: service name collision"}, titles)
}

func TestApplyErrorDoesNotStopRemainingActions(t *testing.T) {
	src := &fakeSource{polls: [][]snapshot.Container{
		{running("a", tcp(1)), running("b", tcp(2))},
	}}
	adv := &fakeAdvertiser{errFor: map[string]error{"a": errors.New("responder gone")}}
	d := New(testConfig(), src, adv)

	require.NoError(t, d.RunOnce(context.Background()))
	assert.Equal(t, []string{"publish:a", "publish:b"}, adv.intents())
}

func TestPollMetricsByResult(t *testing.T) {
	src := &fakeSource{
		polls: [][]snapshot.Container{
			nil,
			{running("c1", tcp(8080)), running("c1", tcp(8080))},
			{running("c1", tcp(8080))},
		},
		errs: []error{fmt.Errorf("%w: boom", source.ErrSourceUnavailable)},
	}
	d := New(testConfig(), src, &fakeAdvertiser{})

	before := metrics.GetSnapshot()
	require.Error(t, d.RunOnce(context.Background()))
	after := metrics.GetSnapshot()
	assert.Equal(t, before.Polls, after.Polls, "a failed fetch is not a completed poll")
	assert.Equal(t, before.PollFailures+1, after.PollFailures)

	require.ErrorIs(t, d.RunOnce(context.Background()), reconcile.ErrInvalidSnapshot)
	after2 := metrics.GetSnapshot()
	assert.Equal(t, after.Polls, after2.Polls, "an invalid snapshot is not a completed poll")
	assert.Equal(t, after.InvalidSnapshots+1, after2.InvalidSnapshots)
	assert.Equal(t, after.PollFailures, after2.PollFailures)

	require.NoError(t, d.RunOnce(context.Background()))
	after3 := metrics.GetSnapshot()
	assert.Equal(t, after2.Polls+1, after3.Polls)
	assert.Equal(t, after2.PollFailures, after3.PollFailures)
	assert.Equal(t, after2.InvalidSnapshots, after3.InvalidSnapshots)
}

func TestPlanDoesNotApply(t *testing.T) {
	src := &fakeSource{polls: [][]snapshot.Container{{
		running("b", tcp(9090)),
		running("a", tcp(8080)),
	}}}

	acts, err := Plan(context.Background(), testConfig(), src)
	require.NoError(t, err)
	got := make([]string, 0, len(acts))
	for _, a := range acts {
		got = append(got, a.Intent.String()+":"+a.Container.ID)
	}
	assert.Equal(t, []string{"publish:a", "publish:b"}, got)
	assert.Equal(t, 1, src.calls)
	assert.False(t, src.closed, "the caller owns the source")
}

func TestPlanErrors(t *testing.T) {
	boom := fmt.Errorf("%w: boom", source.ErrSourceUnavailable)
	_, err := Plan(context.Background(), testConfig(), &fakeSource{polls: [][]snapshot.Container{nil}, errs: []error{boom}})
	require.ErrorIs(t, err, source.ErrSourceUnavailable)

	dup := &fakeSource{polls: [][]snapshot.Container{{running("c1", tcp(1)), running("c1", tcp(2))}}}
	_, err = Plan(context.Background(), testConfig(), dup)
	require.ErrorIs(t, err, reconcile.ErrInvalidSnapshot)
}

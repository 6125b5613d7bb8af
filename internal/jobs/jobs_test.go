package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"jobrelay/internal/apperr"
	"jobrelay/internal/events"
	"jobrelay/internal/models"
	"jobrelay/internal/store"
)

type fakeBroker struct {
	mu        sync.Mutex
	down      bool
	enqueued  []string
	cancelled []string
}

func (b *fakeBroker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return errors.New("connection refused")
	}
	return nil
}

func (b *fakeBroker) Enqueue(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueued = append(b.enqueued, id)
	return nil
}

func (b *fakeBroker) Cancel(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, id)
	return nil
}

func noopHandler(context.Context, Invocation, Callbacks) (any, error) { return nil, nil }

func newService(t *testing.T) (*Service, *store.MemoryStore, *fakeBroker, *events.MemoryBus) {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister(Definition{Type: "demo", Steps: []string{"a", "b", "c"}, Handler: noopHandler})
	reg.MustRegister(Definition{Type: "story", Narrative: true, Handler: noopHandler})
	st := store.NewMemoryStore()
	broker := &fakeBroker{}
	bus := events.NewMemoryBus()
	return NewService(st, broker, bus, reg, zerolog.Nop()), st, broker, bus
}

func TestStepProgress(t *testing.T) {
	steps := []string{"a", "b", "c"}
	var seq []int
	for _, step := range steps {
		for _, pct := range []int{0, 100} {
			p, ok := StepProgress(steps, step, pct)
			require.True(t, ok)
			if len(seq) == 0 || seq[len(seq)-1] != p {
				seq = append(seq, p)
			}
		}
	}
	// Step boundaries are floored, so two thirds reports 66 rather than 67.
	require.Equal(t, []int{0, 33, 66, 100}, seq)

	p, _ := StepProgress(steps, "b", 50)
	require.Equal(t, 50, p)
	p, _ = StepProgress(steps, "c", 250)
	require.Equal(t, 100, p)
	_, ok := StepProgress(steps, "zzz", 10)
	require.False(t, ok)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{Type: "b", Handler: noopHandler}))
	require.NoError(t, reg.Register(Definition{Type: "a", Handler: noopHandler}))
	require.Error(t, reg.Register(Definition{Type: "a", Handler: noopHandler}))
	require.Error(t, reg.Register(Definition{Type: "", Handler: noopHandler}))
	require.Error(t, reg.Register(Definition{Type: "c"}))
	require.Equal(t, []string{"a", "b"}, reg.Types())
	_, ok := reg.Lookup("missing")
	require.False(t, ok)
}

func TestFailureUnwraps(t *testing.T) {
	base := errors.New("quota exceeded")
	err := Fail("QUOTA", base)
	var f *Failure
	require.ErrorAs(t, err, &f)
	require.Equal(t, "QUOTA", f.Code)
	require.ErrorIs(t, err, base)
	require.Equal(t, "quota exceeded", err.Error())
}

func TestCreateValidatesTypeAndOwner(t *testing.T) {
	svc, _, broker, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "nope", nil, models.Owner{UserID: "u1"})
	require.ErrorIs(t, err, apperr.ErrValidation)

	_, err = svc.Create(ctx, "demo", nil, models.Owner{})
	require.ErrorIs(t, err, apperr.ErrValidation)

	job, err := svc.Create(ctx, "demo", map[string]any{"n": 3}, models.Owner{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, models.StatusQueued, job.Status)
	require.Equal(t, []string{job.ID}, broker.enqueued)
}

func TestCreateBrokerDownPersistsNothing(t *testing.T) {
	svc, st, broker, _ := newService(t)
	broker.down = true

	_, err := svc.Create(context.Background(), "demo", nil, models.Owner{SessionID: "s1"})
	require.ErrorIs(t, err, apperr.ErrUnavailable)
	require.Empty(t, broker.enqueued)

	// The store hands out random ids; nothing can be found because nothing was inserted.
	_, err = st.GetJob(context.Background(), "anything")
	require.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestGetConflatesForeignWithMissing(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	job, err := svc.Create(ctx, "demo", nil, models.Owner{UserID: "u1"})
	require.NoError(t, err)

	_, err = svc.Get(ctx, job.ID, models.Owner{UserID: "u2"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = svc.Get(ctx, "missing", models.Owner{UserID: "u1"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	require.Equal(t, apperr.PublicMessage(err), "job not found")

	got, err := svc.Get(ctx, job.ID, models.Owner{UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
}

func TestRetryOnlyFailedJobs(t *testing.T) {
	svc, st, _, _ := newService(t)
	ctx := context.Background()
	owner := models.Owner{UserID: "u1"}

	done, err := svc.Create(ctx, "demo", map[string]any{"n": 3}, owner)
	require.NoError(t, err)
	_, _ = st.MarkRunning(ctx, done.ID, time.Now())
	_, _ = st.MarkSucceeded(ctx, done.ID, []byte(`{}`))
	_, err = svc.Retry(ctx, done.ID, owner)
	require.ErrorIs(t, err, apperr.ErrPrecondition)

	failed, err := svc.Create(ctx, "demo", map[string]any{"n": 3}, owner)
	require.NoError(t, err)
	_, _ = st.MarkRunning(ctx, failed.ID, time.Now())
	_, _ = st.MarkFailed(ctx, failed.ID, store.FailParams{Error: "boom"})

	retried, err := svc.Retry(ctx, failed.ID, owner)
	require.NoError(t, err)
	require.NotEqual(t, failed.ID, retried.ID)
	require.Equal(t, "demo", retried.Type)
	require.Equal(t, 3, retried.Input["n"])

	_, err = svc.Retry(ctx, failed.ID, models.Owner{UserID: "intruder"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCancelQueuedJob(t *testing.T) {
	svc, st, broker, bus := newService(t)
	ctx := context.Background()
	owner := models.Owner{SessionID: "s1"}

	var mu sync.Mutex
	var got []events.Event
	sub := bus.PSubscribe(ctx, events.JobPattern, func(_ string, evt events.Event) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})
	defer sub.Close()

	job, err := svc.Create(ctx, "demo", nil, owner)
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, job.ID, owner))

	row, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, row.Status)
	require.Equal(t, models.ErrorCancelled, *row.Error)
	require.True(t, row.CancelRequested)
	require.Equal(t, []string{job.ID}, broker.cancelled)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].Type == events.TypeFailed
	}, time.Second, 5*time.Millisecond)

	// A worker that later receives the message must not be able to start it.
	ok, err := st.MarkRunning(ctx, job.ID, time.Now())
	require.NoError(t, err)
	require.False(t, ok)

	require.ErrorIs(t, svc.Cancel(ctx, job.ID, owner), apperr.ErrPrecondition)
}

func TestCancelRunningJobOnlySetsFlag(t *testing.T) {
	svc, st, broker, _ := newService(t)
	ctx := context.Background()
	owner := models.Owner{UserID: "u1"}

	job, err := svc.Create(ctx, "demo", nil, owner)
	require.NoError(t, err)
	_, _ = st.MarkRunning(ctx, job.ID, time.Now())

	require.NoError(t, svc.Cancel(ctx, job.ID, owner))
	row, _ := st.GetJob(ctx, job.ID)
	require.Equal(t, models.StatusRunning, row.Status)
	require.True(t, row.CancelRequested)
	require.Empty(t, broker.cancelled)
}

// finishingStore lets the job succeed between the service's status read and its cancel write.
type finishingStore struct {
	*store.MemoryStore
}

func (f finishingStore) RequestCancel(ctx context.Context, id string) error {
	if _, err := f.MarkSucceeded(ctx, id, []byte(`{}`)); err != nil {
		return err
	}
	return f.MemoryStore.RequestCancel(ctx, id)
}

func TestCancelLosesRaceWithCompletion(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Definition{Type: "demo", Handler: noopHandler})
	st := finishingStore{store.NewMemoryStore()}
	svc := NewService(st, &fakeBroker{}, events.NewMemoryBus(), reg, zerolog.Nop())
	ctx := context.Background()
	owner := models.Owner{UserID: "u1"}

	job, err := svc.Create(ctx, "demo", nil, owner)
	require.NoError(t, err)
	_, _ = st.MarkRunning(ctx, job.ID, time.Now())

	require.ErrorIs(t, svc.Cancel(ctx, job.ID, owner), apperr.ErrPrecondition)
	row, _ := st.GetJob(ctx, job.ID)
	require.Equal(t, models.StatusSucceeded, row.Status)
	require.False(t, row.CancelRequested)
}

func TestTerminalEvent(t *testing.T) {
	msg, code := "boom", "E1"
	evt, ok := TerminalEvent(models.Job{ID: "j", Status: models.StatusFailed, Error: &msg, ErrorCode: &code})
	require.True(t, ok)
	require.Equal(t, events.TypeFailed, evt.Type)
	require.Equal(t, "E1", evt.Data["errorCode"])

	evt, ok = TerminalEvent(models.Job{ID: "j", Status: models.StatusSucceeded, Result: []byte(`{"count":3}`)})
	require.True(t, ok)
	require.Equal(t, map[string]any{"count": float64(3)}, evt.Data["result"])

	_, ok = TerminalEvent(models.Job{ID: "j", Status: models.StatusRunning})
	require.False(t, ok)
}

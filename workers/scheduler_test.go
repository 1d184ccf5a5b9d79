package workers_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"competition-coordinator/models"
	"competition-coordinator/workers"
)

type staticLister []string

func (l staticLister) ListWorkable(context.Context) ([]string, error) { return l, nil }

type recordingAdvancer struct {
	mu    sync.Mutex
	calls map[string]int
	gate  chan struct{}
}

func newAdvancer(gate chan struct{}) *recordingAdvancer {
	return &recordingAdvancer{calls: make(map[string]int), gate: gate}
}

func (a *recordingAdvancer) Advance(_ context.Context, id string) (models.Status, error) {
	a.mu.Lock()
	a.calls[id]++
	a.mu.Unlock()
	if a.gate != nil {
		<-a.gate
	}
	return models.StatusCollectingEntries, nil
}

func (a *recordingAdvancer) count(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

func TestTickSkipsCompetitionsInFlight(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	adv := newAdvancer(gate)
	s, err := workers.NewScheduler(staticLister{"a", "b"}, adv, clockwork.NewFakeClock(), zerolog.Nop(), time.Second, 4)
	require.NoError(t, err)

	ctx := context.Background()
	s.Tick(ctx)
	assert.Eventually(t, func() bool { return adv.count("a") == 1 && adv.count("b") == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, s.InFlight())

	s.Tick(ctx)
	s.Tick(ctx)
	close(gate)
	require.NoError(t, s.Stop())

	assert.Equal(t, 1, adv.count("a"))
	assert.Equal(t, 1, adv.count("b"))
	assert.Zero(t, s.InFlight())
}

func TestTickAdvancesAgainOnceFinished(t *testing.T) {
	t.Parallel()

	adv := newAdvancer(nil)
	s, err := workers.NewScheduler(staticLister{"a"}, adv, clockwork.NewFakeClock(), zerolog.Nop(), time.Second, 1)
	require.NoError(t, err)

	ctx := context.Background()
	s.Tick(ctx)
	assert.Eventually(t, func() bool { return adv.count("a") == 1 }, time.Second, 5*time.Millisecond)
	// the in-flight mark is cleared after Advance returns
	assert.Eventually(t, func() bool {
		s.Tick(ctx)
		return adv.count("a") >= 2
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestStartRunsImmediately(t *testing.T) {
	t.Parallel()

	adv := newAdvancer(nil)
	s, err := workers.NewScheduler(staticLister{"a"}, adv, clockwork.NewRealClock(), zerolog.Nop(), time.Hour, 2)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return adv.count("a") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestNewSchedulerRejectsZeroInterval(t *testing.T) {
	t.Parallel()

	_, err := workers.NewScheduler(staticLister{}, newAdvancer(nil), clockwork.NewFakeClock(), zerolog.Nop(), 0, 1)
	assert.Error(t, err)
}

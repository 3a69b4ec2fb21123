package inbox

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"chatsync/internal/clock"
	"chatsync/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type fetchRecorder struct {
	clk     *clock.Fake
	calls   []int64
	applied [][]models.InboxThread
	err     error
	during  func()
}

func (f *fetchRecorder) fetch(ctx context.Context) ([]models.InboxThread, error) {
	f.calls = append(f.calls, clock.NowMillis(f.clk))
	if f.during != nil {
		during := f.during
		f.during = nil
		during()
	}
	if f.err != nil {
		return nil, f.err
	}
	return []models.InboxThread{entry("a", 0, 1)}, nil
}

func (f *fetchRecorder) apply(items []models.InboxThread) {
	f.applied = append(f.applied, items)
}

func setupReconciler() (*Reconciler, *clock.Fake, *fetchRecorder) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clk := clock.NewFake(time.UnixMilli(0))
	rec := &fetchRecorder{clk: clk}
	return NewReconciler(logger, clk, 2*time.Second, rec.fetch, rec.apply), clk, rec
}

func TestReconciler_CoalescesBursts(t *testing.T) {
	r, clk, rec := setupReconciler()

	r.Schedule()
	r.Schedule()
	r.Schedule()
	assert.True(t, r.Pending())

	clk.Advance(0)
	assert.Equal(t, []int64{0}, rec.calls)
	assert.Len(t, rec.applied, 1)
	assert.False(t, r.Pending())
}

func TestReconciler_ThrottlesToInterval(t *testing.T) {
	r, clk, rec := setupReconciler()

	r.Schedule()
	clk.Advance(0)
	r.Schedule()
	clk.Advance(1999 * time.Millisecond)
	assert.Equal(t, []int64{0}, rec.calls)

	clk.Advance(time.Millisecond)
	assert.Equal(t, []int64{0, 2000}, rec.calls)
}

func TestReconciler_TrailingFetchAfterInFlight(t *testing.T) {
	r, clk, rec := setupReconciler()
	rec.during = r.Schedule

	r.Schedule()
	clk.Advance(0)
	assert.Equal(t, []int64{0}, rec.calls)
	assert.True(t, r.Pending())

	clk.Advance(2 * time.Second)
	assert.Equal(t, []int64{0, 2000}, rec.calls)
	assert.Len(t, rec.applied, 2)
}

func TestReconciler_FetchErrorNotApplied(t *testing.T) {
	r, clk, rec := setupReconciler()
	rec.err = errors.New("relay unavailable")

	r.Schedule()
	clk.Advance(0)
	assert.Len(t, rec.calls, 1)
	assert.Empty(t, rec.applied)
}

func TestReconciler_CloseCancelsScheduled(t *testing.T) {
	r, clk, rec := setupReconciler()

	r.Schedule()
	r.Close()
	r.Schedule()
	clk.Advance(time.Minute)

	assert.Empty(t, rec.calls)
	assert.Equal(t, 0, clk.PendingTimers())
}

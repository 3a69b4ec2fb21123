package typing

import (
	"io"
	"sync"
	"testing"
	"time"

	"chatsync/internal/clock"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	signals []Signal
}

func (r *recorder) emit(s Signal) {
	r.signals = append(r.signals, s)
}

func (r *recorder) values() []bool {
	out := make([]bool, len(r.signals))
	for i, s := range r.signals {
		out[i] = s.IsTyping
	}
	return out
}

func (r *recorder) times() []int64 {
	out := make([]int64, len(r.signals))
	for i, s := range r.signals {
		out[i] = s.At
	}
	return out
}

func setupController(t *testing.T) (*Controller, *clock.Fake, *recorder) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	clk := clock.NewFake(time.UnixMilli(0))
	rec := &recorder{}
	c := NewController(logger, clk, DefaultConfig(), rec.emit)
	c.SetThreadID("t1")
	c.SetParticipantID("visitor-1")
	c.SetCanEmit(true)
	require.Empty(t, rec.signals)
	return c, clk, rec
}

func TestController_DebouncedStart(t *testing.T) {
	c, clk, rec := setupController(t)

	c.OnInputChange("h")
	clk.Advance(299 * time.Millisecond)
	assert.Empty(t, rec.signals)

	clk.Advance(time.Millisecond)
	require.Len(t, rec.signals, 1)
	assert.Equal(t, Signal{ThreadID: "t1", ParticipantID: "visitor-1", IsTyping: true, At: 300}, rec.signals[0])
	assert.True(t, c.IsTyping())
}

func TestController_KeystrokesResetDebounce(t *testing.T) {
	c, clk, rec := setupController(t)

	for i := 0; i < 5; i++ {
		c.OnInputChange("hello"[:i+1])
		clk.Advance(200 * time.Millisecond)
	}
	assert.Empty(t, rec.signals)

	clk.Advance(100 * time.Millisecond)
	assert.Equal(t, []bool{true}, rec.values())
	assert.Equal(t, []int64{1100}, rec.times())
}

func TestController_IdleStopAtThreeSeconds(t *testing.T) {
	c, clk, rec := setupController(t)

	c.OnInputChange("x")
	clk.Advance(2999 * time.Millisecond)
	for _, s := range rec.signals {
		assert.True(t, s.IsTyping, "no stop before idle timeout")
	}

	clk.Advance(time.Millisecond)
	assert.Equal(t, []bool{true, true, true, false}, rec.values())
	assert.Equal(t, []int64{300, 1500, 2700, 3000}, rec.times())
	assert.True(t, rec.signals[3].Forced)
	assert.False(t, c.IsTyping())
	assert.Equal(t, 0, clk.PendingTimers())
}

func TestController_RefreshWhileTyping(t *testing.T) {
	c, clk, rec := setupController(t)

	for i := 0; i <= 5; i++ {
		c.OnInputChange("typing")
		clk.Advance(time.Second)
	}
	clk.Advance(3 * time.Second)

	assert.Equal(t, []bool{true, true, true, true, true, true, true, false}, rec.values())
	assert.Equal(t, []int64{300, 1500, 2700, 3900, 5100, 6300, 7500, 8000}, rec.times())
}

func TestController_EmptyInputForcesStop(t *testing.T) {
	c, clk, rec := setupController(t)

	c.OnInputChange("x")
	clk.Advance(300 * time.Millisecond)
	c.OnInputChange("   ")

	assert.Equal(t, []bool{true, false}, rec.values())
	assert.Equal(t, 0, clk.PendingTimers())
}

func TestController_GateClosedSuppressesStart(t *testing.T) {
	c, clk, rec := setupController(t)
	c.SetCanEmit(false)
	rec.signals = nil

	c.OnInputChange("x")
	clk.Advance(time.Second)
	assert.Empty(t, rec.signals)

	// idle stop is forced and bypasses the gate
	clk.Advance(2 * time.Second)
	assert.Equal(t, []bool{false}, rec.values())
	assert.True(t, rec.signals[0].Forced)
}

func TestController_GateCloseRetractsTyping(t *testing.T) {
	c, clk, rec := setupController(t)

	c.OnInputChange("x")
	clk.Advance(300 * time.Millisecond)
	require.True(t, c.IsTyping())

	c.SetCanEmit(false)
	assert.Equal(t, []bool{true, false}, rec.values())
	assert.Equal(t, int64(300), rec.signals[1].At)
	assert.Equal(t, 0, clk.PendingTimers())

	clk.Advance(10 * time.Second)
	assert.Len(t, rec.signals, 2)
}

func TestController_ReopeningGateDoesNotEmit(t *testing.T) {
	c, clk, rec := setupController(t)

	c.OnInputChange("x")
	clk.Advance(300 * time.Millisecond)
	c.SetCanEmit(true)
	assert.Equal(t, []bool{true}, rec.values())

	c.SetCanEmit(false)
	c.SetCanEmit(true)
	clk.Advance(5 * time.Second)
	assert.Equal(t, []bool{true, false}, rec.values())
}

func TestController_ThreadSwitchRetractsOnOldThread(t *testing.T) {
	c, clk, rec := setupController(t)

	c.OnInputChange("x")
	clk.Advance(300 * time.Millisecond)

	c.SetThreadID("t2")
	require.Len(t, rec.signals, 2)
	assert.Equal(t, "t1", rec.signals[1].ThreadID)
	assert.False(t, rec.signals[1].IsTyping)

	c.OnInputChange("y")
	clk.Advance(300 * time.Millisecond)
	require.Len(t, rec.signals, 3)
	assert.Equal(t, "t2", rec.signals[2].ThreadID)
	assert.True(t, rec.signals[2].IsTyping)
}

func TestController_UnsetThreadStopsWithoutLeak(t *testing.T) {
	c, clk, rec := setupController(t)

	c.OnInputChange("x")
	clk.Advance(300 * time.Millisecond)
	c.SetThreadID("")

	assert.Equal(t, []bool{true, false}, rec.values())
	assert.Equal(t, "t1", rec.signals[1].ThreadID)

	// no thread: nothing can be emitted
	c.OnInputChange("x")
	clk.Advance(5 * time.Second)
	assert.Len(t, rec.signals, 2)
}

func TestController_DestroyClearsTimers(t *testing.T) {
	c, clk, rec := setupController(t)

	c.OnInputChange("x")
	clk.Advance(300 * time.Millisecond)
	c.Destroy()

	assert.Equal(t, []bool{true, false}, rec.values())
	assert.Equal(t, 0, clk.PendingTimers())

	c.OnInputChange("more")
	c.Destroy()
	clk.Advance(10 * time.Second)
	assert.Len(t, rec.signals, 2)
}

func TestController_ParticipantChangeRetracts(t *testing.T) {
	c, clk, rec := setupController(t)

	c.OnInputChange("x")
	clk.Advance(300 * time.Millisecond)
	c.SetParticipantID("visitor-2")

	require.Len(t, rec.signals, 2)
	assert.Equal(t, "visitor-1", rec.signals[1].ParticipantID)
	assert.False(t, rec.signals[1].IsTyping)
}

func TestController_RealClock(t *testing.T) {
	signals := make(chan Signal, 8)
	c := NewController(nil, clock.Real(), Config{
		Debounce:        10 * time.Millisecond,
		IdleTimeout:     60 * time.Millisecond,
		RefreshInterval: 20 * time.Millisecond,
	}, func(s Signal) { signals <- s })
	c.SetThreadID("t1")
	c.SetCanEmit(true)

	c.OnInputChange("x")

	select {
	case s := <-signals:
		assert.True(t, s.IsTyping)
	case <-time.After(time.Second):
		t.Fatal("expected typing signal")
	}
	c.Destroy()
}

func TestController_DestroyDuringSlowEmitEndsStopped(t *testing.T) {
	var (
		mu      sync.Mutex
		emitted []bool
	)
	started := make(chan struct{})
	c := NewController(nil, clock.Real(), Config{
		Debounce:        10 * time.Millisecond,
		IdleTimeout:     time.Second,
		RefreshInterval: time.Second,
	}, func(s Signal) {
		if s.IsTyping {
			close(started)
			// gateway latency
			time.Sleep(50 * time.Millisecond)
		}
		mu.Lock()
		emitted = append(emitted, s.IsTyping)
		mu.Unlock()
	})
	c.SetThreadID("t1")
	c.SetCanEmit(true)
	c.OnInputChange("x")

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected typing signal")
	}
	c.Destroy()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, emitted)
}

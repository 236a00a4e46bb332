package cleanup

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAfterFuncFires(t *testing.T) {
	m := New()
	defer m.Dispose()

	var fired atomic.Bool
	m.AfterFunc(10*time.Millisecond, func() { fired.Store(true) })

	assert.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestDisposeStopsTimers(t *testing.T) {
	m := New()

	var fired atomic.Bool
	m.AfterFunc(50*time.Millisecond, func() { fired.Store(true) })
	m.Dispose()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load(), "timer fired after dispose")
}

func TestAfterFuncOnDisposedManagerIsDead(t *testing.T) {
	m := New()
	m.Dispose()

	var fired atomic.Bool
	timer := m.AfterFunc(time.Millisecond, func() { fired.Store(true) })

	select {
	case <-timer.C:
		t.Fatal("dead timer delivered a tick")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, fired.Load())
}

func TestDisposeRunsRegisteredFuncs(t *testing.T) {
	m := New()

	var ran atomic.Int32
	m.OnDispose(func() { ran.Add(1) })
	m.OnDispose(func() { ran.Add(1) })

	m.Dispose()
	assert.Equal(t, int32(2), ran.Load())

	// Idempotent
	m.Dispose()
	assert.Equal(t, int32(2), ran.Load())
}

func TestOnDisposeAfterDisposeRunsImmediately(t *testing.T) {
	m := New()
	m.Dispose()

	var ran atomic.Bool
	m.OnDispose(func() { ran.Store(true) })
	assert.True(t, ran.Load())
	assert.True(t, m.Disposed())
}

func TestTickerStoppedOnDispose(t *testing.T) {
	m := New()
	ticker := m.Ticker(5 * time.Millisecond)

	select {
	case <-ticker.C:
	case <-time.After(time.Second):
		t.Fatal("ticker never ticked")
	}

	m.Dispose()
	// Drain any tick already in flight, then verify silence.
	select {
	case <-ticker.C:
	default:
	}
	time.Sleep(20 * time.Millisecond)
	select {
	case <-ticker.C:
		t.Fatal("ticker ticked after dispose")
	default:
	}
}

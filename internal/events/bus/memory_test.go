package bus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeman/codeman/internal/common/logger"
)

func newTestBus() *MemoryEventBus {
	return NewMemoryEventBus(logger.Default())
}

func TestPublishExactSubject(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var got []*Event
	_, err := b.Subscribe("session.abc.status", func(ctx context.Context, e *Event) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)

	e := NewEvent("session:statusChanged", "abc", map[string]interface{}{"status": "busy"})
	require.NoError(t, b.Publish(context.Background(), "session.abc.status", e))

	require.Len(t, got, 1)
	assert.Equal(t, "session:statusChanged", got[0].Type)
	assert.Equal(t, "abc", got[0].SessionID)
}

func TestWildcardSingleToken(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var count int
	_, err := b.Subscribe("session.*.status", func(ctx context.Context, e *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	_ = b.Publish(context.Background(), "session.a.status", NewEvent("x", "a", nil))
	_ = b.Publish(context.Background(), "session.b.status", NewEvent("x", "b", nil))
	_ = b.Publish(context.Background(), "session.a.output", NewEvent("x", "a", nil))

	assert.Equal(t, 2, count)
}

func TestWildcardRest(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var subjects []string
	_, err := b.Subscribe("respawn.>", func(ctx context.Context, e *Event) error {
		subjects = append(subjects, e.Type)
		return nil
	})
	require.NoError(t, err)

	_ = b.Publish(context.Background(), "respawn.s1.stateChanged", NewEvent("respawn:stateChanged", "s1", nil))
	_ = b.Publish(context.Background(), "respawn.s1.cycleStarted", NewEvent("respawn:cycleStarted", "s1", nil))
	_ = b.Publish(context.Background(), "session.s1.status", NewEvent("session:statusChanged", "s1", nil))

	assert.Equal(t, []string{"respawn:stateChanged", "respawn:cycleStarted"}, subjects)
}

func TestDeliveryPreservesPublishOrder(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var order []string
	_, err := b.Subscribe("session.s.>", func(ctx context.Context, e *Event) error {
		order = append(order, e.Type)
		return nil
	})
	require.NoError(t, err)

	for _, typ := range []string{"a", "b", "c", "d", "e"} {
		_ = b.Publish(context.Background(), "session.s.output", NewEvent(typ, "s", nil))
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var count int
	sub, err := b.Subscribe("hook.ingest", func(ctx context.Context, e *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	_ = b.Publish(context.Background(), "hook.ingest", NewEvent("hook:event", "", nil))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	_ = b.Publish(context.Background(), "hook.ingest", NewEvent("hook:event", "", nil))

	assert.Equal(t, 1, count)
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := newTestBus()
	b.Close()

	err := b.Publish(context.Background(), "session.x.status", NewEvent("x", "x", nil))
	assert.Error(t, err)
	assert.False(t, b.IsConnected())
}

func TestConcurrentPublishSafe(t *testing.T) {
	b := newTestBus()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	_, err := b.Subscribe("session.*.output", func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = b.Publish(context.Background(), "session.s.output", NewEvent("o", "s", nil))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, count)
}

func TestSubjectHelpers(t *testing.T) {
	assert.Equal(t, "session.abc.output", SessionSubject("abc", "output"))
	assert.Equal(t, "ralph.abc.loopUpdate", RalphSubject("abc", "loopUpdate"))
	assert.Equal(t, "respawn.abc.stateChanged", RespawnSubject("abc", "stateChanged"))
	assert.Equal(t, "hook.ingest", HookSubject("ingest"))
}

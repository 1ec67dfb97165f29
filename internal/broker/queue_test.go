package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/agentmux/internal/protocol"
)

func qd(id string, priority int) *delivery {
	return &delivery{
		Delivery:  protocol.Delivery{DeliveryID: id, Priority: priority},
		recipient: "a1",
		createdAt: time.Now(),
	}
}

func popIDs(q *deliveryQueue) []string {
	var ids []string
	for d := q.pop(); d != nil; d = q.pop() {
		ids = append(ids, d.DeliveryID)
	}
	return ids
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := newDeliveryQueue(8)
	for _, id := range []string{"a", "b", "c"} {
		_, perr := q.push(qd(id, 0))
		require.Nil(t, perr)
	}
	assert.Equal(t, []string{"a", "b", "c"}, popIDs(q))
}

func TestQueueHigherPriorityPopsFirst(t *testing.T) {
	q := newDeliveryQueue(8)
	_, _ = q.push(qd("low1", 0))
	_, _ = q.push(qd("high", 5))
	_, _ = q.push(qd("low2", 0))
	_, _ = q.push(qd("mid", 2))

	assert.Equal(t, []string{"high", "mid", "low1", "low2"}, popIDs(q))
}

func TestQueueFullRejectsEqualPriority(t *testing.T) {
	q := newDeliveryQueue(2)
	_, _ = q.push(qd("a", 1))
	_, _ = q.push(qd("b", 1))

	preempted, perr := q.push(qd("c", 1))
	assert.Nil(t, preempted)
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeQueueFull, perr.Code)
	assert.True(t, perr.Retryable)
	assert.Equal(t, 2, q.length())
}

func TestQueueFullPreemptsLowestPriority(t *testing.T) {
	q := newDeliveryQueue(3)
	_, _ = q.push(qd("low1", 0))
	_, _ = q.push(qd("low2", 0))
	_, _ = q.push(qd("mid", 2))

	// The oldest entry of the lowest class goes, not the newest.
	preempted, perr := q.push(qd("high", 5))
	require.Nil(t, perr)
	require.NotNil(t, preempted)
	assert.Equal(t, "low1", preempted.DeliveryID)
	assert.Equal(t, StateDropped, preempted.state)

	assert.Equal(t, []string{"high", "mid", "low2"}, popIDs(q))
}

func TestQueuePushFrontBeatsLaterArrivals(t *testing.T) {
	q := newDeliveryQueue(8)
	_, _ = q.push(qd("first", 0))
	_, _ = q.push(qd("second", 0))

	retry := qd("retry", 0)
	q.pushFront(retry)

	assert.Equal(t, []string{"retry", "first", "second"}, popIDs(q))
}

func TestQueuePushFrontRespectsHigherPriority(t *testing.T) {
	q := newDeliveryQueue(8)
	_, _ = q.push(qd("high", 5))
	_, _ = q.push(qd("low", 0))

	q.pushFront(qd("retry", 0))
	assert.Equal(t, []string{"high", "retry", "low"}, popIDs(q))
}

func TestQueueExpire(t *testing.T) {
	q := newDeliveryQueue(8)
	old := qd("old", 0)
	old.createdAt = time.Now().Add(-time.Minute)
	_, _ = q.push(old)
	_, _ = q.push(qd("fresh", 0))

	expired := q.expire(30*time.Second, time.Now())
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].DeliveryID)
	assert.Equal(t, StateDropped, expired[0].state)
	assert.Equal(t, []string{"fresh"}, popIDs(q))
}

func TestQueueExpireDisabledByZeroTTL(t *testing.T) {
	q := newDeliveryQueue(8)
	old := qd("old", 0)
	old.createdAt = time.Now().Add(-time.Hour)
	_, _ = q.push(old)

	assert.Empty(t, q.expire(0, time.Now()))
	assert.Equal(t, 1, q.length())
}

func TestQueueDrain(t *testing.T) {
	q := newDeliveryQueue(8)
	_, _ = q.push(qd("a", 0))
	_, _ = q.push(qd("b", 3))

	drained := q.drain()
	require.Len(t, drained, 2)
	for _, d := range drained {
		assert.Equal(t, StateDropped, d.state)
	}
	assert.Zero(t, q.length())
	assert.Nil(t, q.pop())
}

func TestQueueClosedAfterDrain(t *testing.T) {
	q := newDeliveryQueue(8)
	_, _ = q.push(qd("a", 0))
	q.drain()

	_, perr := q.push(qd("late", 0))
	require.NotNil(t, perr)
	assert.Equal(t, protocol.CodeUnknownAgent, perr.Code)

	assert.False(t, q.pushFront(qd("retry", 0)))
	assert.Zero(t, q.length())
}

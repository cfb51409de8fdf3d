package politeness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPopOrdersByReadyTime(t *testing.T) {
	t.Parallel()

	q := New()
	q.Push("late.example", base.Add(2*time.Second))
	q.Push("early.example", base)
	q.Push("mid.example", base.Add(time.Second))

	var got []string
	for {
		key, _, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, key)
	}
	assert.Equal(t, []string{"early.example", "mid.example", "late.example"}, got)
}

func TestTiesBreakByInsertionOrder(t *testing.T) {
	t.Parallel()

	q := New()
	for _, key := range []string{"c", "a", "b"} {
		q.Push(key, base)
	}
	for _, want := range []string{"c", "a", "b"} {
		key, _, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, want, key)
	}
}

func TestPushOnScheduledIsNoop(t *testing.T) {
	t.Parallel()

	q := New()
	require.True(t, q.Push("a", base))
	assert.False(t, q.Push("a", base.Add(time.Hour)), "scheduled entry must not move later")
	assert.False(t, q.Push("a", base.Add(-time.Hour)))

	_, ready, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, base, ready)
	assert.Equal(t, 1, q.ScheduledLen())
}

func TestPopLeavesPlaceholder(t *testing.T) {
	t.Parallel()

	q := New()
	q.Push("a", base)
	key, _, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", key)
	assert.Equal(t, InFlight, q.State("a"))

	_, _, ok = q.Peek()
	assert.False(t, ok, "in-flight domain must not be poppable")
	assert.Equal(t, 1, q.Len())

	assert.True(t, q.Push("a", base.Add(time.Second)), "placeholder is upgradeable")
	assert.Equal(t, Scheduled, q.State("a"))
}

func TestClearPlaceholder(t *testing.T) {
	t.Parallel()

	q := New()
	q.Push("a", base)

	err := q.ClearPlaceholder("a")
	require.ErrorIs(t, err, ErrNotPlaceholder, "scheduled entry is not a placeholder")

	err = q.ClearPlaceholder("missing")
	require.ErrorIs(t, err, ErrNotPlaceholder)

	q.Pop()
	require.NoError(t, q.ClearPlaceholder("a"))
	assert.Equal(t, Absent, q.State("a"))
	assert.Equal(t, 0, q.Len())

	require.ErrorIs(t, q.ClearPlaceholder("a"), ErrNotPlaceholder)
}

func TestAtMostOneLiveEntryPerKey(t *testing.T) {
	t.Parallel()

	q := New()
	for i := 0; i < 5; i++ {
		q.Push("a", base.Add(time.Duration(i)*time.Second))
	}
	q.Push("b", base)
	assert.Equal(t, 2, q.ScheduledLen())
}

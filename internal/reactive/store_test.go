package reactive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/value"
)

func TestStoreLifecycle(t *testing.T) {
	s := NewStore()
	assert.True(t, s.Loading())
	assert.Nil(t, s.Value())

	s.publish(value.Map{"k": value.Int(1)})
	assert.False(t, s.Loading())
	assert.NoError(t, s.Err())
	assert.True(t, value.Equal(value.Map{"k": value.Int(1)}, s.Value()))
}

func TestStoreSubscribe(t *testing.T) {
	s := NewStore()

	var got []value.Value
	cancel := s.Subscribe(func(v value.Value) { got = append(got, v) })
	assert.Empty(t, got, "loading stores deliver nothing on subscribe")

	s.publish(value.Int(1))
	s.publish(value.Int(2))
	require.Len(t, got, 2)

	// A late subscriber receives the current value immediately.
	var late value.Value
	s.Subscribe(func(v value.Value) { late = v })
	assert.True(t, value.Equal(value.Int(2), late))

	cancel()
	s.publish(value.Int(3))
	assert.Len(t, got, 2, "canceled subscription no longer fires")
}

func TestStoreReject(t *testing.T) {
	s := NewStore()
	fired := false
	s.Subscribe(func(value.Value) { fired = true })

	s.reject(fault.New(fault.NotFound, "gone"))
	assert.False(t, s.Loading())
	assert.True(t, fault.IsNotFound(s.Err()))
	assert.False(t, fired, "rejection does not notify subscribers")

	// Reject after settle is a no-op.
	s2 := NewStore()
	s2.publish(value.Int(1))
	s2.reject(fault.New(fault.Timeout, "late"))
	assert.NoError(t, s2.Err())
}

func TestWaitForReady(t *testing.T) {
	s := NewStore()
	err := WaitForReady(context.Background(), s, 20*time.Millisecond)
	assert.True(t, fault.IsTimeout(err))

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.publish(value.Int(1))
	}()
	assert.NoError(t, WaitForReady(context.Background(), s, time.Second))

	// A settled rejection surfaces through the wait.
	s2 := NewStore()
	s2.reject(fault.New(fault.NotFound, "gone"))
	assert.True(t, fault.IsNotFound(WaitForReady(context.Background(), s2, time.Second)))
}

func TestMatchesFilter(t *testing.T) {
	flat := value.Map{
		"id":    value.String("co_x"),
		"title": value.String("report"),
		"done":  value.Bool(true),
	}
	assert.True(t, MatchesFilter(flat, nil))
	assert.True(t, MatchesFilter(flat, value.Map{}))
	assert.True(t, MatchesFilter(flat, value.Map{"done": value.Bool(true)}))
	assert.True(t, MatchesFilter(flat, value.Map{"done": value.Bool(true), "title": value.String("report")}))
	assert.False(t, MatchesFilter(flat, value.Map{"done": value.Bool(false)}))
	assert.False(t, MatchesFilter(flat, value.Map{"missing": value.Null{}}))
}

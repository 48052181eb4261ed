package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSignalEmitsInOrder(t *testing.T) {
	var s Signal[int]
	var got []string

	s.On(func(v int) { got = append(got, "a") })
	s.On(func(v int) { got = append(got, "b") })
	s.Emit(1)

	assert.Equal(t, []string{"a", "b"}, got)
}

func TestSubscriptionOff(t *testing.T) {
	var s Signal[string]
	calls := 0
	sub := s.On(func(string) { calls++ })

	s.Emit("x")
	sub.Off()
	sub.Off()
	s.Emit("y")

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, s.Len())
}

func TestHandlerDetachingDuringEmit(t *testing.T) {
	var s Signal[int]
	var second *Subscription
	calls := 0

	s.On(func(int) { second.Off() })
	second = s.On(func(int) { calls++ })

	// snapshot taken before the first handler runs
	s.Emit(0)
	assert.Equal(t, 1, calls)

	s.Emit(0)
	assert.Equal(t, 1, calls)
}

func TestGroupRelease(t *testing.T) {
	var a Signal[int]
	var b Signal[error]
	var g Group

	g.Add(a.On(func(int) {}), b.On(func(error) {}))
	assert.Equal(t, 1, a.Len())
	assert.Equal(t, 1, b.Len())

	g.Release()
	assert.True(t, g.Released())
	assert.Equal(t, 0, a.Len())
	assert.Equal(t, 0, b.Len())

	g.Add(a.On(func(int) {}))
	assert.Equal(t, 0, a.Len(), "add after release detaches immediately")
}

func TestNilSubscriptionOff(t *testing.T) {
	var sub *Subscription
	assert.NotPanics(t, sub.Off)
}

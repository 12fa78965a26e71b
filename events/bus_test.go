package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, s *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublish_FanOut(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus := New(WithNow(func() time.Time { return now }))

	a := bus.Subscribe()
	b := bus.Subscribe()
	require.Equal(t, 2, bus.Len())

	bus.Publish(RefreshStarted, map[string]int{"timeout": 300000})

	for _, s := range []*Subscription{a, b} {
		ev := receive(t, s)
		require.Equal(t, RefreshStarted, ev.Name)
		require.Equal(t, now, ev.Time)
	}
}

func TestPublish_NoSubscribers(t *testing.T) {
	bus := New()
	bus.Publish(RefreshEnded, nil) // must not block or panic
}

func TestPublish_OrderPreserved(t *testing.T) {
	bus := New()
	s := bus.Subscribe()

	bus.Publish(RefreshStarted, nil)
	bus.Publish(RefreshEnded, nil)

	require.Equal(t, RefreshStarted, receive(t, s).Name)
	require.Equal(t, RefreshEnded, receive(t, s).Name)
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := New(WithBuffer(2))
	slow := bus.Subscribe()
	fast := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 5 {
			bus.Publish(RefreshStarted, nil)
			<-fast.C()
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	require.Equal(t, int64(3), slow.Dropped())
	require.Equal(t, int64(0), fast.Dropped())
	require.Len(t, slow.C(), 2)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	bus := New()
	s := bus.Subscribe()
	other := bus.Subscribe()

	s.Close()
	s.Close() // idempotent
	require.Equal(t, 1, bus.Len())

	_, ok := <-s.C()
	require.False(t, ok)

	bus.Publish(RefreshEnded, nil)
	require.Equal(t, RefreshEnded, receive(t, other).Name)
}

func TestClose_ClosesAllSubscribers(t *testing.T) {
	bus := New()
	a := bus.Subscribe()
	b := bus.Subscribe()

	bus.Close()
	bus.Close()
	require.Equal(t, 0, bus.Len())

	for _, s := range []*Subscription{a, b} {
		_, ok := <-s.C()
		require.False(t, ok)
	}

	late := bus.Subscribe()
	_, ok := <-late.C()
	require.False(t, ok)
	late.Close()

	bus.Publish(RefreshStarted, nil)
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	bus := New(WithBuffer(1))

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := bus.Subscribe()
			time.Sleep(time.Millisecond)
			s.Close()
		}()
		go func() {
			defer wg.Done()
			for range 50 {
				bus.Publish(RefreshStarted, nil)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, bus.Len())
}

package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTime is a clock whose sleeps advance it instantly.
type fakeTime struct {
	now    time.Time
	sleeps []time.Duration
	err    error
}

func (f *fakeTime) Now() time.Time { return f.now }

func (f *fakeTime) Sleep(_ context.Context, d time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return nil
}

func newFakeTime() *fakeTime {
	return &fakeTime{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestSameHostWaitsOnce(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	th := NewHostThrottle(time.Second, ft, ft, nil)

	require.NoError(t, th.Wait(context.Background(), "https://docs.example.com/a"))
	ft.now = ft.now.Add(250 * time.Millisecond)
	require.NoError(t, th.Wait(context.Background(), "https://docs.example.com/b"))

	require.Len(t, ft.sleeps, 1)
	require.InDelta(t, float64(750*time.Millisecond), float64(ft.sleeps[0]), float64(time.Millisecond))
}

func TestBackToBackCallsWaitFullDelay(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	th := NewHostThrottle(time.Second, ft, ft, nil)

	for range 3 {
		require.NoError(t, th.Wait(context.Background(), "https://docs.example.com/page"))
	}
	require.Equal(t, []time.Duration{time.Second, time.Second}, ft.sleeps)
}

func TestDifferentHostsDoNotWait(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	th := NewHostThrottle(time.Second, ft, ft, nil)

	require.NoError(t, th.Wait(context.Background(), "https://a.example.com/x"))
	require.NoError(t, th.Wait(context.Background(), "https://b.example.com/x"))
	require.NoError(t, th.Wait(context.Background(), "https://a.example.com:8443/x"))

	require.Empty(t, ft.sleeps)
	require.Equal(t, 3, th.Hosts())
}

func TestElapsedDelayDoesNotWait(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	th := NewHostThrottle(time.Second, ft, ft, nil)

	require.NoError(t, th.Wait(context.Background(), "https://docs.example.com/a"))
	ft.now = ft.now.Add(2 * time.Second)
	require.NoError(t, th.Wait(context.Background(), "https://docs.example.com/b"))
	require.Empty(t, ft.sleeps)
}

func TestZeroDelayNeverWaits(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	th := NewHostThrottle(0, ft, ft, nil)
	for range 5 {
		require.NoError(t, th.Wait(context.Background(), "https://docs.example.com/a"))
	}
	require.Empty(t, ft.sleeps)
}

func TestWaitInterrupted(t *testing.T) {
	t.Parallel()

	ft := newFakeTime()
	th := NewHostThrottle(time.Second, ft, ft, nil)
	require.NoError(t, th.Wait(context.Background(), "https://docs.example.com/a"))

	ft.err = context.Canceled
	err := th.Wait(context.Background(), "https://docs.example.com/b")
	require.Error(t, err)
	require.True(t, errors.Is(err, context.Canceled))
}

func TestHostKey(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"https://docs.example.com/path?q=1": "docs.example.com",
		"http://example.com:8080/":          "example.com:8080",
		"":                                  UnknownHost,
		"not a url":                         UnknownHost,
		"://broken":                         UnknownHost,
	}
	for raw, want := range tests {
		require.Equal(t, want, HostKey(raw), raw)
	}
}

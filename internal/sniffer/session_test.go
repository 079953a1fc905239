package sniffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/uartsniff/internal/config"
	"github.com/banshee-data/uartsniff/internal/edge"
	"github.com/banshee-data/uartsniff/internal/serialmux"
	"github.com/banshee-data/uartsniff/internal/timeutil"
	"github.com/banshee-data/uartsniff/internal/uart"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource hands its push callback to the test and reports whatever tick
// count the test sets.
type fakeSource struct {
	mu        sync.Mutex
	push      func(edge.Event)
	ticks     uint64
	closed    bool
	attachErr error
}

func (f *fakeSource) Attach(push func(edge.Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attachErr != nil {
		return f.attachErr
	}
	f.push = push
	return nil
}

func (f *fakeSource) Ticks() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) emit(events []edge.Event) {
	f.mu.Lock()
	push := f.push
	f.mu.Unlock()
	for _, ev := range events {
		push(ev)
	}
}

func (f *fakeSource) setTicks(us uint64) {
	f.mu.Lock()
	f.ticks = us
	f.mu.Unlock()
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestSession_DecodesClosedBurst(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	src := &fakeSource{}
	results := make(chan Result, 1)

	sess, err := NewSession(src, config.EmptyDecoderConfig(), clock, func(r Result) { results <- r })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sess.Run(ctx) }()
	require.Eventually(t, func() bool { return clock.Tickers() == 1 }, time.Second, time.Millisecond)

	want := []byte("ok\x4d")
	runs := uart.Encode(want, uart.DefaultTemplate(), uart.EncodeOptions{Baud: testBaud, GapBits: 1})
	events := uart.Events(runs, 1000)
	src.emit(events)

	// still inside the idle gap: nothing closes
	last := events[len(events)-1].TimestampUS
	src.setTicks(last + 5000)
	clock.Advance(10 * time.Millisecond)

	src.setTicks(last + 20000)
	clock.Advance(10 * time.Millisecond)

	select {
	case res := <-results:
		require.Len(t, res.Streams, 1)
		assert.Equal(t, want, uart.Values(res.Streams[0].Bytes))
		assert.Equal(t, last+20000, res.ClosedAtUS)
		assert.NotEmpty(t, res.BurstID)
	case <-time.After(time.Second):
		t.Fatal("no burst decoded")
	}
	assert.Equal(t, uint64(1), sess.Stats().Bursts)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, src.isClosed())
}

func TestSession_AttachError(t *testing.T) {
	src := &fakeSource{attachErr: errors.New("no device")}
	sess, err := NewSession(src, config.EmptyDecoderConfig(), timeutil.NewMockClock(time.Unix(0, 0)), nil)
	require.NoError(t, err)

	err = sess.Run(context.Background())
	assert.ErrorContains(t, err, "no device")
	assert.False(t, src.isClosed())
}

func TestNewSession_Errors(t *testing.T) {
	_, err := NewSession(nil, config.EmptyDecoderConfig(), nil, nil)
	assert.Error(t, err)
}

func TestPipeline_Consume(t *testing.T) {
	p := newTestPipeline(t, testOptions())
	in := make(chan serialmux.ByteBurst, 2)
	in <- serialmux.ByteBurst{ID: "a", Port: "p", Data: []byte{1, 2}}
	in <- serialmux.ByteBurst{ID: "b", Port: "p", Data: []byte{3}}
	close(in)

	var got []string
	err := p.Consume(context.Background(), in, func(r Result) { got = append(got, r.BurstID) })
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestPipeline_ConsumeCancelled(t *testing.T) {
	p := newTestPipeline(t, testOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Consume(ctx, make(chan serialmux.ByteBurst), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

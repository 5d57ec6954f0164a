package sweeper

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	ids []string
	err error
}

func (f *fakeLister) ListDeviceIDsWithSessions(context.Context) ([]string, error) {
	return f.ids, f.err
}

type fakeConnector struct {
	mu      sync.Mutex
	calls   []string
	failing map[string]bool
}

func (f *fakeConnector) Connect(_ context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, deviceID)
	if f.failing[deviceID] {
		return fmt.Errorf("dial refused")
	}
	return nil
}

func TestSweepConnectsAllDevices(t *testing.T) {
	lister := &fakeLister{ids: []string{"dev-1", "dev-2", "dev-3"}}
	connector := &fakeConnector{}
	s := New(lister, connector, time.Millisecond, time.Millisecond)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, []string{"dev-1", "dev-2", "dev-3"}, connector.calls)
}

func TestSweepContinuesPastFailures(t *testing.T) {
	lister := &fakeLister{ids: []string{"dev-1", "dev-2", "dev-3"}}
	connector := &fakeConnector{failing: map[string]bool{"dev-2": true}}
	s := New(lister, connector, 0, 0)

	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, connector.calls, 3, "one failure must not stop the sweep")
}

func TestSweepStaggersConnects(t *testing.T) {
	lister := &fakeLister{ids: []string{"dev-1", "dev-2", "dev-3"}}
	connector := &fakeConnector{}
	stagger := 30 * time.Millisecond
	s := New(lister, connector, 0, stagger)

	start := time.Now()
	require.NoError(t, s.Run(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 2*stagger, "connects must be spaced out")
}

func TestSweepStopsOnCancel(t *testing.T) {
	lister := &fakeLister{ids: []string{"dev-1", "dev-2"}}
	connector := &fakeConnector{}
	s := New(lister, connector, 0, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		connector.mu.Lock()
		defer connector.mu.Unlock()
		return len(connector.calls) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop on cancel")
	}
}

func TestSweepListErrorPropagates(t *testing.T) {
	lister := &fakeLister{err: fmt.Errorf("db down")}
	s := New(lister, &fakeConnector{}, 0, 0)
	require.Error(t, s.Run(context.Background()))
}

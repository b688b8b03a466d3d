package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
func (m *mockLogger) Fatal(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type fixture struct {
	wd     *Watchdog
	mu     sync.Mutex
	now    time.Time
	stalls []time.Duration
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, window time.Duration) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)}
	wd, err := New(Config{
		Window: window,
		Logger: &mockLogger{},
		OnStall: func(sinceLast time.Duration) {
			f.stalls = append(f.stalls, sinceLast)
		},
		Clock: func() time.Time {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.now
		},
	})
	require.NoError(t, err)
	f.wd = wd
	return f
}

func TestCheck_QuietInsideWindow(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.advance(59 * time.Second)
	assert.False(t, f.wd.Check(ctx))
	assert.Empty(t, f.stalls)
}

func TestCheck_FiresOncePerStall(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.advance(61 * time.Second)
	assert.True(t, f.wd.Check(ctx))
	require.Len(t, f.stalls, 1)
	assert.Equal(t, 61*time.Second, f.stalls[0])

	// Still stalled, but the alert fired already.
	f.advance(10 * time.Second)
	assert.True(t, f.wd.Check(ctx))
	assert.Len(t, f.stalls, 1)
}

func TestBeat_ReArmsAlert(t *testing.T) {
	f := newFixture(t, time.Minute)
	ctx := context.Background()

	f.advance(61 * time.Second)
	assert.True(t, f.wd.Check(ctx))
	require.Len(t, f.stalls, 1)

	f.wd.Beat()
	assert.False(t, f.wd.Check(ctx))

	// A fresh stall fires again.
	f.advance(61 * time.Second)
	assert.True(t, f.wd.Check(ctx))
	assert.Len(t, f.stalls, 2)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Window: time.Minute})
	assert.Error(t, err)

	_, err = New(Config{Logger: &mockLogger{}})
	assert.Error(t, err)
}

package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-dashboard/internal/model"
	"trading-dashboard/internal/notification"
)

type stubChecker struct {
	calls  atomic.Int64
	health map[string]model.InstanceHealth
	state  map[string]string
}

func (c *stubChecker) Health(_ context.Context, inst model.InstanceRef) (model.InstanceHealth, string, error) {
	c.calls.Add(1)
	h, ok := c.health[inst.Name]
	if !ok {
		return model.HealthOffline, "", nil
	}
	return h, c.state[inst.Name], nil
}

func testRefs() []model.InstanceRef {
	return []model.InstanceRef{
		{Name: "fixed", BaseURL: "http://localhost:8081", Category: model.CategoryPaper, Health: model.HealthUnknown},
		{Name: "live", BaseURL: "http://localhost:8090", Category: model.CategoryLive, Health: model.HealthUnknown},
	}
}

func TestRegistry_PollUpdatesHealth(t *testing.T) {
	checker := &stubChecker{
		health: map[string]model.InstanceHealth{"fixed": model.HealthOK},
		state:  map[string]string{"fixed": "TRADING"},
	}
	r := New(testRefs(), checker, time.Minute, nil, nil)

	r.Poll(context.Background())

	fixed, ok := r.Get("fixed")
	require.True(t, ok)
	assert.Equal(t, model.HealthOK, fixed.Health)
	assert.Equal(t, "TRADING", fixed.State)

	live, ok := r.Get("live")
	require.True(t, ok)
	assert.Equal(t, model.HealthOffline, live.Health)
}

func TestRegistry_UnknownBeforeFirstPoll(t *testing.T) {
	r := New(testRefs(), &stubChecker{}, time.Minute, nil, nil)

	for _, inst := range r.List() {
		assert.Equal(t, model.HealthUnknown, inst.Health)
	}
}

func TestRegistry_ListReturnsCopy(t *testing.T) {
	r := New(testRefs(), &stubChecker{}, time.Minute, nil, nil)

	list := r.List()
	list[0].Name = "mutated"

	fresh := r.List()
	assert.Equal(t, "fixed", fresh[0].Name)
}

func TestRegistry_GetMissing(t *testing.T) {
	r := New(testRefs(), &stubChecker{}, time.Minute, nil, nil)

	_, ok := r.Get("nope")
	assert.False(t, ok)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification.Alert
}

func (n *recordingNotifier) Send(_ context.Context, a notification.Alert) error {
	n.mu.Lock()
	n.sent = append(n.sent, a)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) alerts() []notification.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.Alert(nil), n.sent...)
}

func TestRegistry_AlertsOnHealthTransitions(t *testing.T) {
	checker := &stubChecker{
		health: map[string]model.InstanceHealth{
			"fixed": model.HealthOK,
			"live":  model.HealthOK,
		},
	}
	notifier := &recordingNotifier{}
	r := New(testRefs(), checker, time.Minute, nil, nil)
	r.SetNotifier(notifier)

	// First poll moves unknown to ok. No alerts for that.
	r.Poll(context.Background())
	assert.Empty(t, notifier.alerts())

	delete(checker.health, "live")
	r.Poll(context.Background())

	require.Eventually(t, func() bool { return len(notifier.alerts()) == 1 }, time.Second, 10*time.Millisecond)
	down := notifier.alerts()[0]
	assert.Equal(t, notification.AlertCritical, down.Level)
	assert.Contains(t, down.Message, "live")

	checker.health["live"] = model.HealthOK
	r.Poll(context.Background())

	require.Eventually(t, func() bool { return len(notifier.alerts()) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, notification.AlertInfo, notifier.alerts()[1].Level)
}

func TestRegistry_StartStopsOnCancel(t *testing.T) {
	checker := &stubChecker{}
	r := New(testRefs(), checker, 10*time.Millisecond, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()

	// Let the immediate poll plus at least one ticker poll run.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
	assert.GreaterOrEqual(t, checker.calls.Load(), int64(4))
}

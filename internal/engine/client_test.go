package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-dashboard/internal/model"
)

func testInstance(baseURL string) model.InstanceRef {
	return model.InstanceRef{Name: "fixed", BaseURL: baseURL, Category: model.CategoryPaper}
}

// newEngineStub serves canned JSON per path; paths absent from responses
// return 500.
func newEngineStub(t *testing.T, responses map[string]any) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := responses[r.URL.Path]
		if !ok {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchSnapshot_AllOK(t *testing.T) {
	srv := newEngineStub(t, map[string]any{
		"/status": model.EngineStatus{State: "TRADING", Capital: 500000},
		"/positions": map[string]any{"positions": []model.PositionView{
			{Symbol: "SBIN", Side: model.SideLong, Qty: 10, EntryPrice: 600},
		}},
		"/funds": model.FundsResult{Status: "ok", Funds: &model.Funds{Available: 400000, Used: 100000}},
		"/closed-trades": map[string]any{"trades": []model.ClosedTradeRecord{
			{TradeID: "t1", Symbol: "INFY", PnL: 500},
		}},
	})

	c := NewClient(nil, nil)
	snap, err := c.FetchSnapshot(context.Background(), testInstance(srv.URL))
	require.NoError(t, err)

	require.NotNil(t, snap.Status)
	assert.Equal(t, "TRADING", snap.Status.State)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, "SBIN", snap.Positions[0].Symbol)
	assert.Equal(t, "ok", snap.Funds.Status)
	require.NotNil(t, snap.Funds.Funds)
	assert.Equal(t, 400000.0, snap.Funds.Funds.Available)
	require.Len(t, snap.Closed, 1)
	assert.Equal(t, "fixed", snap.Instance)
}

func TestFetchSnapshot_FundsDegradesToPlaceholder(t *testing.T) {
	srv := newEngineStub(t, map[string]any{
		"/status":        model.EngineStatus{State: "TRADING"},
		"/positions":     map[string]any{"positions": []model.PositionView{}},
		"/closed-trades": map[string]any{"trades": []model.ClosedTradeRecord{}},
		// /funds missing -> 500
	})

	c := NewClient(nil, nil)
	snap, err := c.FetchSnapshot(context.Background(), testInstance(srv.URL))
	require.NoError(t, err, "one degraded endpoint must not fail the refresh")

	assert.Equal(t, "error", snap.Funds.Status)
	assert.Nil(t, snap.Funds.Funds)
	assert.NotNil(t, snap.Status)
}

func TestFetchSnapshot_ClosedTradesDegradesToEmpty(t *testing.T) {
	srv := newEngineStub(t, map[string]any{
		"/status":    model.EngineStatus{State: "TRADING"},
		"/positions": map[string]any{"positions": []model.PositionView{}},
		"/funds":     model.FundsResult{Status: "ok", Funds: &model.Funds{}},
	})

	c := NewClient(nil, nil)
	snap, err := c.FetchSnapshot(context.Background(), testInstance(srv.URL))
	require.NoError(t, err)
	assert.NotNil(t, snap.Closed)
	assert.Empty(t, snap.Closed)
}

func TestFetchSnapshot_OfflineClassification(t *testing.T) {
	// A server that is already closed refuses connections.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(nil, nil)
	_, err := c.FetchSnapshot(context.Background(), testInstance(url))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstanceOffline)
}

func TestFetchSnapshot_GenericErrorClassification(t *testing.T) {
	// The server answers but every endpoint 500s: erroring, not down.
	srv := newEngineStub(t, map[string]any{})

	c := NewClient(nil, nil)
	_, err := c.FetchSnapshot(context.Background(), testInstance(srv.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetchFailed)
	assert.NotErrorIs(t, err, ErrInstanceOffline)
}

func TestHealth(t *testing.T) {
	srv := newEngineStub(t, map[string]any{
		"/health": map[string]string{"status": "ok", "state": "TRADING"},
	})

	c := NewClient(nil, nil)
	health, state, err := c.Health(context.Background(), testInstance(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, model.HealthOK, health)
	assert.Equal(t, "TRADING", state)
}

func TestHealth_Offline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(nil, nil)
	health, _, err := c.Health(context.Background(), testInstance(url))
	require.Error(t, err)
	assert.Equal(t, model.HealthOffline, health)
}

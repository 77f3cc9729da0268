// Package engine is the HTTP client for one trading-engine instance: the
// snapshot fetcher over its read endpoints and the token-gated admin client.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"syscall"
	"time"

	"trading-dashboard/internal/metrics"
	"trading-dashboard/internal/model"
)

// ErrInstanceOffline marks a refresh where both status and positions failed
// with a connection-level error: the remote process is down, not erroring.
var ErrInstanceOffline = errors.New("engine: instance offline")

// ErrFetchFailed marks a refresh where both status and positions failed for
// reasons other than the process being down.
var ErrFetchFailed = errors.New("engine: fetch failed")

const defaultTimeout = 10 * time.Second

// Client talks to one or more engine instances over HTTP.
type Client struct {
	http    *http.Client
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates an engine client. Both arguments may be nil.
func NewClient(log *slog.Logger, m *metrics.Metrics) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		http:    &http.Client{Timeout: defaultTimeout},
		log:     log,
		metrics: m,
	}
}

type positionsResponse struct {
	Positions []model.PositionView `json:"positions"`
}

type closedTradesResponse struct {
	Trades []model.ClosedTradeRecord `json:"trades"`
}

// FetchSnapshot performs the four read calls (status, positions, funds,
// closed trades) concurrently and joins them into one Snapshot. Individual
// failures degrade to typed placeholders; the whole refresh fails only when
// status and positions both failed, classified as offline or generic.
func (c *Client) FetchSnapshot(ctx context.Context, inst model.InstanceRef) (model.Snapshot, error) {
	start := time.Now()

	var (
		wg sync.WaitGroup

		status    model.EngineStatus
		statusErr error

		positions    positionsResponse
		positionsErr error

		funds    model.FundsResult
		fundsErr error

		closed    closedTradesResponse
		closedErr error
	)

	wg.Add(4)
	go func() {
		defer wg.Done()
		statusErr = c.getJSON(ctx, inst.BaseURL+"/status", &status)
	}()
	go func() {
		defer wg.Done()
		positionsErr = c.getJSON(ctx, inst.BaseURL+"/positions", &positions)
	}()
	go func() {
		defer wg.Done()
		fundsErr = c.getJSON(ctx, inst.BaseURL+"/funds", &funds)
	}()
	go func() {
		defer wg.Done()
		closedErr = c.getJSON(ctx, inst.BaseURL+"/closed-trades", &closed)
	}()
	wg.Wait()

	if statusErr != nil && positionsErr != nil {
		err := fmt.Errorf("%w: status: %v, positions: %v", ErrFetchFailed, statusErr, positionsErr)
		result := "error"
		if isConnectionDown(statusErr) || isConnectionDown(positionsErr) {
			err = fmt.Errorf("%w: %s", ErrInstanceOffline, inst.Name)
			result = "offline"
		}
		if c.metrics != nil {
			c.metrics.SnapshotFetches.WithLabelValues(result).Inc()
		}
		return model.Snapshot{}, err
	}

	snap := model.Snapshot{
		Instance:  inst.Name,
		Positions: positions.Positions,
		Closed:    closed.Trades,
		FetchedAt: time.Now(),
	}
	if statusErr == nil {
		snap.Status = &status
	} else {
		c.log.Warn("status fetch degraded", "instance", inst.Name, "err", statusErr)
	}
	if snap.Positions == nil {
		snap.Positions = []model.PositionView{}
	}
	if positionsErr != nil {
		c.log.Warn("positions fetch degraded", "instance", inst.Name, "err", positionsErr)
	}

	// A failed funds call degrades to {status: error, funds: null}; a failed
	// closed-trades call degrades to an empty set.
	if fundsErr != nil {
		snap.Funds = model.FundsResult{Status: "error", Funds: nil}
		c.log.Warn("funds fetch degraded", "instance", inst.Name, "err", fundsErr)
	} else {
		snap.Funds = funds
	}
	if closedErr != nil {
		snap.Closed = []model.ClosedTradeRecord{}
		c.log.Warn("closed-trades fetch degraded", "instance", inst.Name, "err", closedErr)
	} else if snap.Closed == nil {
		snap.Closed = []model.ClosedTradeRecord{}
	}

	if c.metrics != nil {
		c.metrics.SnapshotFetches.WithLabelValues("ok").Inc()
		c.metrics.SnapshotDur.Observe(time.Since(start).Seconds())
	}
	return snap, nil
}

// Status fetches only GET /status.
func (c *Client) Status(ctx context.Context, inst model.InstanceRef) (model.EngineStatus, error) {
	var st model.EngineStatus
	if err := c.getJSON(ctx, inst.BaseURL+"/status", &st); err != nil {
		return model.EngineStatus{}, err
	}
	return st, nil
}

// Positions fetches only GET /positions.
func (c *Client) Positions(ctx context.Context, inst model.InstanceRef) ([]model.PositionView, error) {
	var resp positionsResponse
	if err := c.getJSON(ctx, inst.BaseURL+"/positions", &resp); err != nil {
		return nil, err
	}
	if resp.Positions == nil {
		resp.Positions = []model.PositionView{}
	}
	return resp.Positions, nil
}

// Funds fetches only GET /funds.
func (c *Client) Funds(ctx context.Context, inst model.InstanceRef) (model.FundsResult, error) {
	var funds model.FundsResult
	if err := c.getJSON(ctx, inst.BaseURL+"/funds", &funds); err != nil {
		return model.FundsResult{}, err
	}
	return funds, nil
}

// Health performs a single GET /health. Used by the instance registry.
func (c *Client) Health(ctx context.Context, inst model.InstanceRef) (model.InstanceHealth, string, error) {
	var resp struct {
		Status string `json:"status"`
		State  string `json:"state"`
	}
	if err := c.getJSON(ctx, inst.BaseURL+"/health", &resp); err != nil {
		if isConnectionDown(err) {
			return model.HealthOffline, "", err
		}
		return model.HealthUnhealthy, "", err
	}
	if resp.Status == "ok" {
		return model.HealthOK, resp.State, nil
	}
	return model.HealthUnhealthy, resp.State, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("get %s: status %d: %s", url, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

// isConnectionDown reports whether err indicates the remote process is not
// accepting connections at all (as opposed to answering badly).
func isConnectionDown(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}

// IsOffline reports whether err means the instance process is unreachable,
// whichever call produced it.
func IsOffline(err error) bool {
	return errors.Is(err, ErrInstanceOffline) || isConnectionDown(err)
}

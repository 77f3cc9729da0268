package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"trading-dashboard/internal/model"
)

// AdminTokenHeader carries the opaque admin token on every admin call.
const AdminTokenHeader = "X-Admin-Token"

// ErrUnauthorized is returned when the engine rejects the admin token.
// Callers must treat it as a token-invalidation signal.
var ErrUnauthorized = errors.New("engine: admin token rejected")

// AdminCommand enumerates the engine's admin operations.
type AdminCommand string

const (
	AdminCapital AdminCommand = "capital"
	AdminMIS     AdminCommand = "mis"
	AdminExit    AdminCommand = "exit"
	AdminExitAll AdminCommand = "exit-all"
	AdminPause   AdminCommand = "pause"
	AdminResume  AdminCommand = "resume"
)

// AdminCommandError is any non-2xx, non-401 admin response. Surfaced to the
// operator as-is; admin calls are never retried automatically.
type AdminCommandError struct {
	Command    AdminCommand
	StatusCode int
	Body       string
}

func (e *AdminCommandError) Error() string {
	return fmt.Sprintf("engine: admin %s failed: status %d: %s", e.Command, e.StatusCode, e.Body)
}

// CapitalRequest sets the engine's working capital.
type CapitalRequest struct {
	Capital float64 `json:"capital"`
}

// MISRequest toggles the leveraged intraday mode.
type MISRequest struct {
	Enabled bool `json:"enabled"`
}

// ExitRequest exits one position; nil Qty means full exit.
type ExitRequest struct {
	Symbol string `json:"symbol"`
	Qty    *int64 `json:"qty,omitempty"`
}

// ReasonRequest carries the operator-supplied reason for exit-all and pause.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// Admin issues one admin command against an instance. The token travels in
// the X-Admin-Token header; a 401 maps to ErrUnauthorized and any other
// non-2xx to *AdminCommandError.
func (c *Client) Admin(ctx context.Context, inst model.InstanceRef, cmd AdminCommand, body any, token string) (json.RawMessage, error) {
	payload := []byte("{}")
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal admin body: %w", err)
		}
	}

	url := inst.BaseURL + "/admin/" + string(cmd)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build admin request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AdminTokenHeader, token)

	resp, err := c.http.Do(req)
	if err != nil {
		c.countAdmin(cmd, "error")
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		c.countAdmin(cmd, "unauthorized")
		return nil, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.countAdmin(cmd, "failed")
		return nil, &AdminCommandError{Command: cmd, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	c.countAdmin(cmd, "ok")
	c.log.Info("admin command accepted", "instance", inst.Name, "command", string(cmd))
	return raw, nil
}

func (c *Client) countAdmin(cmd AdminCommand, result string) {
	if c.metrics != nil {
		c.metrics.AdminCommands.WithLabelValues(string(cmd), result).Inc()
	}
}

// SetCapital sets the instance's working capital.
func (c *Client) SetCapital(ctx context.Context, inst model.InstanceRef, capital float64, token string) error {
	_, err := c.Admin(ctx, inst, AdminCapital, CapitalRequest{Capital: capital}, token)
	return err
}

// SetMIS toggles MIS mode.
func (c *Client) SetMIS(ctx context.Context, inst model.InstanceRef, enabled bool, token string) error {
	_, err := c.Admin(ctx, inst, AdminMIS, MISRequest{Enabled: enabled}, token)
	return err
}

// ExitPosition exits one position; qty nil means full exit.
func (c *Client) ExitPosition(ctx context.Context, inst model.InstanceRef, symbol string, qty *int64, token string) error {
	_, err := c.Admin(ctx, inst, AdminExit, ExitRequest{Symbol: symbol, Qty: qty}, token)
	return err
}

// ExitAll exits every open position with the given reason.
func (c *Client) ExitAll(ctx context.Context, inst model.InstanceRef, reason string, token string) error {
	if reason == "" {
		reason = "manual_exit"
	}
	_, err := c.Admin(ctx, inst, AdminExitAll, ReasonRequest{Reason: reason}, token)
	return err
}

// Pause stops new entries; existing positions continue to be monitored.
func (c *Client) Pause(ctx context.Context, inst model.InstanceRef, reason string, token string) error {
	if reason == "" {
		reason = "manual_pause"
	}
	_, err := c.Admin(ctx, inst, AdminPause, ReasonRequest{Reason: reason}, token)
	return err
}

// Resume transitions a paused engine back to trading.
func (c *Client) Resume(ctx context.Context, inst model.InstanceRef, token string) error {
	_, err := c.Admin(ctx, inst, AdminResume, nil, token)
	return err
}

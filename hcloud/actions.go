package hcloud

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Action statuses.
const (
	ActionStatusRunning = "running"
	ActionStatusSuccess = "success"
	ActionStatusError   = "error"
)

// Action is an in-flight asynchronous provider operation. Actions are not
// persisted locally; they are polled directly until terminal.
type Action struct {
	ID       int64  `json:"id"`
	Command  string `json:"command"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`

	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// GetAction fetches one action by id.
func (c *Client) GetAction(ctx context.Context, id int64) (*Action, error) {
	var result struct {
		Action *Action `json:"action"`
	}
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/actions/%d", id), nil, &result); err != nil {
		return nil, fmt.Errorf("get action %d: %w", id, err)
	}
	return result.Action, nil
}

// WaitForAction polls an action until it reaches a terminal state. An error
// status is surfaced as *APIError with the provider's message; exceeding the
// timeout raises *TimeoutError.
func (c *Client) WaitForAction(ctx context.Context, id int64, timeout, interval time.Duration) (*Action, error) {
	deadline := time.Now().Add(timeout)

	for {
		action, err := c.GetAction(ctx, id)
		if err != nil {
			return nil, err
		}

		switch action.Status {
		case ActionStatusSuccess:
			return action, nil
		case ActionStatusError:
			code, message := "unknown", "action failed"
			if action.Error != nil {
				code, message = action.Error.Code, action.Error.Message
			}
			return nil, &APIError{Code: code, Message: fmt.Sprintf("action %s: %s", action.Command, message), HTTPStatus: http.StatusOK}
		}

		if time.Now().After(deadline) {
			return nil, &TimeoutError{Op: fmt.Sprintf("wait for action %d (%s)", id, action.Command), Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// WaitForServerRunning polls a server until it reports running. If the
// server is observed off, exactly one power-on is issued on the first
// observation (not per poll tick) and polling continues. An unknown status
// is fatal immediately; exceeding the timeout raises *TimeoutError.
func (c *Client) WaitForServerRunning(ctx context.Context, id int64, timeout, interval time.Duration) (*Server, error) {
	deadline := time.Now().Add(timeout)
	powerOnAttempted := false

	for {
		server, err := c.GetServer(ctx, id)
		if err != nil {
			return nil, err
		}

		switch server.Status {
		case ServerStatusRunning:
			return server, nil
		case ServerStatusUnknown:
			return nil, &APIError{Code: "server_unknown_status", Message: fmt.Sprintf("server %d entered unknown status", id), HTTPStatus: http.StatusOK}
		case ServerStatusOff:
			if !powerOnAttempted {
				powerOnAttempted = true
				c.log.Info("Server is off, issuing power-on", "serverID", id)
				if _, err := c.PowerOnServer(ctx, id); err != nil {
					return nil, fmt.Errorf("power on server %d: %w", id, err)
				}
			}
		}

		if time.Now().After(deadline) {
			return nil, &TimeoutError{Op: fmt.Sprintf("wait for server %d running", id), Timeout: timeout}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

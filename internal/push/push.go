// Package push dispatches and receives call notifications.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("push")

// Notification is the body posted to the notifier service when a call starts.
type Notification struct {
	RecipientID string `json:"recipientId"`
	CallerID    string `json:"callerId"`
	CallerName  string `json:"callerName"`
	RoomID      string `json:"roomId"`
}

// Dispatcher sends notifications without waiting for the outcome.
type Dispatcher interface {
	Dispatch(n Notification)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Dispatch(Notification) {}

// Client posts notifications to an HTTP notifier endpoint.
type Client struct {
	url  string
	http *http.Client

	// OnResult, if set, observes the outcome of each dispatched notification.
	OnResult func(Notification, error)
}

func NewClient(url string, timeout time.Duration) *Client {
	return &Client{url: url, http: &http.Client{Timeout: timeout}}
}

// Notify posts n and waits for the notifier's answer.
func (c *Client) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notifier returned %s", resp.Status)
	}
	return nil
}

// Dispatch sends n in the background. Failures are logged only.
func (c *Client) Dispatch(n Notification) {
	go func() {
		err := c.Notify(context.Background(), n)
		if err != nil {
			log.Warnf("notify %s of call from %s: %v", n.RecipientID, n.CallerID, err)
		} else {
			log.Debugf("notified %s of call from %s", n.RecipientID, n.CallerID)
		}
		if c.OnResult != nil {
			c.OnResult(n, err)
		}
	}()
}

// Package dispatch forwards extracted command payloads to the side-effect
// collaborators (CRM lead intake, SMS gateway, price-alert service).
//
// Dispatch is fire-and-forget: calls run in the background on their own
// timeout, failures are logged and never surface to the chat UI mid-stream.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/wakeside/skipper/internal/command"
	"github.com/wakeside/skipper/internal/log"
)

// requestTimeout bounds one webhook delivery attempt.
const requestTimeout = 10 * time.Second

// Endpoints maps command tags to webhook URLs. A missing entry means the
// command type has no collaborator configured and is dropped with a log.
type Endpoints struct {
	Lead       string // LEAD_CAPTURE
	SMS        string // SEND_SMS
	PriceAlert string // PRICE_ALERT
	Financing  string // FINANCING_CTA (analytics sink; optional)
}

func (e Endpoints) forTag(tag command.Tag) string {
	switch tag {
	case command.TagLeadCapture:
		return e.Lead
	case command.TagSendSMS:
		return e.SMS
	case command.TagPriceAlert:
		return e.PriceAlert
	case command.TagFinancing:
		return e.Financing
	default:
		return ""
	}
}

// Dispatcher delivers payloads over HTTP. Safe for concurrent use.
type Dispatcher struct {
	client    *http.Client
	endpoints Endpoints
	logger    log.Logger

	wg sync.WaitGroup
}

// New creates a Dispatcher. client may be nil to use a default.
func New(client *http.Client, endpoints Endpoints, logger log.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: requestTimeout}
	}
	return &Dispatcher{client: client, endpoints: endpoints, logger: logger}
}

// Dispatch delivers one payload in the background and returns immediately.
func (d *Dispatcher) Dispatch(cmd command.Command) {
	url := d.endpoints.forTag(cmd.Tag())
	if url == "" {
		d.logger.Debug("no endpoint for command, dropping", "tag", cmd.Tag())
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.deliver(url, cmd); err != nil {
			d.logger.Warn("command dispatch failed",
				"tag", cmd.Tag(),
				"error", err)
		}
	}()
}

// Wait blocks until all in-flight deliveries finish. Call on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(url string, cmd command.Command) error {
	body, err := json.Marshal(struct {
		Tag     command.Tag     `json:"tag"`
		Payload command.Command `json:"payload"`
	}{Tag: cmd.Tag(), Payload: cmd})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", url, resp.StatusCode)
	}

	d.logger.Debug("command dispatched", "tag", cmd.Tag())
	return nil
}

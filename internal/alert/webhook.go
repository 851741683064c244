package alert

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
)

var (
	httpClient   = &http.Client{Timeout: requestTimeout}
	retryBackoff = time.Second
)

// errRejected marks a 4xx response, which is not retried.
var errRejected = errors.New("webhook rejected")

// Send posts an alert event to a webhook endpoint with retry on 5xx
// and transport errors.
func Send(cfg AlertConfig, event AlertEvent) error {
	return sendWith(httpClient, cfg, event)
}

func sendWith(client *http.Client, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * retryBackoff)
		}
		lastErr = post(client, cfg, body)
		if lastErr == nil || errors.Is(lastErr, errRejected) {
			return lastErr
		}
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, lastErr)
}

func post(client *http.Client, cfg AlertConfig, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: bad request: %v", errRejected, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "dataguard-alert")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode < 500:
		return fmt.Errorf("%w: HTTP %d", errRejected, resp.StatusCode)
	default:
		return fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}
}

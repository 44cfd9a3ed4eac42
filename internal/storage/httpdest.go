package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"argus/pkg/models"
)

// HTTPDestination forwards events as JSON bodies to an external endpoint.
type HTTPDestination struct {
	name    string
	url     string
	method  string
	headers map[string]string
	client  *http.Client
}

func NewHTTPDestination(name, url, method string, headers map[string]string) (*HTTPDestination, error) {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	case "":
		method = http.MethodPost
	default:
		return nil, fmt.Errorf("unsupported HTTP destination method %q", method)
	}
	return &HTTPDestination{
		name:    name,
		url:     url,
		method:  method,
		headers: headers,
		client:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (d *HTTPDestination) Name() string { return d.name }

func (d *HTTPDestination) Store(ctx context.Context, event *models.Event) (int, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	req, err := http.NewRequestWithContext(ctx, d.method, d.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", d.method, d.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("%s %s: status %d: %s", d.method, d.url, resp.StatusCode, string(respBody))
	}
	io.Copy(io.Discard, resp.Body)
	return len(body), nil
}

func (d *HTTPDestination) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.url, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

func (d *HTTPDestination) Close() error { return nil }

package diag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// APISink buffers events and POSTs them as a JSON array on Flush. Events
// that fail to send are dropped.
type APISink struct {
	endpoint string
	client   *http.Client

	mu      sync.Mutex
	pending []Event
}

func NewAPISink(endpoint string, timeout time.Duration) (*APISink, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("diagnostics api endpoint %q must be an http(s) URL", endpoint)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &APISink{endpoint: endpoint, client: &http.Client{Timeout: timeout}}, nil
}

func (s *APISink) Record(e Event) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()
}

func (s *APISink) Flush() error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode diagnostics: %w", err)
	}
	resp, err := s.client.Post(s.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send diagnostics: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send diagnostics: %s", resp.Status)
	}
	return nil
}

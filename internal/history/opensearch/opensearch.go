package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/buildrun/internal/history"
)

// Sink stores records in monthly indices named <prefix>-YYYY.MM. A record with
// an ID is written to <index>/_doc/<ID> with PUT, so a resent record replaces
// its earlier copy instead of duplicating it.
type Sink struct {
	client  *http.Client
	baseURL string
	prefix  string
}

func New(baseURL, prefix string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), prefix: prefix}
}

// indexFor names the index a record occurring at t lands in.
func (s *Sink) indexFor(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return s.prefix + "-" + t.UTC().Format("2006.01")
}

func (s *Sink) Send(ctx context.Context, r history.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	method := http.MethodPost
	u := fmt.Sprintf("%s/%s/_doc", s.baseURL, s.indexFor(r.OccurredAt))
	if r.ID != "" {
		method = http.MethodPut
		u += "/" + url.PathEscape(r.ID)
	}
	resp, err := s.do(ctx, method, u, b)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source history.Record `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Recent searches every monthly index, newest record first.
func (s *Sink) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	q, err := json.Marshal(map[string]any{
		"size": limit,
		"sort": []any{map[string]any{"occurred_at": map[string]string{"order": "desc"}}},
	})
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/%s-*/_search?ignore_unavailable=true&allow_no_indices=true", s.baseURL, s.prefix)
	resp, err := s.do(ctx, http.MethodPost, u, q)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode opensearch response: %w", err)
	}
	out := make([]history.Record, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

func (s *Sink) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return resp, nil
}

// Package stats fetches per-identity statistics used to enrich prompts.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// DefaultTimeout bounds a single stats lookup.
const DefaultTimeout = 3 * time.Second

// Snapshot is one identity's statistics as returned by the collaborator.
type Snapshot struct {
	Identity string
	Fields   map[string]any
}

// Render formats the snapshot as sorted "key: value" lines.
// Output is deterministic for equal snapshots.
func (s *Snapshot) Render() string {
	if s == nil || len(s.Fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(formatValue(s.Fields[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case json.Number:
		return val.String()
	case bool, float64, int, int64:
		return fmt.Sprint(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
}

// Provider fetches statistics for an identity. Any error means "no stats".
type Provider interface {
	FetchStats(ctx context.Context, identity string) (*Snapshot, error)
}

// Nop is a Provider that never has stats.
type Nop struct{}

// FetchStats implements Provider.
func (Nop) FetchStats(context.Context, string) (*Snapshot, error) { return nil, nil }

// HTTPProvider GETs {baseURL}/{identity} and expects a flat JSON object.
type HTTPProvider struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPProvider creates an HTTP stats provider. timeout <= 0 uses DefaultTimeout.
func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchStats implements Provider.
func (p *HTTPProvider) FetchStats(ctx context.Context, identity string) (*Snapshot, error) {
	endpoint := p.baseURL + "/" + url.PathEscape(identity)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create stats request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stats request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("stats request failed with status %d: %s", resp.StatusCode, string(body))
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
	dec.UseNumber()
	fields := map[string]any{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &Snapshot{Identity: identity, Fields: fields}, nil
}

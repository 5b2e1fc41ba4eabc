package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRenderIsSortedAndStable(t *testing.T) {
	s := &Snapshot{Fields: map[string]any{
		"plants":  float64(12),
		"level":   "gold",
		"active":  true,
		"rewards": []any{"seed", "pot"},
	}}
	want := "active: true\nlevel: gold\nplants: 12\nrewards: [\"seed\",\"pot\"]"
	if got := s.Render(); got != want {
		t.Fatalf("render:\n%s\nwant:\n%s", got, want)
	}
	if (*Snapshot)(nil).Render() != "" {
		t.Fatal("nil snapshot should render empty")
	}
}

func TestHTTPProviderFetchesIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/players/0xabc" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"plants": 12, "harvests": 3}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/players/", time.Second)
	snap, err := p.FetchStats(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := snap.Render(); got != "harvests: 3\nplants: 12" {
		t.Fatalf("render = %q", got)
	}

	missing, err := p.FetchStats(context.Background(), "0xdef")
	if err != nil || missing != nil {
		t.Fatalf("unknown identity should have no stats: %v %v", missing, err)
	}
}

func TestHTTPProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/slow":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte(`{}`))
		case "/broken":
			_, _ = w.Write([]byte(`not json`))
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, 50*time.Millisecond)
	for _, identity := range []string{"slow", "broken", "other"} {
		if _, err := p.FetchStats(context.Background(), identity); err == nil {
			t.Fatalf("%s: expected error", identity)
		}
	}
}

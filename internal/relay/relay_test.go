package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/ivlev/gifrelay/internal/config"
)

// rewriter sends every request to a local test server and records the host
// that was originally asked for.
type rewriter struct {
	target *url.URL

	mu    sync.Mutex
	hosts []string
}

func (rw *rewriter) RoundTrip(req *http.Request) (*http.Response, error) {
	rw.mu.Lock()
	rw.hosts = append(rw.hosts, req.URL.Host)
	rw.mu.Unlock()

	out := req.Clone(req.Context())
	out.URL.Scheme = rw.target.Scheme
	out.URL.Host = rw.target.Host
	out.Host = req.URL.Host
	return http.DefaultTransport.RoundTrip(out)
}

func (rw *rewriter) seen() []string {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return append([]string(nil), rw.hosts...)
}

const tenorPage = `<html><head><title>x</title></head><body>
<div class="Gif"><img src="https://media.tenor.com/abc/cat.gif?x=1&amp;y=2" alt="cat" width="220"></div>
<img src="https://media.tenor.com/other.gif">
</body></html>`

func newTestRelay(t *testing.T, mux *http.ServeMux) (*Relay, *rewriter) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	target, _ := url.Parse(srv.URL)
	rw := &rewriter{target: target}

	cfg := config.Default()
	cfg.MaxBodyBytes = 1024
	return New(cfg, rw), rw
}

func testMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/attachments/cat.gif", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/gif")
		w.Write([]byte("GIF89a-bytes"))
	})
	mux.HandleFunc("/attachments/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html></html>"))
	})
	mux.HandleFunc("/attachments/big.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte(strings.Repeat("x", 2048)))
	})
	mux.HandleFunc("/attachments/gone.gif", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	mux.HandleFunc("/attachments/hop.gif", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://evil.example.com/x.gif", http.StatusFound)
	})
	mux.HandleFunc("/view/cat-123", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(tenorPage))
	})
	mux.HandleFunc("/view/empty", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>nothing here</body></html>"))
	})
	mux.HandleFunc("/abc/cat.gif", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RawQuery != "x=1&y=2" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/gif")
		w.Write([]byte("tenor-gif"))
	})
	return mux
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in       string
		wantHost string
		wantErr  bool
	}{
		{"/https://cdn.discordapp.com/a/b.gif", "cdn.discordapp.com", false},
		{"/https://cdn.discordapp.com/a/b.gif?ex=1&hm=2", "cdn.discordapp.com", false},
		{"/http://tenor.com/view/x", "tenor.com", false},
		{"https://cdn.discordapp.com:443/a.gif", "cdn.discordapp.com", false},
		{"/", "", true},
		{"/not a url", "", true},
		{"/ftp://cdn.discordapp.com/a.gif", "", true},
		{"/https:///a.gif", "", true},
		{"/cdn.discordapp.com/a.gif", "", true},
	}
	for _, tt := range tests {
		u, err := ParseTarget(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrRejected) {
				t.Errorf("ParseTarget(%q): expected ErrRejected, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTarget(%q) failed: %v", tt.in, err)
			continue
		}
		if u.Hostname() != tt.wantHost {
			t.Errorf("ParseTarget(%q): expected host %s, got %s", tt.in, tt.wantHost, u.Hostname())
		}
	}
}

func TestAllowlist(t *testing.T) {
	a := NewAllowlist(config.DefaultAllowedHosts...)
	tests := []struct {
		raw  string
		want bool
	}{
		{"https://cdn.discordapp.com/a.gif", true},
		{"https://CDN.Discordapp.com/a.gif", true},
		{"https://cdn.discordapp.com:8443/a.gif", true},
		{"https://media.tenor.com/a.gif", true},
		{"https://tenor.com/view/x", true},
		{"https://evilcdn.discordapp.com.attacker.com/a.gif", false},
		{"https://cdn.discordapp.com.attacker.com/a.gif", false},
		{"https://x.cdn.discordapp.com/a.gif", false},
		{"https://media1.tenor.com/a.gif", false},
		{"https://example.com/cdn.discordapp.com", false},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		if err != nil {
			t.Fatal(err)
		}
		if got := a.Allowed(u); got != tt.want {
			t.Errorf("Allowed(%s) = %v, expected %v", tt.raw, got, tt.want)
		}
	}
	if a.Allowed(nil) {
		t.Error("nil URL must not be allowed")
	}
}

func TestRegexpResolver(t *testing.T) {
	u, err := RegexpResolver{}.Resolve([]byte(tenorPage))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := u.String(); got != "https://media.tenor.com/abc/cat.gif?x=1&y=2" {
		t.Errorf("Expected first media link, got %s", got)
	}

	misses := []string{
		"",
		"<html><body>no images</body></html>",
		`<img src="https://cdn.example.com/a.gif">`,
		`<a href="https://media.tenor.com/a.gif">link</a>`,
	}
	for _, page := range misses {
		if _, err := (RegexpResolver{}).Resolve([]byte(page)); !errors.Is(err, ErrNoMedia) {
			t.Errorf("Resolve(%q): expected ErrNoMedia, got %v", page, err)
		}
	}
}

func TestFetchImage(t *testing.T) {
	r, rw := newTestRelay(t, testMux())

	m, err := r.Fetch(context.Background(), "/https://cdn.discordapp.com/attachments/cat.gif")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(m.Data) != "GIF89a-bytes" {
		t.Errorf("Unexpected body %q", m.Data)
	}
	if m.ContentType != "image/gif" {
		t.Errorf("Expected image/gif, got %s", m.ContentType)
	}
	if hosts := rw.seen(); len(hosts) != 1 || hosts[0] != "cdn.discordapp.com" {
		t.Errorf("Expected a single request to cdn.discordapp.com, got %v", hosts)
	}
}

func TestFetchRejectsBeforeNetwork(t *testing.T) {
	r, rw := newTestRelay(t, testMux())

	targets := []string{
		"/https://evilcdn.discordapp.com.attacker.com/a.gif",
		"/https://example.com/a.gif",
		"/ftp://cdn.discordapp.com/a.gif",
		"/garbage",
	}
	for _, target := range targets {
		_, err := r.Fetch(context.Background(), target)
		if !errors.Is(err, ErrRejected) {
			t.Errorf("Fetch(%s): expected ErrRejected, got %v", target, err)
		}
	}
	if hosts := rw.seen(); len(hosts) != 0 {
		t.Errorf("Expected no network I/O, got requests to %v", hosts)
	}
}

func TestFetchResolvesRedirectHost(t *testing.T) {
	r, rw := newTestRelay(t, testMux())

	m, err := r.Fetch(context.Background(), "/https://tenor.com/view/cat-123")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(m.Data) != "tenor-gif" {
		t.Errorf("Expected resolved media body, got %q", m.Data)
	}
	hosts := rw.seen()
	if len(hosts) != 2 || hosts[0] != "tenor.com" || hosts[1] != "media.tenor.com" {
		t.Errorf("Expected page then media fetch, got %v", hosts)
	}
}

func TestFetchErrors(t *testing.T) {
	r, _ := newTestRelay(t, testMux())

	tests := []struct {
		target string
		want   error
	}{
		{"/https://cdn.discordapp.com/attachments/page.html", ErrNotImage},
		{"/https://cdn.discordapp.com/attachments/big.png", ErrTooLarge},
		{"/https://cdn.discordapp.com/attachments/gone.gif", ErrUpstreamStatus},
		{"/https://cdn.discordapp.com/attachments/hop.gif", ErrRejected},
		{"/https://tenor.com/view/empty", ErrNoMedia},
		{"/https://tenor.com/view/missing", ErrUpstreamStatus},
	}
	for _, tt := range tests {
		_, err := r.Fetch(context.Background(), tt.target)
		if !errors.Is(err, tt.want) {
			t.Errorf("Fetch(%s): expected %v, got %v", tt.target, tt.want, err)
		}
	}
}

func TestFetchResolvedHostMustBeAllowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/view/x", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<img src="https://media.evil.example/cat.gif">`))
	})
	r, rw := newTestRelay(t, mux)

	_, err := r.Fetch(context.Background(), "/https://tenor.com/view/x")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", err)
	}
	if hosts := rw.seen(); len(hosts) != 1 {
		t.Errorf("Expected only the page fetch, got %v", hosts)
	}
}

func TestFetchHonoursContext(t *testing.T) {
	r, _ := newTestRelay(t, testMux())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Fetch(ctx, "/https://cdn.discordapp.com/attachments/cat.gif")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/ivlev/gifrelay/internal/config"
)

var (
	ErrRejected       = errors.New("target rejected")
	ErrUpstreamStatus = errors.New("upstream returned non-2xx status")
	ErrNotImage       = errors.New("upstream did not return an image")
	ErrTooLarge       = errors.New("upstream body too large")
)

// Media is a fetched upstream body.
type Media struct {
	URL         *url.URL
	ContentType string
	Data        []byte
}

// Relay validates a requested target against the allowlist and retrieves it.
// Requests for the redirect host go through a page scrape first.
type Relay struct {
	Allowlist    Allowlist
	RedirectHost string
	Resolver     MediaResolver
	Client       *http.Client
	MaxBodyBytes int64
	UserAgent    string
}

// New builds a Relay from cfg. rt may be nil to use http.DefaultTransport.
// Redirects are followed only while they stay on allowed hosts.
func New(cfg *config.Config, rt http.RoundTripper) *Relay {
	if rt == nil {
		rt = http.DefaultTransport
	}
	r := &Relay{
		Allowlist:    NewAllowlist(cfg.AllowedHosts...),
		RedirectHost: strings.ToLower(cfg.RedirectHost),
		Resolver:     RegexpResolver{},
		MaxBodyBytes: cfg.MaxBodyBytes,
		UserAgent:    cfg.UserAgent,
	}
	r.Client = &http.Client{
		Transport: rt,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			if !r.Allowlist.Allowed(req.URL) {
				return fmt.Errorf("%w: redirect to %s", ErrRejected, req.URL.Host)
			}
			return nil
		},
	}
	return r
}

// ParseTarget turns a request URI such as "/https://host/a.gif?x=1" into the
// absolute target URL.
func ParseTarget(requestURI string) (*url.URL, error) {
	raw := strings.TrimPrefix(requestURI, "/")
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrRejected, u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrRejected)
	}
	return u, nil
}

// Fetch resolves requestURI to an image. No network I/O happens for targets
// outside the allowlist.
func (r *Relay) Fetch(ctx context.Context, requestURI string) (*Media, error) {
	u, err := ParseTarget(requestURI)
	if err != nil {
		return nil, err
	}
	if !r.Allowlist.Allowed(u) {
		return nil, fmt.Errorf("%w: host %q not allowed", ErrRejected, u.Hostname())
	}

	if r.RedirectHost != "" && strings.EqualFold(u.Hostname(), r.RedirectHost) {
		page, err := r.get(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("resolve page: %w", err)
		}
		mediaURL, err := r.Resolver.Resolve(page.Data)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", u, err)
		}
		if !r.Allowlist.Allowed(mediaURL) {
			return nil, fmt.Errorf("%w: resolved host %q not allowed", ErrRejected, mediaURL.Hostname())
		}
		log.Printf("[*] Resolved %s -> %s", u, mediaURL)
		u = mediaURL
	}

	m, err := r.get(ctx, u)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(m.ContentType, "image") {
		return nil, fmt.Errorf("%w: content-type %q", ErrNotImage, m.ContentType)
	}
	return m, nil
}

func (r *Relay) get(ctx context.Context, u *url.URL) (*Media, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if r.UserAgent != "" {
		req.Header.Set("User-Agent", r.UserAgent)
	}

	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("%w: %s from %s", ErrUpstreamStatus, resp.Status, u)
	}

	limit := r.MaxBodyBytes
	if limit <= 0 {
		limit = config.DefaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrTooLarge, limit, u)
	}

	return &Media{
		URL:         resp.Request.URL,
		ContentType: resp.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ivlev/gifrelay/internal/config"
	"github.com/ivlev/gifrelay/internal/effects"
	"github.com/ivlev/gifrelay/internal/engine"
	"github.com/ivlev/gifrelay/internal/relay"
	"github.com/ivlev/gifrelay/internal/renderer"
	"github.com/ivlev/gifrelay/internal/source"
	"github.com/ivlev/gifrelay/internal/video"
)

const HealthPath = "/healthz"

var (
	ErrMethod       = errors.New("method not allowed")
	ErrOverCapacity = errors.New("too many requests in flight")
)

// Server answers GET /<absolute-url> with the target image re-encoded as an
// overlaid GIF. Every failure is answered with the configured fallback body.
type Server struct {
	cfg      *config.Config
	relay    *relay.Relay
	overlays *renderer.Cache
	encoder  video.Encoder
	workers  int
	effect   func(*renderer.Overlay) effects.Effect

	// nil when max_in_flight is 0
	admission *semaphore.Weighted
}

type outcome struct {
	res *engine.Result
	err error
}

func New(cfg *config.Config, rl *relay.Relay, overlays *renderer.Cache, workers int) *Server {
	s := &Server{
		cfg:      cfg,
		relay:    rl,
		overlays: overlays,
		encoder:  &video.GIFEncoder{},
		workers:  workers,
		effect: func(o *renderer.Overlay) effects.Effect {
			return effects.NewOverlayEffect(o, cfg.MaxDimension)
		},
	}
	if cfg.MaxInFlight > 0 {
		s.admission = semaphore.NewWeighted(int64(cfg.MaxInFlight))
	}
	return s
}

// Run serves on cfg.Listen until ctx is cancelled, then drains in-flight
// requests for at most one request timeout.
func (s *Server) Run(ctx context.Context) error {
	hs := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Printf("[*] Shutting down, waiting up to %s for open requests", s.cfg.RequestTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == HealthPath {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
		return
	}

	target := r.URL.RequestURI()
	if r.Method != http.MethodGet {
		s.fail(w, target, ErrMethod)
		return
	}

	if s.admission != nil && !s.admission.TryAcquire(1) {
		s.fail(w, target, ErrOverCapacity)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	// The work keeps its admission slot until it actually stops, which may be
	// after the handler has given up on it.
	done := make(chan outcome, 1)
	go func() {
		defer s.release()
		done <- s.run(ctx, target)
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// No partial response: the connection is dropped.
		log.Printf("[!] %s: timed out after %s", target, s.cfg.RequestTimeout)
		panic(http.ErrAbortHandler)
	}
	if r.Context().Err() != nil {
		log.Printf("[!] %s: client went away", target)
		return
	}
	if out.err != nil {
		s.fail(w, target, out.err)
		return
	}

	res := out.res
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)
	w.Write(res.Data)
}

func (s *Server) release() {
	if s.admission != nil {
		s.admission.Release(1)
	}
}

// run is process with panics turned into errors; it runs outside the
// goroutine net/http recovers for.
func (s *Server) run(ctx context.Context, target string) (out outcome) {
	defer func() {
		if v := recover(); v != nil {
			out = outcome{err: fmt.Errorf("panic while processing: %v", v)}
		}
	}()
	out.res, out.err = s.process(ctx, target)
	return out
}

func (s *Server) process(ctx context.Context, target string) (*engine.Result, error) {
	media, err := s.relay.Fetch(ctx, target)
	if err != nil {
		return nil, err
	}

	overlay, err := s.overlays.Get()
	if err != nil {
		return nil, fmt.Errorf("overlay: %w", err)
	}

	p := engine.NewPipeline(s.effect(overlay), s.encoder, s.workers)
	p.ShowStats = s.cfg.ShowStats
	p.Limits = source.Limits{
		MaxDecodedPixels: s.cfg.MaxDecodedPixels,
		MaxDimension:     s.cfg.MaxDimension,
	}
	res, err := p.Process(ctx, media.Data, media.ContentType)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", media.URL, err)
	}
	return res, nil
}

func (s *Server) fail(w http.ResponseWriter, target string, err error) {
	status := http.StatusOK
	if s.cfg.StrictStatus {
		status = StatusFor(err)
	}
	log.Printf("[!] %s: %v", target, err)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(s.cfg.FallbackBody))
}

// StatusFor maps a request failure to the status used in strict mode.
func StatusFor(err error) int {
	var netErr *url.Error
	switch {
	case errors.Is(err, ErrMethod):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrOverCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrRejected):
		return http.StatusForbidden
	case errors.Is(err, relay.ErrNotImage),
		errors.Is(err, source.ErrUndecodable),
		errors.Is(err, source.ErrCanvasTooBig),
		errors.Is(err, engine.ErrNoFrames):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, relay.ErrUpstreamStatus),
		errors.Is(err, relay.ErrTooLarge),
		errors.Is(err, relay.ErrNoMedia),
		errors.As(err, &netErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

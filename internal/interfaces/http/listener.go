package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"banksync/internal/domain/openbanking"
	"banksync/internal/infrastructure/gocardless"
	"banksync/internal/shared/middleware"
)

const defaultShutdownTimeout = 10 * time.Second

var errConsentGiven = errors.New("consent given")

// ListenerOptions configures a CallbackListener.
type ListenerOptions struct {
	Mode            string
	ConsentTimeout  time.Duration // zero waits until the context ends
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// CallbackListener is the short-lived HTTP server that receives the consent
// redirect. The socket is bound by Listen so that bind failures surface
// before a requisition is created.
type CallbackListener struct {
	ln     net.Listener
	client RequisitionGetter
	opts   ListenerOptions
}

// Ensure CallbackListener implements openbanking.ConsentWaiter
var _ openbanking.ConsentWaiter = (*CallbackListener)(nil)

// Listen binds addr.
func Listen(addr string, client RequisitionGetter, opts ListenerOptions) (*CallbackListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback listener on %s: %w", addr, err)
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &CallbackListener{ln: ln, client: client, opts: opts}, nil
}

// Addr is the bound address.
func (l *CallbackListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close releases the socket. It is safe to call after WaitForConsent.
func (l *CallbackListener) Close() error {
	if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// WaitForConsent serves callbacks for req until one observes it linked, the
// consent timeout passes, or ctx ends. The server is shut down gracefully
// before it returns: in-flight callbacks complete, new ones are refused.
func (l *CallbackListener) WaitForConsent(ctx context.Context, req *gocardless.Requisition) error {
	linkedCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	waitCtx := linkedCtx
	if l.opts.ConsentTimeout > 0 {
		var stop context.CancelFunc
		waitCtx, stop = context.WithTimeoutCause(linkedCtx, l.opts.ConsentTimeout, openbanking.ErrConsentTimeout)
		defer stop()
	}

	logger := l.opts.Logger.With("requisition_id", req.ID)
	handler := NewCallbackHandler(req.ID, l.client, func() { cancel(errConsentGiven) }, l.opts.Mode, logger)

	mux := http.NewServeMux()
	mux.Handle("GET /", handler)

	srv := &http.Server{
		Handler: middleware.Chain(mux,
			middleware.Telemetry("consent-callback"),
			middleware.Outcomes,
			middleware.Logging(logger),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(waitCtx)
	g.Go(func() error {
		logger.Info("waiting for consent callback", "addr", l.ln.Addr().String())
		if err := srv.Serve(l.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("callback server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down callback server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	cause := context.Cause(waitCtx)
	switch {
	case errors.Is(cause, errConsentGiven):
		return nil
	case errors.Is(cause, openbanking.ErrConsentTimeout):
		return openbanking.ErrConsentTimeout
	default:
		return fmt.Errorf("stopped waiting for consent: %w", cause)
	}
}

package listener

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/lib/pq"
)

const (
	// ChannelName is the NOTIFY channel for on-demand syncs. The payload names
	// the provider, e.g. NOTIFY banksync_sync_requested, 'monzo'.
	ChannelName       = "banksync_sync_requested"
	reconnectInterval = 5 * time.Second
	pingInterval      = 90 * time.Second
)

// SyncRequestListener turns notifications on ChannelName into sync requests.
type SyncRequestListener struct {
	connStr string
	request func(ctx context.Context, provider string)
	logger  *slog.Logger
	done    chan struct{}
}

// NewSyncRequestListener creates a listener that calls request with the
// provider named by each notification.
func NewSyncRequestListener(connStr string, request func(ctx context.Context, provider string), logger *slog.Logger) *SyncRequestListener {
	return &SyncRequestListener{
		connStr: connStr,
		request: request,
		logger:  logger.With("channel", ChannelName),
		done:    make(chan struct{}),
	}
}

// Start listens in a background goroutine until ctx is done.
func (l *SyncRequestListener) Start(ctx context.Context) {
	go l.listen(ctx)
}

// Wait blocks until the listener has stopped.
func (l *SyncRequestListener) Wait() {
	<-l.done
}

func (l *SyncRequestListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		l.connectAndListen(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			l.logger.Info("reconnecting to PostgreSQL for notifications")
		}
	}
}

func (l *SyncRequestListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			l.logger.Info("connected to notification channel")
		case pq.ListenerEventDisconnected:
			l.logger.Warn("disconnected from notification channel", "error", err)
		case pq.ListenerEventReconnected:
			l.logger.Info("reconnected to notification channel")
		case pq.ListenerEventConnectionAttemptFailed:
			l.logger.Warn("notification connection attempt failed", "error", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(ChannelName); err != nil {
		l.logger.Error("failed to listen", "error", err)
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case n := <-listener.Notify:
			if n == nil {
				// Connection lost; reconnect.
				return
			}
			l.handle(ctx, n)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				l.logger.Warn("listener ping failed", "error", err)
				return
			}
		}
	}
}

func (l *SyncRequestListener) handle(ctx context.Context, n *pq.Notification) {
	provider := ParseProvider(n.Extra)
	if provider == "" {
		l.logger.Warn("ignoring notification without provider name")
		return
	}
	l.logger.Info("sync requested", "provider", provider, "pid", n.BePid)
	l.request(ctx, provider)
}

// ParseProvider extracts the provider name from a notification payload,
// either a bare name or an object like {"provider": "monzo"}. It returns ""
// for payloads naming no provider.
func ParseProvider(payload string) string {
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, "{") {
		return payload
	}

	var req struct {
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return ""
	}
	return strings.TrimSpace(req.Provider)
}

package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/pkg/logger"
)

// Listener serves the media-stream websocket on its own port. The REST
// surface runs on fasthttp, which cannot host a standard websocket
// upgrade, so stream traffic gets a plain net/http listener.
type Listener struct {
	endpoint *Endpoint
	srv      *http.Server
	lg       *logger.Logger
}

// NewListener builds the stream listener on the given port.
func NewListener(endpoint *Endpoint, port int, lg *logger.Logger) *Listener {
	l := &Listener{endpoint: endpoint, lg: lg.Named("stream-listener")}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Providers connect server-to-server; the start-frame token is
		// the authentication boundary, not the origin header.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			l.lg.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		l.endpoint.Serve(r.Context(), conn)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	l.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return l
}

// Start serves until the context is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = l.srv.Shutdown(shutdownCtx)
	}()

	l.lg.Info("stream listener up", zap.String("addr", l.srv.Addr))
	if err := l.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

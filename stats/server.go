package stats

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
)

type Server struct {
	counters *Counters
	router   *mux.Router
	// EventInterval is how often /api/events pushes a snapshot.
	EventInterval time.Duration
	// OriginPatterns are the browser origin hosts besides the server's own allowed
	// to open /api/events. Clients sending no Origin header are always accepted.
	OriginPatterns []string
}

func NewServer(counters *Counters, registry *prometheus.Registry) *Server {
	s := &Server{
		counters:      counters,
		router:        mux.NewRouter(),
		EventInterval: time.Second,
	}

	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	s.router.HandleFunc("/api/stats", func(writer http.ResponseWriter, request *http.Request) {
		writeJson(writer, http.StatusOK, s.counters.Snapshot())
	})

	s.router.HandleFunc("/api/workers/{worker:[^/]+}", func(writer http.ResponseWriter, request *http.Request) {
		name := mux.Vars(request)["worker"]
		if w, ok := s.counters.Snapshot().Worker(name); ok {
			writeJson(writer, http.StatusOK, w)
		} else {
			writeJson(writer, http.StatusNotFound, struct {
				Error string `json:"error"`
			}{Error: "worker not found"})
		}
	})

	s.router.HandleFunc("/api/events", s.events)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJson(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	writer.WriteHeader(status)
	_ = utils.NewJSONEncoder(writer).Encode(v)
}

// events streams a snapshot per EventInterval over a websocket until the client leaves.
func (s *Server) events(writer http.ResponseWriter, request *http.Request) {
	conn, err := websocket.Accept(writer, request, &websocket.AcceptOptions{OriginPatterns: s.OriginPatterns})
	if err != nil {
		utils.Errorf("STATS", "websocket accept: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(request.Context())
	ticker := time.NewTicker(s.EventInterval)
	defer ticker.Stop()

	for {
		buf, err := utils.MarshalJSON(s.counters.Snapshot())
		if err != nil {
			return
		}
		if err = conn.Write(ctx, websocket.MessageText, buf); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-ticker.C:
		}
	}
}

// ListenAndServe serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	utils.Logf("STATS", "Listening on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/flare-foundation/go-flare-common/pkg/logger"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/psyche-network/training-indexer/pkg/aggregate"
	"github.com/psyche-network/training-indexer/pkg/analysis"
	"github.com/psyche-network/training-indexer/pkg/config"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	maxEnvelopeTarget = 10000
)

// Server is the read-only HTTP view over the analysis stores.
type Server struct {
	router  *mux.Router
	stores  map[analysis.Kind][]*analysis.Store
	build   config.BuildConfig
	started time.Time
}

func New(build config.BuildConfig, stores ...*analysis.Store) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		stores:  make(map[analysis.Kind][]*analysis.Store),
		build:   build,
		started: time.Now(),
	}

	for _, store := range stores {
		s.stores[store.Kind] = append(s.stores[store.Kind], store)
	}

	s.router.Use(logRequests)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/runs", s.handleList(analysis.KindRun)).Methods(http.MethodGet)
	s.router.HandleFunc("/runs/{id}", s.handleEntity(analysis.KindRun)).Methods(http.MethodGet)
	s.router.HandleFunc("/pools", s.handleList(analysis.KindPool)).Methods(http.MethodGet)
	s.router.HandleFunc("/pools/{id}", s.handleEntity(analysis.KindPool)).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on address until ctx is cancelled.
func (s *Server) Run(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("API listening on %s", address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "API server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "API shutdown failed")
	}

	return nil
}

type programHealth struct {
	Address  string        `json:"address"`
	Kind     analysis.Kind `json:"kind"`
	Entities int           `json:"entities"`
}

type healthResponse struct {
	Status   string             `json:"status"`
	Build    config.BuildConfig `json:"build"`
	Uptime   string             `json:"uptime"`
	Programs []programHealth    `json:"programs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	res := healthResponse{
		Status:   "ok",
		Build:    s.build,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Programs: []programHealth{},
	}

	for _, kind := range []analysis.Kind{analysis.KindRun, analysis.KindPool} {
		for _, store := range s.stores[kind] {
			var n int
			_ = store.View(func(tx analysis.Tx) error {
				n = tx.Len()
				return nil
			})
			res.Programs = append(res.Programs, programHealth{Address: store.ProgramAddress, Kind: kind, Entities: n})
		}
	}

	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleList(kind analysis.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		summaries := []analysis.Summary{}

		for _, store := range s.stores[kind] {
			_ = store.View(func(tx analysis.Tx) error {
				summaries = append(summaries, tx.Summaries()...)
				return nil
			})
		}

		writeJSON(w, http.StatusOK, summaries)
	}
}

type entityResponse struct {
	*analysis.Entity

	Fresh     bool                          `json:"fresh"`
	Plots     map[string][]aggregate.Series `json:"plots"`
	Envelopes map[string][]aggregate.Bucket `json:"envelopes,omitempty"`
}

func (s *Server) handleEntity(kind analysis.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		envelopeTarget, err := parseEnvelope(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		for _, store := range s.stores[kind] {
			var body []byte
			var found bool

			// The entity is encoded under the read lock, the indexer keeps
			// mutating it otherwise.
			err := store.View(func(tx analysis.Tx) error {
				e, ok := tx.FindByIdentifier(id)
				if !ok {
					return nil
				}
				found = true

				res := entityResponse{
					Entity: e,
					Fresh:  e.IsFresh(),
					Plots:  aggregate.Plot(e),
				}
				if envelopeTarget > 0 {
					res.Envelopes = make(map[string][]aggregate.Bucket, len(e.SamplesByStatName))
					for stat, samples := range e.SamplesByStatName {
						res.Envelopes[stat] = aggregate.Envelope(samples, envelopeTarget)
					}
				}

				var err error
				body, err = json.Marshal(res)
				return err
			})
			if err != nil {
				logger.Errorf("cannot encode %s %s: %v", kind, id, err)
				writeError(w, http.StatusInternalServerError, "cannot encode entity")
				return
			}

			if found {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(body)
				return
			}
		}

		writeError(w, http.StatusNotFound, string(kind)+" "+id+" not found")
	}
}

// parseEnvelope reads ?envelope=N. A bare ?envelope asks for the default
// bucket count, no parameter for none.
func parseEnvelope(r *http.Request) (int, error) {
	values, ok := r.URL.Query()["envelope"]
	if !ok {
		return 0, nil
	}
	if len(values) == 0 || values[0] == "" {
		return aggregate.DefaultEnvelopeTarget, nil
	}

	n, err := strconv.Atoi(values[0])
	if err != nil || n < 1 || n > maxEnvelopeTarget {
		return 0, errors.Errorf("envelope must be a number between 1 and %d", maxEnvelopeTarget)
	}

	return n, nil
}

func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warnf("cannot write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debugf("%s %s in %v", r.Method, r.URL.RequestURI(), time.Since(start))
	})
}

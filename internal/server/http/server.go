// Package httpserver exposes the sync API as JSON over HTTP.
package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gofrs/uuid/v5"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/and161185/lexisync/internal/auth"
	"github.com/and161185/lexisync/internal/convert"
	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/service"
)

// DefaultMaxBody caps request bodies.
const DefaultMaxBody = 16 << 20

// Options configures the handler.
type Options struct {
	JWTKey      []byte
	CORSOrigins []string
	Limiter     *RateLimiter // nil disables rate limiting
	MaxBody     int64
}

// Server wires services into HTTP handlers.
type Server struct {
	sync      service.Syncer
	conflicts service.ConflictResolver
	log       *zap.Logger
	opts      Options
}

// New constructs the HTTP API.
func New(sync service.Syncer, conflicts service.ConflictResolver, log *zap.Logger, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxBody <= 0 {
		opts.MaxBody = DefaultMaxBody
	}
	return &Server{sync: sync, conflicts: conflicts, log: log, opts: opts}
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	authed := Authenticate(s.opts.JWTKey)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)
	mux.Handle("POST /sync", authed(http.HandlerFunc(s.syncSession)))
	mux.Handle("POST /sync/{entityType}", authed(http.HandlerFunc(s.syncEntity)))
	mux.Handle("POST /sync/reset", authed(http.HandlerFunc(s.reset)))
	mux.Handle("POST /sync/conflicts/resolve", authed(http.HandlerFunc(s.resolve)))
	mux.Handle("GET /sync/conflicts", authed(http.HandlerFunc(s.listConflicts)))
	mux.Handle("GET /sync/info", authed(http.HandlerFunc(s.info)))

	var h http.Handler = mux
	if s.opts.Limiter != nil {
		h = s.opts.Limiter.Middleware()(h)
	}
	if len(s.opts.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: s.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         600,
		}).Handler(h)
	}
	return Recover(s.log)(Logging(s.log)(h))
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, convert.Health{Status: "ok"})
}

func (s *Server) syncEntity(w http.ResponseWriter, r *http.Request) {
	var in convert.SyncRequest
	if !s.decode(w, r, &in) {
		return
	}
	req, err := convert.ToBatchRequest(s.user(r), r.PathValue("entityType"), in)
	if err != nil {
		fail(w, r, s.log, err)
		return
	}
	res, err := s.sync.SyncOne(r.Context(), req)
	if err != nil {
		fail(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.FromBatchResult(res))
}

func (s *Server) syncSession(w http.ResponseWriter, r *http.Request) {
	var in convert.SessionRequest
	if !s.decode(w, r, &in) {
		return
	}
	req, err := convert.ToSessionRequest(s.user(r), in)
	if err != nil {
		fail(w, r, s.log, err)
		return
	}
	res, err := s.sync.Sync(r.Context(), req)
	if err != nil {
		fail(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.FromSessionResult(res))
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	var in convert.ResolveRequest
	if !s.decode(w, r, &in) {
		return
	}
	rs, err := convert.ToResolutions(in)
	if err != nil {
		fail(w, r, s.log, err)
		return
	}
	out, err := s.conflicts.Resolve(r.Context(), s.user(r), in.DeviceID, rs)
	if err != nil {
		fail(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, convert.FromResolutionResults(out))
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	includeResolved := false
	if v := q.Get("includeResolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fail(w, r, s.log, fmt.Errorf("%w: includeResolved %q", errs.ErrValidation, v))
			return
		}
		includeResolved = b
	}
	cs, err := s.conflicts.List(r.Context(), s.user(r), !includeResolved)
	if err != nil {
		fail(w, r, s.log, err)
		return
	}
	cs = convert.ForDevice(cs, q.Get("deviceId"))
	writeJSON(w, http.StatusOK, convert.ConflictsResponse{Conflicts: convert.FromConflicts(cs)})
}

func (s *Server) info(w http.ResponseWriter, r *http.Request) {
	info, err := s.sync.Info(r.Context(), s.user(r), r.URL.Query().Get("deviceId"))
	if err != nil {
		fail(w, r, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	var in convert.DeviceRequest
	if !s.decode(w, r, &in) {
		return
	}
	if err := s.sync.Reset(r.Context(), s.user(r), in.DeviceID); err != nil {
		fail(w, r, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// user is set by Authenticate on every protected route.
func (s *Server) user(r *http.Request) uuid.UUID {
	id, _ := auth.UserIDFromCtx(r.Context())
	return id
}

// decode reads a size-capped JSON body; false means the response is already written.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, fmt.Sprintf("request body exceeds %d bytes", tooBig.Limit), http.StatusBadRequest)
			return false
		}
		writeError(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/copyleftdev/hybridml/internal/config"
	errs "github.com/copyleftdev/hybridml/internal/errors"
	"github.com/copyleftdev/hybridml/internal/lil"
	"github.com/copyleftdev/hybridml/internal/lil/hybrid"
	"github.com/copyleftdev/hybridml/internal/lil/models"
	"github.com/copyleftdev/hybridml/internal/lil/partition"
	"github.com/copyleftdev/hybridml/internal/logging"
	"github.com/copyleftdev/hybridml/internal/samples"
)

// Logger defines the logging interface used by the server
// This allows us to be flexible with our logging implementation
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
	Zap() *zap.Logger
}

var (
	// ErrNotFound is returned for unknown estimation ids.
	ErrNotFound = errs.New("estimation not found")
	// ErrRateLimited is returned when job admission is throttled.
	ErrRateLimited = errs.New("too many estimation requests")
	// ErrFinished is returned when cancelling a job that already ended.
	ErrFinished = errs.New("estimation already finished")
)

// StartParams are the parameters of estimation.start.
type StartParams struct {
	Model          string          `json:"model"`
	Prior          json.RawMessage `json:"prior"`
	Samples        [][]float64     `json:"samples,omitempty"`
	NApprox        int             `json:"n_approx,omitempty"`
	BatchSize      int             `json:"batch_size,omitempty"`
	Seed           uint64          `json:"seed,omitempty"`
	Representative string          `json:"representative,omitempty"`
}

// Server implements the HTTP and JSON-RPC server for the estimation service.
// It manages estimation jobs and provides endpoints to start, monitor, and cancel them.
type Server struct {
	cfg     *config.Config
	logger  Logger
	metrics *hybrid.Metrics
	limiter *rate.Limiter
	jobs    *prometheus.CounterVec

	// slots bounds the number of concurrently running estimations
	slots chan struct{}
	seq   atomic.Uint64
	wg    sync.WaitGroup

	estimations   map[string]*EstimationState
	byKey         map[string]string
	estimationsMu sync.RWMutex
}

// NewServer creates a new server instance with the given config and logger.
// Metrics are registered with reg; a nil reg leaves them unregistered.
func NewServer(cfg *config.Config, logger Logger, reg prometheus.Registerer) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: hybrid.NewMetrics(reg),
		limiter: rate.NewLimiter(rate.Limit(cfg.Server.JobRate), cfg.Server.JobBurst),
		jobs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "hybridml",
			Name:      "estimations_total",
			Help:      "Estimation jobs by final outcome.",
		}, []string{"outcome"}),
		slots:       make(chan struct{}, cfg.Server.MaxParallel),
		estimations: make(map[string]*EstimationState),
		byKey:       make(map[string]string),
	}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/estimate", s.handleEstimate)
		r.Get("/status/{id}", s.handleStatus)
		r.Delete("/estimation/{id}", s.handleCancel)
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	body := http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		s.respondWithError(w, -32700, "Parse error", nil, err)
		return
	}

	// Validate JSON-RPC 2.0 request
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, -32600, "Invalid Request", request.ID, nil)
		return
	}

	// Route to appropriate handler
	var result interface{}
	var err error

	switch request.Method {
	case "estimation.start":
		var p StartParams
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.Start(p)
		}
	case "estimation.status":
		var p struct {
			ID string `json:"estimation_id"`
		}
		if err = decodeParams(request.Params, &p); err == nil {
			result, err = s.Status(p.ID)
		}
	case "estimation.cancel":
		var p struct {
			ID string `json:"estimation_id"`
		}
		if err = decodeParams(request.Params, &p); err == nil {
			err = s.Cancel(p.ID)
			result = map[string]string{"status": StatusCancelled}
		}
	default:
		s.respondWithError(w, -32601, "Method not found", request.ID, nil)
		return
	}

	if err != nil {
		code, message := rpcError(err)
		s.respondWithError(w, code, message, request.ID, err)
		return
	}

	// Send successful response
	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// decodeParams accepts params given either as an object or as a one-element
// array holding the object.
func decodeParams(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return errs.Wrap(lil.ErrInvalidArgument, "missing required parameters")
	}
	if raw[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) != 1 {
			return errs.Wrap(lil.ErrInvalidArgument, "invalid parameter format, expected one object")
		}
		raw = arr[0]
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Wrapf(lil.ErrInvalidArgument, "invalid parameters: %v", err)
	}
	return nil
}

func rpcError(err error) (int, string) {
	switch {
	case errs.Is(err, ErrNotFound):
		return -32004, "Not found"
	case errs.Is(err, ErrRateLimited):
		return -32029, "Rate limited"
	case errs.Is(err, ErrFinished):
		return -32009, "Conflict"
	case errs.Is(err, lil.ErrInvalidArgument), errs.Is(err, lil.ErrDimensionMismatch), errs.Is(err, lil.ErrShortPool):
		return -32602, "Invalid params"
	default:
		return -32000, "Server error"
	}
}

func httpStatus(err error) int {
	switch {
	case errs.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errs.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errs.Is(err, ErrFinished):
		return http.StatusConflict
	case errs.Is(err, lil.ErrInvalidArgument), errs.Is(err, lil.ErrDimensionMismatch), errs.Is(err, lil.ErrShortPool),
		errs.Is(err, samples.ErrNoObjective):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, code int, message string, id interface{}, cause error) {
	fields := map[string]interface{}{
		"status":  code,
		"message": message,
	}
	errObj := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if cause != nil {
		fields["error"] = cause.Error()
		errObj["data"] = cause.Error()
		for k, v := range errorContext(cause) {
			fields[k] = v
		}
	}
	s.logger.Warn("Request error", fields)

	response := map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   errObj,
		"id":      id,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// Start validates p, builds the sample pool and launches an estimation job.
// A request identical to a live or completed job returns that job instead.
func (s *Server) Start(p StartParams) (map[string]interface{}, error) {
	const op = "Start"

	if !s.limiter.Allow() {
		return nil, ErrRateLimited
	}

	model, err := models.New(p.Model, p.Prior)
	if err != nil {
		return nil, errs.Wrap(err, "building model").WithOperation(op).WithComponent("server")
	}

	var pool *lil.Pool
	if len(p.Samples) > 0 {
		if len(p.Samples) > s.cfg.Server.MaxSamples {
			return nil, errs.Wrapf(lil.ErrInvalidArgument,
				"%d samples exceed the limit of %d", len(p.Samples), s.cfg.Server.MaxSamples).WithOperation(op).WithComponent("server")
		}
		pool, err = lil.NewPool(p.Samples, model)
		if err != nil {
			return nil, errs.Wrap(err, "building sample pool").WithOperation(op).WithComponent("server")
		}
	}
	return s.start(p, model, pool)
}

func (s *Server) start(p StartParams, model models.Model, pool *lil.Pool) (map[string]interface{}, error) {
	const op = "start"

	if p.NApprox == 0 {
		p.NApprox = s.cfg.Estimation.NApprox
	}
	if p.BatchSize == 0 {
		p.BatchSize = s.cfg.Estimation.BatchSize
	}
	if p.Representative == "" {
		p.Representative = s.cfg.Estimation.Representative
	}
	sel, err := partition.ParseSelector(p.Representative)
	if err != nil {
		return nil, errs.Wrap(err, "representative").WithOperation(op).WithComponent("server")
	}
	if p.NApprox < 1 || p.BatchSize < 2 {
		return nil, errs.Wrapf(lil.ErrInvalidArgument,
			"n_approx must be positive and batch_size at least 2, got %d and %d", p.NApprox, p.BatchSize).WithOperation(op).WithComponent("server")
	}
	need := p.NApprox * p.BatchSize
	if need > s.cfg.Server.MaxSamples {
		return nil, errs.Wrapf(lil.ErrInvalidArgument,
			"%d samples exceed the limit of %d", need, s.cfg.Server.MaxSamples).WithOperation(op).WithComponent("server")
	}

	if pool == nil {
		pool = &lil.Pool{Dim: model.Dim()}
		draws := model.Sample(need, rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15))
		pool.Samples = make([]lil.Sample, len(draws))
		for i, u := range draws {
			pool.Samples[i] = lil.Sample{U: u, Psi: model.Psi(u)}
		}
	}
	if pool.Dim != model.Dim() {
		return nil, errs.Wrapf(lil.ErrDimensionMismatch,
			"samples have dimension %d, model %q has %d", pool.Dim, p.Model, model.Dim()).WithOperation(op).WithComponent("server")
	}
	if pool.Len() < need {
		return nil, errs.Wrapf(lil.ErrShortPool,
			"%d batches of %d need %d samples, got %d", p.NApprox, p.BatchSize, need, pool.Len()).WithOperation(op).WithComponent("server")
	}

	fp := samples.Fingerprint(pool)
	key := requestKey(p, sel, fp)

	now := time.Now()
	s.estimationsMu.Lock()
	s.pruneLocked(now)
	if id, ok := s.byKey[key]; ok {
		if state := s.estimations[id]; state != nil && state.Status != StatusFailed && state.Status != StatusCancelled {
			s.estimationsMu.Unlock()
			s.jobs.WithLabelValues("deduplicated").Inc()
			s.logger.Debug("Reusing estimation", map[string]interface{}{"estimation_id": id})
			return map[string]interface{}{"estimation_id": id, "status": state.Status}, nil
		}
	}

	id := fmt.Sprintf("est_%d_%d", now.UnixNano(), s.seq.Add(1))
	ctx, cancel := context.WithCancel(context.Background())
	state := &EstimationState{
		ID:             id,
		Key:            key,
		Status:         StatusPending,
		StartTime:      now,
		LastUpdated:    now,
		Model:          p.Model,
		NApprox:        p.NApprox,
		BatchSize:      p.BatchSize,
		Representative: sel,
		Fingerprint:    fp,
		Samples:        pool.Len(),
		CancelFunc:     cancel,
		model:          model,
	}
	s.estimations[id] = state
	s.byKey[key] = id
	s.wg.Add(1)
	s.estimationsMu.Unlock()

	s.logger.Info("Estimation started", map[string]interface{}{
		"estimation_id": id,
		"model":         p.Model,
		"n_approx":      p.NApprox,
		"batch_size":    p.BatchSize,
		"fingerprint":   formatFingerprint(fp),
	})

	go s.runEstimation(ctx, state, model, pool, sel)

	return map[string]interface{}{
		"estimation_id": id,
		"status":        StatusPending,
	}, nil
}

func requestKey(p StartParams, sel partition.Selector, fp uint64) string {
	var prior bytes.Buffer
	if err := json.Compact(&prior, p.Prior); err != nil {
		prior.Write(p.Prior)
	}
	h := xxhash.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d\x00%s\x00%016x", p.Model, prior.Bytes(), p.NApprox, p.BatchSize, sel, fp)
	return formatFingerprint(h.Sum64())
}

func formatFingerprint(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

// pruneLocked drops finished jobs older than the configured TTL.
func (s *Server) pruneLocked(now time.Time) {
	ttl := s.cfg.Server.JobTTL
	if ttl <= 0 {
		return
	}
	for id, state := range s.estimations {
		if state.terminal() && state.EndTime != nil && now.Sub(*state.EndTime) > ttl {
			delete(s.estimations, id)
			if s.byKey[state.Key] == id {
				delete(s.byKey, state.Key)
			}
		}
	}
}

// runEstimation executes the estimator for one job in its own goroutine
func (s *Server) runEstimation(ctx context.Context, state *EstimationState, model models.Model, pool *lil.Pool, sel partition.Selector) {
	defer s.wg.Done()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		return
	}

	s.estimationsMu.Lock()
	if state.terminal() {
		s.estimationsMu.Unlock()
		return
	}
	state.Status = StatusRunning
	state.LastUpdated = time.Now()
	s.estimationsMu.Unlock()

	logger := s.logger.Zap().With(zap.String("estimation_id", state.ID))
	opts := EstimatorOptions(s.cfg, sel, logger, s.metrics)
	result, err := hybrid.Estimate(ctx, model, pool, state.NApprox, state.BatchSize, opts...)

	s.estimationsMu.Lock()
	defer s.estimationsMu.Unlock()

	now := time.Now()
	switch {
	case state.Status == StatusCancelled:
		s.jobs.WithLabelValues(StatusCancelled).Inc()
	case err != nil && ctx.Err() != nil:
		state.finish(StatusCancelled, now)
		s.jobs.WithLabelValues(StatusCancelled).Inc()
	case err != nil:
		s.logger.Error("Estimation failed", map[string]interface{}{
			"estimation_id": state.ID,
			"error":         err.Error(),
		})
		state.Error = err.Error()
		state.finish(StatusFailed, now)
		s.jobs.WithLabelValues(StatusFailed).Inc()
	default:
		state.Result = result
		state.finish(StatusCompleted, now)
		s.jobs.WithLabelValues(StatusCompleted).Inc()
		s.logger.Info("Estimation completed", map[string]interface{}{
			"estimation_id": state.ID,
			"hybrid_mean":   result.Summary().Hybrid.Mean,
			"elapsed_ms":    float64(now.Sub(state.StartTime).Microseconds()) / 1000.0,
		})
	}
}

// Status returns the current state and results of an estimation job.
func (s *Server) Status(id string) (map[string]interface{}, error) {
	if id == "" {
		return nil, errs.Wrap(lil.ErrInvalidArgument, "estimation_id is required")
	}

	s.estimationsMu.RLock()
	defer s.estimationsMu.RUnlock()

	state, exists := s.estimations[id]
	if !exists {
		return nil, errs.Wrapf(ErrNotFound, "id %q", id)
	}
	return state.view(), nil
}

// Cancel stops a pending or running estimation job.
func (s *Server) Cancel(id string) error {
	if id == "" {
		return errs.Wrap(lil.ErrInvalidArgument, "estimation_id is required")
	}

	s.estimationsMu.Lock()
	defer s.estimationsMu.Unlock()

	state, exists := s.estimations[id]
	if !exists {
		return errs.Wrapf(ErrNotFound, "id %q", id)
	}
	if state.terminal() {
		return errs.Wrapf(ErrFinished, "status is %s", state.Status)
	}

	if state.CancelFunc != nil {
		state.CancelFunc()
	}
	state.finish(StatusCancelled, time.Now())

	s.logger.Info("Estimation cancelled", map[string]interface{}{
		"estimation_id": id,
	})
	return nil
}

// Close cancels every running estimation and waits for them to stop.
func (s *Server) Close() error {
	s.estimationsMu.Lock()
	for _, state := range s.estimations {
		if state.CancelFunc != nil {
			state.CancelFunc()
		}
	}
	s.estimationsMu.Unlock()

	s.wg.Wait()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]interface{}{
		"error": err.Error(),
	}
	for k, v := range errorContext(err) {
		body[k] = v
	}
	writeJSON(w, httpStatus(err), body)
}

// errorContext returns the operation and component of the estimator error
// behind err, if there is one.
func errorContext(err error) map[string]interface{} {
	le, ok := lil.AsError(err)
	if !ok {
		return nil
	}
	ctx := make(map[string]interface{}, 2)
	if le.Op != "" {
		ctx["op"] = le.Op
	}
	if le.Component != "" {
		ctx["component"] = le.Component
	}
	return ctx
}

// handleEstimate handles POST /api/v1/estimate. A JSON body carries
// StartParams; any other body is a sample file, with the parameters taken
// from the query string.
func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxBodyBytes)

	var (
		result map[string]interface{}
		err    error
	)
	if isJSON(r.Header.Get("Content-Type")) {
		var p StartParams
		if err := json.NewDecoder(body).Decode(&p); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"error": fmt.Sprintf("Invalid request body: %v", err),
			})
			return
		}
		result, err = s.Start(p)
	} else {
		result, err = s.startUpload(r, body)
	}

	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// isJSON reports whether a Content-Type header names a JSON body. An absent
// header counts as JSON.
func isJSON(header string) bool {
	if header == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(header)
	return err == nil && mediaType == "application/json"
}

func (s *Server) startUpload(r *http.Request, body io.Reader) (map[string]interface{}, error) {
	const op = "startUpload"

	if !s.limiter.Allow() {
		return nil, ErrRateLimited
	}

	q := r.URL.Query()
	p := StartParams{
		Model:          q.Get("model"),
		Prior:          json.RawMessage(q.Get("prior")),
		Representative: q.Get("representative"),
	}
	for name, dst := range map[string]*int{"n_approx": &p.NApprox, "batch_size": &p.BatchSize} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, errs.Wrapf(lil.ErrInvalidArgument, "%s: %v", name, err).WithOperation(op).WithComponent("server")
			}
			*dst = n
		}
	}

	model, err := models.New(p.Model, p.Prior)
	if err != nil {
		return nil, errs.Wrap(err, "building model").WithOperation(op).WithComponent("server")
	}
	pool, err := samples.Read(body, model)
	if err != nil {
		return nil, errs.Wrapf(lil.ErrInvalidArgument, "reading samples: %v", err).WithOperation(op).WithComponent("server")
	}
	if pool.Len() > s.cfg.Server.MaxSamples {
		return nil, errs.Wrapf(lil.ErrInvalidArgument,
			"%d samples exceed the limit of %d", pool.Len(), s.cfg.Server.MaxSamples).WithOperation(op).WithComponent("server")
	}
	return s.start(p, model, pool)
}

// handleStatus handles GET /api/v1/status/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	result, err := s.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleCancel handles DELETE /api/v1/estimation/{id}
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.Cancel(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "cancellation requested",
	})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"iao-settlement/internal/distribution"
	xerrors "iao-settlement/internal/errors"
	"iao-settlement/internal/task"
	"iao-settlement/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Jobs 是 API 需要的任务服务能力，由 task.Service 实现。
type Jobs interface {
	SubmitStart(ctx context.Context, jobID string, req distribution.StartRequest) (*task.Job, error)
	SubmitRetry(ctx context.Context, jobID, attemptID string) (*task.Job, error)
	Get(ctx context.Context, id string) (*task.Job, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Job, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.JobStats, error)
}

// Attempts 提供分发尝试与合并账本的只读查询，由 distribution.Coordinator 实现。
type Attempts interface {
	Attempt(ctx context.Context, id string) (*distribution.Attempt, error)
	Attempts(ctx context.Context, agentID string) ([]*distribution.Attempt, error)
	Ledger(ctx context.Context, agentID, tokenAddress string) (distribution.Ledger, error)
}

// Recorder 接收 HTTP 请求指标。
type Recorder interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
}

// Server 负责暴露管理接口：提交分发与重试任务，查询尝试、账本与任务状态。
type Server struct {
	addr     string
	jobs     Jobs
	attempts Attempts
	metrics  Recorder
}

// Option 定义可选配置。
type Option func(*Server)

// WithRecorder 配置 HTTP 指标。
func WithRecorder(r Recorder) Option {
	return func(s *Server) {
		s.metrics = r
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, jobs Jobs, attempts Attempts, opts ...Option) *Server {
	s := &Server{addr: addr, jobs: jobs, attempts: attempts}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/distributions", s.handleStart)
	mux.HandleFunc("POST /api/v1/distributions/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /api/v1/distributions/{id}", s.handleAttempt)
	mux.HandleFunc("GET /api/v1/agents/{agentId}/distributions", s.handleAgentAttempts)
	mux.HandleFunc("GET /api/v1/agents/{agentId}/ledger", s.handleLedger)
	mux.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleJob)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.instrument(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.L().Info("管理 API 已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type startBody struct {
	JobID string `json:"job_id"`
	distribution.StartRequest
}

type retryBody struct {
	JobID string `json:"job_id"`
}

// handleStart 把分发请求作为后台任务入队。
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var body startBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.SubmitStart(r.Context(), body.JobID, body.StartRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// handleRetry 对一条历史尝试发起重试。已完成的尝试直接返回原记录。
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil || s.attempts == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "服务未初始化"))
		return
	}
	id := r.PathValue("id")
	attempt, err := s.attempts.Attempt(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if attempt.Status == distribution.StatusCompleted {
		writeJSON(w, http.StatusOK, attempt)
		return
	}
	var body retryBody
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	job, err := s.jobs.SubmitRetry(r.Context(), body.JobID, attempt.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleAttempt(w http.ResponseWriter, r *http.Request) {
	if s.attempts == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "分发服务未初始化"))
		return
	}
	attempt, err := s.attempts.Attempt(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

func (s *Server) handleAgentAttempts(w http.ResponseWriter, r *http.Request) {
	if s.attempts == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "分发服务未初始化"))
		return
	}
	list, err := s.attempts.Attempts(r.Context(), r.PathValue("agentId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*distribution.Attempt{}
	}
	writeJSON(w, http.StatusOK, list)
}

type ledgerResponse struct {
	AgentID      string                  `json:"agent_id"`
	TokenAddress string                  `json:"token_address"`
	Steps        distribution.Ledger     `json:"steps"`
	Completed    []distribution.StepType `json:"completed"`
}

func (s *Server) handleLedger(w http.ResponseWriter, r *http.Request) {
	if s.attempts == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "分发服务未初始化"))
		return
	}
	agentID := r.PathValue("agentId")
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		writeError(w, xerrors.New(distribution.CodeInvalidRequest, "缺少 token 参数"))
		return
	}
	ledger, err := s.attempts.Ledger(r.Context(), agentID, token)
	if err != nil {
		writeError(w, err)
		return
	}
	completed := ledger.Completed().Ordered()
	if completed == nil {
		completed = []distribution.StepType{}
	}
	writeJSON(w, http.StatusOK, ledgerResponse{
		AgentID:      agentID,
		TokenAddress: token,
		Steps:        ledger,
		Completed:    completed,
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	query := r.URL.Query()
	var opts []task.ListOption
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, task.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, task.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := query.Get("kind"); raw != "" {
		opts = append(opts, task.WithKinds(task.Kind(raw)))
	}
	if raw := query.Get("agent_id"); raw != "" {
		opts = append(opts, task.WithAgent(raw))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}

	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.jobs != nil {
		stats, err := s.jobs.Stats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
		resp["jobs"] = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return xerrors.New(xerrors.CodeInvalidArgument, "请求体不能为空")
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatusOf(err)
	code := xerrors.CodeOf(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求失败", slog.Any("error", err), slog.String("code", string(code)))
	}
	writeJSON(w, status, errorResponse{Error: message, Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 以路由模式为标签记录请求耗时与状态码。
func (s *Server) instrument(next http.Handler) http.Handler {
	if s.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.ObserveHTTPRequest(pattern, r.Method, rec.status, time.Since(started))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// Package server 把 assistant 服务暴露为 HTTP 接口。
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/IMBotPlatform/IMBotAssist/pkg/assistant"
	"github.com/IMBotPlatform/IMBotAssist/pkg/chat"
	"github.com/IMBotPlatform/IMBotAssist/pkg/usage"
)

const (
	defaultIdentityHeader = "X-User-Address"
	defaultMessageLimit   = 50
	maxMessageLimit       = 500
	maxBodyBytes          = 64 << 10
)

// Assistant 是 HTTP 层依赖的服务能力，*assistant.Service 实现该接口。
type Assistant interface {
	SendMessage(ctx context.Context, identity, text string) (assistant.Exchange, error)
	GetOwnedConversationMessages(ctx context.Context, identity, conversationID string, limit int) ([]chat.Message, error)
	GetActiveThread(ctx context.Context, identity string, limit int) (assistant.ActiveThread, error)
	ListAllConversations(ctx context.Context) ([]chat.Conversation, error)
	GetUsageStats(ctx context.Context, day string) (usage.Report, error)
	DeleteConversation(ctx context.Context, conversationID string) bool
}

// Server 持有路由与依赖。
type Server struct {
	svc            Assistant
	identityHeader string
	adminToken     string
	historyLimit   int
	health         func(ctx context.Context) error
	metrics        http.Handler
	logger         zerolog.Logger
}

// Option 自定义 Server。
type Option func(*Server)

// WithIdentityHeader 设置携带调用方身份的请求头。
func WithIdentityHeader(name string) Option {
	return func(s *Server) {
		if name != "" {
			s.identityHeader = name
		}
	}
}

// WithAdminToken 设置管理接口的 Bearer token；为空时管理接口一律返回 404。
func WithAdminToken(token string) Option {
	return func(s *Server) {
		s.adminToken = token
	}
}

// WithHistoryLimit 设置消息读取的默认条数。
func WithHistoryLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithHealthCheck 设置 /healthz 的探测函数。
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(s *Server) {
		s.health = fn
	}
}

// WithMetricsHandler 挂载 /metrics。
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithLogger 注入日志记录器。
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New 创建 Server。
func New(svc Assistant, opts ...Option) *Server {
	s := &Server{
		svc:            svc,
		identityHeader: defaultIdentityHeader,
		historyLimit:   defaultMessageLimit,
		logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler 返回完整路由。
//
//	POST   /v1/messages                       发送消息
//	GET    /v1/conversation                   调用方的活跃会话
//	GET    /v1/conversations/{id}/messages    会话消息（仅所有者）
//	GET    /admin/conversations               全部会话
//	GET    /admin/usage                       日用量
//	DELETE /admin/conversations/{id}          级联删除
//	GET    /healthz, /metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", s.withIdentity(s.handleSend))
	mux.HandleFunc("GET /v1/conversation", s.withIdentity(s.handleActive))
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.withIdentity(s.handleMessages))

	mux.HandleFunc("GET /admin/conversations", s.admin(s.handleListConversations))
	mux.HandleFunc("GET /admin/usage", s.admin(s.handleUsage))
	mux.HandleFunc("DELETE /admin/conversations/{id}", s.admin(s.handleDelete))

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.logRequests(mux)
}

type identityHandler func(w http.ResponseWriter, r *http.Request, identity string)

func (s *Server) withIdentity(next identityHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := chat.NormalizeIdentity(r.Header.Get(s.identityHeader))
		if identity == "" {
			writeError(w, http.StatusUnauthorized, "missing "+s.identityHeader+" header")
			return
		}
		next(w, r, identity)
	}
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			http.NotFound(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

type sendRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, identity string) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ex, err := s.svc.SendMessage(r.Context(), identity, req.Message)
	if err != nil {
		var verr *chat.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, http.StatusBadRequest, verr.Reason)
		case errors.Is(err, assistant.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, assistant.ErrMissingIdentity):
			writeError(w, http.StatusUnauthorized, err.Error())
		default:
			s.logger.Error().Err(err).Str("identity", chat.TruncateIdentity(identity)).Msg("send message failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request, identity string) {
	thread, err := s.svc.GetActiveThread(r.Context(), identity, s.limit(r))
	if errors.Is(err, chat.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "no active conversation")
		return
	}
	if err != nil {
		s.internalError(w, err, "load active conversation failed")
		return
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, identity string) {
	msgs, err := s.svc.GetOwnedConversationMessages(r.Context(), identity, r.PathValue("id"), s.limit(r))
	if errors.Is(err, chat.ErrConversationNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.internalError(w, err, "load messages failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.svc.ListAllConversations(r.Context())
	if err != nil {
		s.internalError(w, err, "list conversations failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.GetUsageStats(r.Context(), r.URL.Query().Get("date"))
	if errors.Is(err, assistant.ErrUsageDisabled) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		var parseErr *time.ParseError
		if errors.As(err, &parseErr) {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		s.internalError(w, err, "usage stats failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.svc.DeleteConversation(r.Context(), id) {
		writeError(w, http.StatusNotFound, "conversation not deleted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Warn().Err(err).Msg("health check failed")
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// limit 解析 ?limit=，非法或缺省时使用默认值。
func (s *Server) limit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return s.historyLimit
	}
	return min(n, maxMessageLimit)
}

func (s *Server) internalError(w http.ResponseWriter, err error, msg string) {
	s.logger.Error().Err(err).Msg(msg)
	writeError(w, http.StatusInternalServerError, "internal error")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

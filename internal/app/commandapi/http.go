package commandapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/todo-1m/nowlater/internal/app/domainengine"
	"github.com/todo-1m/nowlater/internal/app/identity"
	"github.com/todo-1m/nowlater/internal/app/query"
	"github.com/todo-1m/nowlater/internal/app/replay"
	platformauth "github.com/todo-1m/nowlater/internal/platform/auth"
	"github.com/todo-1m/nowlater/internal/platform/metrics"
	"github.com/todo-1m/nowlater/internal/todolist"
)

type ListReader interface {
	GetList(ctx context.Context, key todolist.Key) (query.View, error)
	ListCompleted(ctx context.Context, key todolist.Key, limit int) ([]replay.CompletedTodo, error)
}

type Handler struct {
	Service       *Service
	Identity      *identity.Service
	Lists         ListReader
	AllowedOrigin string
	Logger        zerolog.Logger
	Metrics       *metrics.Registry
}

func NewHandler(service *Service, identitySvc *identity.Service, lists ListReader, allowedOrigin string) *Handler {
	return &Handler{
		Service:       service,
		Identity:      identitySvc,
		Lists:         lists,
		AllowedOrigin: allowedOrigin,
		Logger:        zerolog.Nop(),
		Metrics:       metrics.Default,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Get("/api/v1/lists/{listID}", h.handleGetList)
		authR.Get("/api/v1/lists/{listID}/completed", h.handleListCompleted)
		authR.Post("/api/v1/lists/{listID}/commands", h.handleCommand)
	})

	return r
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, identity.ErrUsernameTaken):
			h.writeError(w, http.StatusConflict, "username_taken", err.Error())
		default:
			h.internalError(w, r, err)
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
			return
		}
		h.internalError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, "invalid_refresh_token", err.Error())
		default:
			h.internalError(w, r, err)
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.internalError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetList(w http.ResponseWriter, r *http.Request) {
	key, ok := h.listKey(w, r)
	if !ok {
		return
	}
	view, err := h.Lists.GetList(r.Context(), key)
	if err != nil {
		h.writeCommandError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleListCompleted(w http.ResponseWriter, r *http.Request) {
	key, ok := h.listKey(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	todos, err := h.Lists.ListCompleted(r.Context(), key, limit)
	if err != nil {
		h.writeCommandError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"completed": todos})
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	actor := Actor{UserID: claims.Subject, Username: claims.Username}
	listID := chi.URLParam(r, "listID")

	if wantsAsync(r) {
		resp, err := h.Service.Accept(actor, listID, req)
		if err != nil {
			h.writeCommandError(w, r, err)
			return
		}
		h.writeJSON(w, http.StatusAccepted, resp)
		return
	}

	result, cmd, err := h.Service.Execute(r.Context(), actor, listID, req)
	if err != nil {
		h.writeCommandError(w, r, err)
		return
	}
	w.Header().Set("X-Command-ID", cmd.CommandID)
	if id := createdTodoID(cmd); id != "" {
		w.Header().Set("X-Todo-ID", id)
	}
	h.writeJSON(w, http.StatusOK, result.View)
}

func (h *Handler) listKey(w http.ResponseWriter, r *http.Request) (todolist.Key, bool) {
	listID := strings.TrimSpace(chi.URLParam(r, "listID"))
	if !listIDPattern.MatchString(listID) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", ErrInvalidListID.Error())
		return todolist.Key{}, false
	}
	return todolist.Key{UserID: claimsFromContext(r.Context()).Subject, ListID: listID}, true
}

func wantsAsync(r *http.Request) bool {
	return strings.Contains(strings.ToLower(r.Header.Get("Prefer")), "respond-async")
}

// commandStatus maps command and read errors to a status and a stable code.
func commandStatus(err error) (int, string) {
	switch {
	case errors.Is(err, replay.ErrCorruptLog):
		return http.StatusInternalServerError, "internal_error"
	case errors.Is(err, ErrTaskRequired),
		errors.Is(err, ErrInvalidListID),
		errors.Is(err, ErrTodoIDRequired),
		errors.Is(err, ErrTargetIDRequired),
		errors.Is(err, ErrUnsupportedAction),
		errors.Is(err, todolist.ErrInvalidSchedule),
		errors.Is(err, domainengine.ErrInvalidCommandPayload),
		errors.Is(err, domainengine.ErrUnsupportedCommandAction):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, todolist.ErrTodoNotFound):
		return http.StatusNotFound, "todo_not_found"
	case errors.Is(err, todolist.ErrListFull):
		return http.StatusConflict, "list_full"
	case errors.Is(err, todolist.ErrDuplicateTodo):
		return http.StatusConflict, "duplicate_todo"
	case errors.Is(err, todolist.ErrLockTimerNotExpired):
		return http.StatusConflict, "lock_timer_not_expired"
	case errors.Is(err, domainengine.ErrRetryExhausted):
		return http.StatusServiceUnavailable, "retry_exhausted"
	case errors.Is(err, ErrAsyncUnavailable):
		return http.StatusNotImplemented, "async_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) writeCommandError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := commandStatus(err)
	if status == http.StatusInternalServerError {
		h.internalError(w, r, err)
		return
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	h.writeError(w, status, code, err.Error())
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.Logger.Error().Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("path", r.URL.Path).
		Msg("request failed")
	h.writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		latency := time.Since(start)
		if h.Metrics != nil {
			h.Metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			h.Metrics.HTTPDuration.WithLabelValues(r.Method, route).Observe(latency.Seconds())
		}

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = h.Logger.Error()
		case status >= 400:
			event = h.Logger.Warn()
		default:
			event = h.Logger.Info()
		}
		event.
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", route).
			Str("remote_ip", r.RemoteAddr).
			Int("status", status).
			Int("bytes_out", ww.BytesWritten()).
			Dur("latency", latency).
			Msg("request")
	})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Expose-Headers", "X-Command-ID, X-Todo-ID, X-Request-Id")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Prefer")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return "*"
	}
	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed || isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	return a.Port() == b.Port() && strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}

package commandapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/todo-1m/nowlater/internal/app/domainengine"
	"github.com/todo-1m/nowlater/internal/app/eventlog"
	"github.com/todo-1m/nowlater/internal/app/identity"
	"github.com/todo-1m/nowlater/internal/app/query"
	"github.com/todo-1m/nowlater/internal/app/replay"
	platformauth "github.com/todo-1m/nowlater/internal/platform/auth"
	"github.com/todo-1m/nowlater/internal/platform/metrics"
	"github.com/todo-1m/nowlater/internal/sharding"
	"github.com/todo-1m/nowlater/internal/todolist"
	"golang.org/x/crypto/bcrypt"
)

var testNow = time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)

type testAPI struct {
	handler   *Handler
	identity  *identity.Service
	published []string
}

func sequence(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	api := &testAPI{}

	mgr := platformauth.NewManager("secret", time.Hour)
	mgr.Now = func() time.Time { return testNow }
	identitySvc := identity.NewService(identity.NewMemoryRepository(), mgr)
	identitySvc.NewID = sequence("id")
	identitySvc.Now = func() time.Time { return testNow }
	identitySvc.HashCost = bcrypt.MinCost
	api.identity = identitySvc

	store := eventlog.NewMemoryStore()
	store.Now = func() time.Time { return testNow }
	engine := domainengine.NewService(store, nil)
	engine.Now = func() time.Time { return testNow }
	engine.NewID = sequence("evt")
	engine.Metrics = metrics.NewRegistry()

	svc := NewService(engine, func(subject, _ string, _ []byte) error {
		api.published = append(api.published, subject)
		return nil
	})
	svc.Now = func() time.Time { return testNow }
	svc.NewID = sequence("cmd")

	lists := query.NewLists(replay.NewEngine(store), time.UTC)
	lists.Now = func() time.Time { return testNow }

	api.handler = NewHandler(svc, identitySvc, lists, "http://localhost:8081")
	api.handler.Metrics = metrics.NewRegistry()
	return api
}

func (a *testAPI) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := a.identity.AuthToken.Sign(userID, "alice")
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func (a *testAPI) do(t *testing.T, method, path, token, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rr := httptest.NewRecorder()
	a.handler.Router().ServeHTTP(rr, req)
	return rr
}

func decodeView(t *testing.T, rr *httptest.ResponseRecorder) query.View {
	t.Helper()
	var view query.View
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("invalid view JSON: %v body=%s", err, rr.Body.String())
	}
	return view
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error JSON: %v body=%s", err, rr.Body.String())
	}
	return body["code"]
}

func TestHandleCommand_Unauthorized(t *testing.T) {
	api := newTestAPI(t)
	rr := api.do(t, http.MethodPost, "/api/v1/lists/home/commands", "", `{"task":"wash car"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestHandleCommand_AddReturnsView(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "u1")

	rr := api.do(t, http.MethodPost, "/api/v1/lists/home/commands", token, `{"action":"add","task":"wash car"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("X-Command-ID"); got != "cmd-1" {
		t.Fatalf("X-Command-ID = %q", got)
	}
	if got := rr.Header().Get("X-Todo-ID"); got != "cmd-1" {
		t.Fatalf("X-Todo-ID = %q", got)
	}
	view := decodeView(t, rr)
	if view.UserID != "u1" || view.ListID != "home" || view.Version != 1 {
		t.Fatalf("unexpected view header: %+v", view)
	}
	if len(view.Now) != 1 || view.Now[0].Task != "wash car" || view.Now[0].ID != "cmd-1" {
		t.Fatalf("unexpected now sublist: %+v", view.Now)
	}

	rr = api.do(t, http.MethodGet, "/api/v1/lists/home", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if got := decodeView(t, rr); got.Version != 1 || len(got.Now) != 1 {
		t.Fatalf("read view mismatch: %+v", got)
	}
}

func TestHandleCommand_RejectionsMapToConflict(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "u1")

	for _, task := range []string{"wash car", "buy milk"} {
		rr := api.do(t, http.MethodPost, "/api/v1/lists/home/commands", token, `{"task":"`+task+`"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("add %q: expected 200, got %d body=%s", task, rr.Code, rr.Body.String())
		}
	}

	rr := api.do(t, http.MethodPost, "/api/v1/lists/home/commands", token, `{"task":"call mom"}`)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "list_full" {
		t.Fatalf("expected 409 list_full, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = api.do(t, http.MethodPost, "/api/v1/lists/home/commands", token, `{"task":"wash car","schedule":"later"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("later add: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = api.do(t, http.MethodPost, "/api/v1/lists/home/commands", token, `{"task":"wash car","schedule":"later"}`)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "duplicate_todo" {
		t.Fatalf("expected 409 duplicate_todo, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = api.do(t, http.MethodPost, "/api/v1/lists/home/commands", token, `{"action":"complete","todo_id":"missing"}`)
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "todo_not_found" {
		t.Fatalf("expected 404 todo_not_found, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = api.do(t, http.MethodPost, "/api/v1/lists/home/commands", token, `{"action":"unlock"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("first unlock: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = api.do(t, http.MethodPost, "/api/v1/lists/home/commands", token, `{"action":"unlock"}`)
	if rr.Code != http.StatusConflict || errorCode(t, rr) != "lock_timer_not_expired" {
		t.Fatalf("expected 409 lock_timer_not_expired, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestHandleCommand_BadRequests(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "u1")

	tests := []struct {
		name string
		path string
		body string
	}{
		{"invalid json", "/api/v1/lists/home/commands", `{`},
		{"invalid list id", "/api/v1/lists/bad.list/commands", `{"task":"x"}`},
		{"missing task", "/api/v1/lists/home/commands", `{"action":"add"}`},
		{"bad schedule", "/api/v1/lists/home/commands", `{"task":"x","schedule":"someday"}`},
		{"missing target", "/api/v1/lists/home/commands", `{"action":"move","todo_id":"a"}`},
		{"unknown action", "/api/v1/lists/home/commands", `{"action":"archive"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := api.do(t, http.MethodPost, tt.path, token, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestHandleCommand_AsyncPublishesCommand(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "u1")

	rr := api.do(t, http.MethodPost, "/api/v1/lists/home/commands", token, `{"task":"wash car"}`, "Prefer", "respond-async")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body=%s", rr.Code, rr.Body.String())
	}
	var resp CommandResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp.Status != "accepted" || resp.CommandID != "cmd-1" || resp.TodoID != "cmd-1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	want := sharding.CommandSubject("u1", "home")
	if len(api.published) != 1 || api.published[0] != want {
		t.Fatalf("published %v, want [%s]", api.published, want)
	}

	api.handler.Service.Publish = nil
	rr = api.do(t, http.MethodPost, "/api/v1/lists/home/commands", token, `{"task":"wash car"}`, "Prefer", "respond-async")
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 without a command stream, got %d", rr.Code)
	}
}

func TestHandleListCompleted(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "u1")

	for _, task := range []string{"wash car", "buy milk"} {
		if rr := api.do(t, http.MethodPost, "/api/v1/lists/home/commands", token, `{"task":"`+task+`"}`); rr.Code != http.StatusOK {
			t.Fatalf("add %q: got %d body=%s", task, rr.Code, rr.Body.String())
		}
	}
	for _, id := range []string{"cmd-1", "cmd-2"} {
		if rr := api.do(t, http.MethodPost, "/api/v1/lists/home/commands", token, `{"action":"complete","todo_id":"`+id+`"}`); rr.Code != http.StatusOK {
			t.Fatalf("complete %q: got %d body=%s", id, rr.Code, rr.Body.String())
		}
	}

	rr := api.do(t, http.MethodGet, "/api/v1/lists/home/completed?limit=1", token, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var body struct {
		Completed []replay.CompletedTodo `json:"completed"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid completed JSON: %v", err)
	}
	if len(body.Completed) != 1 || body.Completed[0].Task != "buy milk" {
		t.Fatalf("unexpected completed todos: %+v", body.Completed)
	}

	rr = api.do(t, http.MethodGet, "/api/v1/lists/home/completed?limit=zero", token, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rr.Code)
	}
}

func TestListsAreScopedToTheCaller(t *testing.T) {
	api := newTestAPI(t)
	if rr := api.do(t, http.MethodPost, "/api/v1/lists/home/commands", api.token(t, "u1"), `{"task":"wash car"}`); rr.Code != http.StatusOK {
		t.Fatalf("add: got %d", rr.Code)
	}

	rr := api.do(t, http.MethodGet, "/api/v1/lists/home", api.token(t, "u2"), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if view := decodeView(t, rr); view.Version != 0 || len(view.Now) != 0 {
		t.Fatalf("another user's list leaked: %+v", view)
	}
}

func TestAuthRegisterLoginRefreshLogout(t *testing.T) {
	api := newTestAPI(t)

	rr := api.do(t, http.MethodPost, "/api/v1/auth/register", "", `{"username":"bob","password":"password123"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = api.do(t, http.MethodPost, "/api/v1/auth/register", "", `{"username":"Bob","password":"password123"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for taken username, got %d body=%s", rr.Code, rr.Body.String())
	}

	rr = api.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"username":"bob","password":"wrong-password"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr = api.do(t, http.MethodPost, "/api/v1/auth/login", "", `{"username":"bob","password":"password123"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var login identity.AuthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &login); err != nil {
		t.Fatalf("invalid login response: %v", err)
	}

	rr = api.do(t, http.MethodPost, "/api/v1/auth/refresh", "", `{"refresh_token":"`+login.RefreshToken+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	var refreshed identity.AuthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &refreshed); err != nil {
		t.Fatalf("invalid refresh response: %v", err)
	}

	rr = api.do(t, http.MethodPost, "/api/v1/auth/refresh", "", `{"refresh_token":"`+login.RefreshToken+`"}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a reused refresh token, got %d", rr.Code)
	}

	rr = api.do(t, http.MethodPost, "/api/v1/auth/logout", "", `{"refresh_token":"`+refreshed.RefreshToken+`"}`)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestOptions_HasCORSHeaders(t *testing.T) {
	api := newTestAPI(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/lists/home/commands", nil)
	req.Header.Set("Origin", "http://127.0.0.1:8081")
	req.Header.Set("Access-Control-Request-Headers", "authorization,content-type")
	rr := httptest.NewRecorder()
	api.handler.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://127.0.0.1:8081" {
		t.Fatalf("unexpected allow origin: %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); got != "authorization,content-type" {
		t.Fatalf("unexpected allow headers: %q", got)
	}
}

func TestCommandStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{ErrTaskRequired, http.StatusBadRequest, "invalid_request"},
		{todolist.ErrInvalidSchedule, http.StatusBadRequest, "invalid_request"},
		{domainengine.ErrInvalidCommandPayload, http.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("complete: %w", todolist.ErrTodoNotFound), http.StatusNotFound, "todo_not_found"},
		{todolist.ErrListFull, http.StatusConflict, "list_full"},
		{fmt.Errorf("%w after 5 attempts: %w", domainengine.ErrRetryExhausted, eventlog.ErrConcurrentModification), http.StatusServiceUnavailable, "retry_exhausted"},
		{ErrAsyncUnavailable, http.StatusNotImplemented, "async_unavailable"},
		{errors.New("connection refused"), http.StatusInternalServerError, "internal_error"},
		{fmt.Errorf("%w: %w", replay.ErrCorruptLog, todolist.ErrTodoNotFound), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		status, code := commandStatus(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("commandStatus(%v) = %d %q; want %d %q", tt.err, status, code, tt.status, tt.code)
		}
	}
}

func TestAccessLogRecordsRoutePattern(t *testing.T) {
	api := newTestAPI(t)
	token := api.token(t, "u1")
	api.do(t, http.MethodGet, "/api/v1/lists/home", token, "")
	api.do(t, http.MethodGet, "/api/v1/lists/work", token, "")

	got := testutil.ToFloat64(api.handler.Metrics.HTTPRequests.WithLabelValues("GET", "/api/v1/lists/{listID}", "200"))
	if got != 2 {
		t.Fatalf("expected 2 requests on the route pattern, got %v", got)
	}
}

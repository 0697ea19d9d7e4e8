package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/todo-1m/nowlater/internal/app/commandapi"
	"github.com/todo-1m/nowlater/internal/app/query"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nowlater_loadgen_requests_total",
		Help: "Total HTTP requests sent by load generator.",
	}, []string{"endpoint", "method", "status", "outcome"})

	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nowlater_loadgen_actions_total",
		Help: "List commands executed by load generator.",
	}, []string{"action", "outcome"})

	virtualUsersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nowlater_loadgen_writers",
		Help: "Current number of writers sending list commands.",
	})
)

// errRejected marks a command the list refused (409), which is expected
// under load and not a failure of the service.
var errRejected = errors.New("command rejected")

type authResponse struct {
	AccessToken string `json:"access_token"`
}

type simulatedUser struct {
	Index       int
	Username    string
	ClientIP    string
	AccessToken string
}

// writer drives one list. Several writers may share a list to force
// concurrent appends.
type writer struct {
	user   *simulatedUser
	listID string
	seed   int64

	mu   sync.Mutex
	view *query.View
}

func (w *writer) setView(v query.View) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.view = &v
}

func (w *writer) currentView() (query.View, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.view == nil {
		return query.View{}, false
	}
	return *w.view, true
}

type runner struct {
	cfg    config
	runID  string
	client *http.Client
	logger zerolog.Logger

	requestsSuccess  atomic.Int64
	requestsRejected atomic.Int64
	requestsError    atomic.Int64
	activeWriters    atomic.Int64
}

func (r *runner) waitForHTTPStatus(ctx context.Context, requestURL string, expectedStatus int, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.Now().Add(timeout)
	lastErr := errors.New("timeout")
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return err
		}
		resp, err := r.client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == expectedStatus {
				return nil
			}
			err = fmt.Errorf("status=%d", resp.StatusCode)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(1200 * time.Millisecond):
		}
	}
	return lastErr
}

func (r *runner) setupUsers(ctx context.Context) []*simulatedUser {
	sem := make(chan struct{}, r.cfg.SetupConcurrency)
	var (
		mu       sync.Mutex
		users    = make([]*simulatedUser, 0, r.cfg.Users)
		failures int
		wg       sync.WaitGroup
	)
	for i := 0; i < r.cfg.Users; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			user, err := r.setupSingleUser(ctx, idx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				r.logger.Warn().Err(err).Int("user", idx).Msg("user setup failed")
				return
			}
			users = append(users, user)
		}(i)
	}
	wg.Wait()
	r.logger.Info().Int("success", len(users)).Int("failed", failures).Msg("user setup complete")
	return users
}

func (r *runner) setupSingleUser(ctx context.Context, idx int) (*simulatedUser, error) {
	user := &simulatedUser{
		Index:    idx,
		Username: fmt.Sprintf("load-%s-%04d", r.runID, idx),
		ClientIP: fmt.Sprintf("10.0.%d.%d", 1+(idx/250), 1+(idx%250)),
	}
	credentials := map[string]string{"username": user.Username, "password": r.cfg.Password}

	var auth authResponse
	status, err := r.requestJSON(ctx, user, "register", http.MethodPost, "/api/v1/auth/register", credentials, nil, &auth, http.StatusCreated, http.StatusConflict)
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", user.Username, err)
	}
	if status == http.StatusConflict {
		if _, err := r.requestJSON(ctx, user, "login", http.MethodPost, "/api/v1/auth/login", credentials, nil, &auth, http.StatusOK); err != nil {
			return nil, fmt.Errorf("login %s: %w", user.Username, err)
		}
	}
	if strings.TrimSpace(auth.AccessToken) == "" {
		return nil, fmt.Errorf("empty access token for %s", user.Username)
	}
	user.AccessToken = auth.AccessToken
	return user, nil
}

func (r *runner) runWriter(ctx context.Context, w *writer) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration(float64(r.cfg.RampUp) / float64(max(r.cfg.Users, 1)) * float64(w.user.Index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	virtualUsersGauge.Inc()
	r.activeWriters.Add(1)
	defer virtualUsersGauge.Dec()
	defer r.activeWriters.Add(-1)

	interval := time.Second
	if r.cfg.ActionsPerUserPerSecond > 0 {
		interval = max(time.Duration(float64(time.Second)/r.cfg.ActionsPerUserPerSecond), 25*time.Millisecond)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + w.seed))
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Duration(rng.Int63n(int64(interval)))):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runAction(ctx, w, rng)
		}
	}
}

func (r *runner) runAction(ctx context.Context, w *writer, rng *rand.Rand) {
	view, ok := w.currentView()
	if !ok || r.cfg.Async {
		if err := r.refreshView(ctx, w); err != nil {
			return
		}
		view, _ = w.currentView()
	}

	req := pickAction(view, rng)
	path := "/api/v1/lists/" + w.listID + "/commands"
	var next query.View
	var err error
	if r.cfg.Async {
		_, err = r.requestJSON(ctx, w.user, "command", http.MethodPost, path, req, []string{"Prefer", "respond-async"}, nil, http.StatusAccepted)
	} else {
		_, err = r.requestJSON(ctx, w.user, "command", http.MethodPost, path, req, nil, &next, http.StatusOK)
	}
	switch {
	case err == nil:
		if !r.cfg.Async {
			w.setView(next)
		}
		actionsTotal.WithLabelValues(req.Action, "success").Inc()
	case errors.Is(err, errRejected):
		// Another writer changed the list; our view is stale.
		_ = r.refreshView(ctx, w)
		actionsTotal.WithLabelValues(req.Action, "rejected").Inc()
	default:
		actionsTotal.WithLabelValues(req.Action, "error").Inc()
	}
}

func (r *runner) refreshView(ctx context.Context, w *writer) error {
	var view query.View
	if _, err := r.requestJSON(ctx, w.user, "list", http.MethodGet, "/api/v1/lists/"+w.listID, nil, nil, &view, http.StatusOK); err != nil {
		return err
	}
	w.setView(view)
	return nil
}

// pickAction chooses a plausible next command for the list in view.
func pickAction(view query.View, rng *rand.Rand) commandapi.CommandRequest {
	items := append(append([]query.TodoView{}, view.Now...), view.Later...)
	task := fmt.Sprintf("Load Todo %d", rng.Intn(1_000_000))
	random := func(todos []query.TodoView) string { return todos[rng.Intn(len(todos))].ID }

	choice := rng.Float64()
	switch {
	case len(items) == 0 || choice < 0.30:
		schedule := "now"
		if len(view.Now) >= view.NowCapacity {
			schedule = "later"
		}
		return commandapi.CommandRequest{Action: "add", Task: task, Schedule: schedule}
	case choice < 0.45:
		return commandapi.CommandRequest{Action: "add", Task: task, Schedule: "later"}
	case choice < 0.62:
		return commandapi.CommandRequest{Action: "complete", TodoID: random(items)}
	case choice < 0.72 && len(items) > 1:
		return commandapi.CommandRequest{Action: "move", TodoID: random(items), TargetID: random(items)}
	case choice < 0.80:
		return commandapi.CommandRequest{Action: "pull"}
	case choice < 0.87:
		return commandapi.CommandRequest{Action: "delete", TodoID: random(items)}
	case choice < 0.93 && len(view.Now) > 0:
		return commandapi.CommandRequest{Action: "displace", TodoID: random(view.Now), Task: task}
	case choice < 0.97:
		return commandapi.CommandRequest{Action: "unlock"}
	case choice < 0.99:
		return commandapi.CommandRequest{Action: "escalate"}
	default:
		return commandapi.CommandRequest{Action: "update", TodoID: random(items), Task: task}
	}
}

func (r *runner) requestJSON(
	ctx context.Context,
	user *simulatedUser,
	endpoint, method, path string,
	payload any,
	headers []string,
	out any,
	expectedStatuses ...int,
) (int, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.cfg.APIBase+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Forwarded-For", user.ClientIP)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := strings.TrimSpace(user.AccessToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := r.client.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, "0", "error").Inc()
		r.requestsError.Add(1)
		return 0, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	statusText := strconv.Itoa(resp.StatusCode)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, err
	}

	switch {
	case isExpectedStatus(resp.StatusCode, expectedStatuses):
		requestsTotal.WithLabelValues(endpoint, method, statusText, "success").Inc()
		r.requestsSuccess.Add(1)
		if out != nil && len(responseBody) > 0 {
			if err := json.Unmarshal(responseBody, out); err != nil {
				return resp.StatusCode, err
			}
		}
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusNotFound:
		requestsTotal.WithLabelValues(endpoint, method, statusText, "rejected").Inc()
		r.requestsRejected.Add(1)
		return resp.StatusCode, fmt.Errorf("%w: status=%d", errRejected, resp.StatusCode)
	default:
		requestsTotal.WithLabelValues(endpoint, method, statusText, "error").Inc()
		r.requestsError.Add(1)
		return resp.StatusCode, fmt.Errorf("unexpected status=%d body=%s", resp.StatusCode, truncate(string(responseBody), 240))
	}
}

func (r *runner) logProgress(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.logger.Info().
				Int64("success_requests", r.requestsSuccess.Load()).
				Int64("rejected_requests", r.requestsRejected.Load()).
				Int64("error_requests", r.requestsError.Load()).
				Int64("active_writers", r.activeWriters.Load()).
				Msg("progress")
		}
	}
}

func isExpectedStatus(status int, expected []int) bool {
	for _, candidate := range expected {
		if status == candidate {
			return true
		}
	}
	return false
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit] + "..."
}

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ekintkara/njback/internal/domain/automessage"
	"github.com/ekintkara/njback/internal/domain/presence"
	"github.com/ekintkara/njback/internal/domain/scheduler"
	"github.com/ekintkara/njback/internal/infra/apperrors"
)

type schedulerFake struct {
	plannerRan    bool
	plannerErr    error
	dispatcherRan bool
	dispatcherErr error
}

func (s *schedulerFake) Status() scheduler.Status {
	return scheduler.Status{IsRunning: true, Timezone: "Europe/Istanbul"}
}

func (s *schedulerFake) RunPlannerNow(context.Context) (bool, error) {
	return s.plannerRan, s.plannerErr
}

func (s *schedulerFake) RunDispatcherNow(context.Context) (bool, error) {
	return s.dispatcherRan, s.dispatcherErr
}

type planCounterFake struct {
	counts automessage.StateCounts
	err    error
}

func (p *planCounterFake) CountByState(context.Context) (automessage.StateCounts, error) {
	return p.counts, p.err
}

type consumerFake struct {
	running bool
	stats   automessage.Stats
	resets  int
}

func (c *consumerFake) IsRunning() bool          { return c.running }
func (c *consumerFake) Stats() automessage.Stats { return c.stats }
func (c *consumerFake) ResetStats()              { c.resets++ }

type presenceFake struct {
	online []presence.OnlineUser
	err    error
}

func (p *presenceFake) GetOnlineUsersWithInfo(context.Context) ([]presence.OnlineUser, error) {
	return p.online, p.err
}

type realtimeFake struct{ connections int }

func (r *realtimeFake) ServeHTTP(http.ResponseWriter, *http.Request) {}

func (r *realtimeFake) ConnectionCount() int { return r.connections }

type serverFixture struct {
	server   *Server
	sched    *schedulerFake
	plans    *planCounterFake
	consumer *consumerFake
	presence *presenceFake
}

func newFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		sched:    &schedulerFake{plannerRan: true, dispatcherRan: true},
		plans:    &planCounterFake{counts: automessage.StateCounts{Pending: 4, Queued: 2, Sent: 9}},
		consumer: &consumerFake{running: true, stats: automessage.Stats{TotalProcessed: 11, TotalSuccessful: 10, TotalFailed: 1}},
		presence: &presenceFake{},
	}
	srv, err := NewServer(Options{
		Addr:      "127.0.0.1:0",
		Scheduler: f.sched,
		Plans:     f.plans,
		Consumer:  f.consumer,
		Presence:  f.presence,
		Realtime:  &realtimeFake{connections: 3},
	})
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	f.server = srv
	return f
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorCode"`
}

func doRequest(t *testing.T, h http.HandlerFunc, method, target string) (int, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(method, target, nil))

	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec.Code, env
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	code, env := doRequest(t, f.server.handleHealth, http.MethodGet, "/health")
	if code != http.StatusOK || !env.Success {
		t.Fatalf("health = (%d, success=%v), want (200, true)", code, env.Success)
	}
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	code, env := doRequest(t, f.server.handleStatus, http.MethodGet, "/api/status")
	if code != http.StatusOK || !env.Success {
		t.Fatalf("status = (%d, success=%v), want (200, true)", code, env.Success)
	}

	var data struct {
		Scheduler    scheduler.Status        `json:"scheduler"`
		AutoMessages automessage.StateCounts `json:"autoMessages"`
		Consumer     struct {
			IsRunning bool `json:"isRunning"`
		} `json:"consumer"`
		Realtime struct {
			Connections int `json:"connections"`
		} `json:"realtime"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.AutoMessages.Pending != 4 || data.AutoMessages.Sent != 9 {
		t.Fatalf("autoMessages = %+v, want pending 4 sent 9", data.AutoMessages)
	}
	if !data.Consumer.IsRunning {
		t.Fatal("consumer.isRunning = false, want true")
	}
	if data.Realtime.Connections != 3 {
		t.Fatalf("realtime.connections = %d, want 3", data.Realtime.Connections)
	}
	if data.Scheduler.Timezone != "Europe/Istanbul" {
		t.Fatalf("scheduler.timezone = %q", data.Scheduler.Timezone)
	}
}

func TestHandleStatusCountFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.plans.err = apperrors.E(apperrors.CodeInternal, "count failed")
	code, env := doRequest(t, f.server.handleStatus, http.MethodGet, "/api/status")
	if code != http.StatusInternalServerError || env.Success {
		t.Fatalf("status = (%d, success=%v), want (500, false)", code, env.Success)
	}
	if env.ErrorCode != string(apperrors.CodeInternal) {
		t.Fatalf("errorCode = %q, want %q", env.ErrorCode, apperrors.CodeInternal)
	}
}

func TestHandleStatsResetViaPost(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	code, env := doRequest(t, f.server.handleStats, http.MethodPost, "/api/stats")
	if code != http.StatusOK || !env.Success {
		t.Fatalf("stats reset = (%d, success=%v), want (200, true)", code, env.Success)
	}
	if f.consumer.resets != 1 {
		t.Fatalf("ResetStats calls = %d, want 1", f.consumer.resets)
	}
}

func TestHandleOnline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.presence.online = []presence.OnlineUser{
		{UserID: "64a000000000000000000001", Info: &presence.UserInfo{Username: "ayse"}},
		{UserID: "64a000000000000000000002"},
	}
	code, env := doRequest(t, f.server.handleOnline, http.MethodGet, "/api/online")
	if code != http.StatusOK || !env.Success {
		t.Fatalf("online = (%d, success=%v), want (200, true)", code, env.Success)
	}

	var data struct {
		Count int                   `json:"count"`
		Users []presence.OnlineUser `json:"users"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if data.Count != 2 || len(data.Users) != 2 {
		t.Fatalf("count = %d users = %d, want 2/2", data.Count, len(data.Users))
	}
}

func TestHandlePlan(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		method     string
		ran        bool
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "triggered",
			method:     http.MethodPost,
			ran:        true,
			wantStatus: http.StatusOK,
		},
		{
			name:       "already running",
			method:     http.MethodPost,
			ran:        false,
			wantStatus: http.StatusConflict,
			wantCode:   string(apperrors.CodeConflict),
		},
		{
			name:       "planner failure",
			method:     http.MethodPost,
			ran:        true,
			err:        apperrors.E(apperrors.CodeUserRetrieval, "failed to retrieve active users"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   string(apperrors.CodeUserRetrieval),
		},
		{
			name:       "wrong method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
			wantCode:   string(apperrors.CodeValidation),
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.sched.plannerRan = tc.ran
			f.sched.plannerErr = tc.err

			code, env := doRequest(t, f.server.handlePlan, tc.method, "/api/plan")
			if code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", code, tc.wantStatus)
			}
			if tc.wantCode != "" && env.ErrorCode != tc.wantCode {
				t.Fatalf("errorCode = %q, want %q", env.ErrorCode, tc.wantCode)
			}
			if tc.wantStatus == http.StatusOK {
				var data struct {
					Triggered bool   `json:"triggered"`
					Task      string `json:"task"`
				}
				if err := json.Unmarshal(env.Data, &data); err != nil {
					t.Fatalf("decode data: %v", err)
				}
				if !data.Triggered || data.Task != "planner" {
					t.Fatalf("data = %+v, want triggered planner", data)
				}
			}
		})
	}
}

func TestHandleDispatchConflict(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.sched.dispatcherRan = false
	code, env := doRequest(t, f.server.handleDispatch, http.MethodPost, "/api/dispatch")
	if code != http.StatusConflict || env.Success {
		t.Fatalf("dispatch = (%d, success=%v), want (409, false)", code, env.Success)
	}
	if env.Message != "dispatcher is already running" {
		t.Fatalf("message = %q", env.Message)
	}
}

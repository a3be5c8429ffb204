package handlers

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaglink/proxy/internal/core/services"
	"github.com/diaglink/proxy/internal/infrastructure/logger"
	"github.com/diaglink/proxy/internal/protocol"
	"github.com/diaglink/proxy/internal/transport/http/dto"
)

type stubAgent struct {
	id, remote string
	version    int
	closed     bool
}

func (a *stubAgent) ID() string                     { return a.id }
func (a *stubAgent) IsActive() bool                 { return !a.closed }
func (a *stubAgent) Close() error                   { a.closed = true; return nil }
func (a *stubAgent) Version() int                   { return a.version }
func (a *stubAgent) SetVersion(v int)               { a.version = v }
func (a *stubAgent) RemoteAddr() string             { return a.remote }
func (a *stubAgent) Write(*protocol.Datagram) error { return nil }

type stubRefresher struct {
	asked []string
}

func (r *stubRefresher) RefreshAgents(ids []string) map[string]error {
	r.asked = ids
	return map[string]error{"gone": services.ErrAgentNotConnected}
}

type stubTask struct {
	id      string
	cancels int
}

func (t *stubTask) ID() string                    { return t.id }
func (t *stubTask) MaxRunning() time.Duration     { return time.Minute }
func (t *stubTask) Execute() *services.Completion { return services.NewCompletion() }
func (t *stubTask) Cancel() error                 { t.cancels++; return nil }
func (t *stubTask) Pause() error                  { return nil }
func (t *stubTask) Resume() error                 { return nil }

func doJSON(t *testing.T, app *fiber.App, method, target, body string, out any) int {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func newAgentApp(t *testing.T) (*fiber.App, *stubRefresher) {
	t.Helper()
	store := services.NewAgentConnectionStore(logger.NewNop())
	store.Put("app-01", &stubAgent{id: "app-01", remote: "10.0.0.7:51000", version: 2})

	refresher := &stubRefresher{}
	h := NewAgentHandler(store, refresher, logger.NewNop())
	app := fiber.New()
	app.Get("/agent", h.GetAgent)
	app.Get("/agents", h.ListAgents)
	app.Post("/agents/refresh", h.RefreshAgents)
	return app, refresher
}

func TestGetAgent(t *testing.T) {
	app, _ := newAgentApp(t)

	assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, "GET", "/agent", "", nil))

	tests := []struct {
		query  string
		status int
	}{
		{"app-01", 0},
		{"10.0.0.7", 0},
		{"10.0.0.8", -1},
	}
	for _, tt := range tests {
		var resp dto.AgentLookupResponse
		code := doJSON(t, app, "GET", "/agent?ip="+tt.query, "", &resp)
		assert.Equal(t, fiber.StatusOK, code)
		assert.Equal(t, tt.status, resp.Status, tt.query)
		if tt.status == 0 {
			require.NotNil(t, resp.Data)
			assert.Equal(t, "app-01", resp.Data.ID)
			assert.Equal(t, 2, resp.Data.Version)
		} else {
			assert.Nil(t, resp.Data)
		}
	}
}

func TestListAgents(t *testing.T) {
	app, _ := newAgentApp(t)
	var agents []dto.AgentResponse
	assert.Equal(t, fiber.StatusOK, doJSON(t, app, "GET", "/agents", "", &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "10.0.0.7:51000", agents[0].RemoteAddr)
}

func TestRefreshAgents(t *testing.T) {
	app, refresher := newAgentApp(t)

	var resp dto.RefreshAgentsResponse
	code := doJSON(t, app, "POST", "/agents/refresh", `{"agents":["app-01","gone"]}`, &resp)
	assert.Equal(t, fiber.StatusOK, code)
	assert.Equal(t, []string{"app-01", "gone"}, refresher.asked)
	assert.Equal(t, map[string]string{"gone": services.ErrAgentNotConnected.Error()}, resp.Failed)

	assert.Equal(t, fiber.StatusBadRequest, doJSON(t, app, "POST", "/agents/refresh", `{"agents":`, nil))

	// no body refreshes everything
	assert.Equal(t, fiber.StatusOK, doJSON(t, app, "POST", "/agents/refresh", "", nil))
	assert.Empty(t, refresher.asked)
}

func TestTaskHandler(t *testing.T) {
	registry := services.NewTaskRegistry(services.TaskRegistryConfig{ReapInterval: time.Hour})
	t.Cleanup(registry.Close)
	task := &stubTask{id: "r1@h1"}
	require.True(t, registry.Register(task))

	h := NewTaskHandler(registry, nil, logger.NewNop())
	app := fiber.New()
	app.Get("/tasks", h.ListTasks)
	app.Delete("/tasks/:id", h.CancelTask)
	app.Get("/tasks/:id/events", h.GetTaskEvents)
	app.Get("/events", h.RecentEvents)

	var tasks []dto.TaskResponse
	assert.Equal(t, fiber.StatusOK, doJSON(t, app, "GET", "/tasks", "", &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "r1@h1", tasks[0].ID)
	assert.Equal(t, int64(60000), tasks[0].MaxRunningMs)

	assert.Equal(t, fiber.StatusNoContent, doJSON(t, app, "DELETE", "/tasks/r1@h1", "", nil))
	assert.Equal(t, 1, task.cancels)

	var errResp dto.ErrorResponse
	assert.Equal(t, fiber.StatusNotFound, doJSON(t, app, "DELETE", "/tasks/r1@h1", "", &errResp))
	assert.Equal(t, services.ErrTaskUnknown.Error(), errResp.Error)

	var events []any
	assert.Equal(t, fiber.StatusOK, doJSON(t, app, "GET", "/tasks/r1@h1/events", "", &events))
	assert.Empty(t, events)
	assert.Equal(t, fiber.StatusOK, doJSON(t, app, "GET", "/events", "", &events))
}

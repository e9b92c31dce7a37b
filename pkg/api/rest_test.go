package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/ctf-supervisor/pkg/catalog"
	"github.com/sandboxrunner/ctf-supervisor/pkg/common"
	"github.com/sandboxrunner/ctf-supervisor/pkg/monitoring"
	"github.com/sandboxrunner/ctf-supervisor/pkg/runtime"
	"github.com/sandboxrunner/ctf-supervisor/pkg/sandbox"
	"github.com/sandboxrunner/ctf-supervisor/pkg/storage"
)

const testSecret = "s3cret-token"

// MockSupervisor is a testify mock of sandbox.Supervisor
type MockSupervisor struct {
	mock.Mock
}

func (m *MockSupervisor) Spawn(ctx context.Context, req sandbox.Request) (*sandbox.Instance, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sandbox.Instance), args.Error(1)
}

func (m *MockSupervisor) Destroy(ctx context.Context, instanceID string, requesterID *string) error {
	args := m.Called(ctx, instanceID, requesterID)
	return args.Error(0)
}

func (m *MockSupervisor) List(ctx context.Context, filter sandbox.ListFilter) ([]*sandbox.Instance, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*sandbox.Instance), args.Error(1)
}

func (m *MockSupervisor) Get(ctx context.Context, instanceID string) (*sandbox.Instance, error) {
	args := m.Called(ctx, instanceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sandbox.Instance), args.Error(1)
}

func (m *MockSupervisor) Logs(ctx context.Context, instanceID string, tail int) (string, error) {
	args := m.Called(ctx, instanceID, tail)
	return args.String(0), args.Error(1)
}

func (m *MockSupervisor) Stats(ctx context.Context, instanceID string) (*runtime.Stats, error) {
	args := m.Called(ctx, instanceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*runtime.Stats), args.Error(1)
}

func (m *MockSupervisor) Challenges() []catalog.Summary {
	args := m.Called()
	return args.Get(0).([]catalog.Summary)
}

func (m *MockSupervisor) History(ctx context.Context, ownerID string, limit int) ([]*storage.InstanceRecord, error) {
	args := m.Called(ctx, ownerID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*storage.InstanceRecord), args.Error(1)
}

func (m *MockSupervisor) Reconcile(ctx context.Context) (*sandbox.ReconcileReport, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sandbox.ReconcileReport), args.Error(1)
}

func (m *MockSupervisor) Health(ctx context.Context) sandbox.HealthStatus {
	args := m.Called(ctx)
	return args.Get(0).(sandbox.HealthStatus)
}

func (m *MockSupervisor) Subscribe(handler sandbox.EventHandler, filter sandbox.EventFilter, types ...sandbox.EventType) string {
	args := m.Called(handler, filter, types)
	return args.String(0)
}

func (m *MockSupervisor) Unsubscribe(subscriptionID string) {
	m.Called(subscriptionID)
}

func (m *MockSupervisor) RecentEvents(limit int) []sandbox.Event {
	args := m.Called(limit)
	return args.Get(0).([]sandbox.Event)
}

func strPtr(s string) *string {
	return &s
}

func createTestServer(t testing.TB, mutate ...func(*Config)) (*Server, *MockSupervisor) {
	t.Helper()

	config := DefaultConfig()
	config.SharedSecret = testSecret
	for _, fn := range mutate {
		fn(&config)
	}

	supervisor := &MockSupervisor{}
	server, err := NewServer(config, supervisor, monitoring.NewMetrics(), zerolog.Nop())
	require.NoError(t, err)
	return server, supervisor
}

func doRequest(server *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	server.GetRouter().ServeHTTP(w, req)
	return w
}

func doAuthorized(server *Server, method, path, body string) *httptest.ResponseRecorder {
	return doRequest(server, method, path, body, map[string]string{DefaultAuthHeader: testSecret})
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, statusError, response.Status)
	return response
}

func sampleInstance(id string, ownerID *string) *sandbox.Instance {
	created := time.Now().UTC().Add(-time.Minute)
	return &sandbox.Instance{
		ID:            id,
		OwnerID:       ownerID,
		ChallengeKey:  "web-easy",
		ContainerID:   "container-" + id,
		ContainerName: "sandbox-web-easy-" + id,
		HostPort:      20001,
		URL:           "http://ctf.example.org:20001",
		Status:        sandbox.StatusRunning,
		CreatedAt:     created,
		ExpiresAt:     created.Add(10 * time.Minute),
	}
}

func TestNewServer(t *testing.T) {
	_, err := NewServer(Config{SharedSecret: testSecret}, nil, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewServer(Config{}, &MockSupervisor{}, nil, zerolog.Nop())
	assert.Error(t, err)

	server, err := NewServer(Config{SharedSecret: testSecret}, &MockSupervisor{}, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultAuthHeader, server.config.AuthHeader)
	assert.Equal(t, int64(64*1024), server.config.MaxRequestSize)
	assert.Equal(t, 100, server.config.DefaultLogTail)
	assert.NotNil(t, server.GetRouter())
}

func TestServer_Auth(t *testing.T) {
	tests := []struct {
		name           string
		path           string
		headers        map[string]string
		expectedStatus int
	}{
		{
			name:           "missing secret",
			path:           "/list",
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "wrong secret",
			path:           "/list",
			headers:        map[string]string{DefaultAuthHeader: "nope"},
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "secret prefix",
			path:           "/list",
			headers:        map[string]string{DefaultAuthHeader: testSecret[:4]},
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "valid secret",
			path:           "/list",
			headers:        map[string]string{DefaultAuthHeader: testSecret},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "healthz is public",
			path:           "/healthz",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "metrics is public",
			path:           "/metrics",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, supervisor := createTestServer(t)
			supervisor.On("List", mock.Anything, mock.Anything).Return([]*sandbox.Instance{}, nil).Maybe()
			supervisor.On("Health", mock.Anything).Return(sandbox.HealthStatus{Status: "ok", RuntimeAvailable: true}).Maybe()

			w := doRequest(server, http.MethodGet, tt.path, "", tt.headers)
			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusForbidden {
				response := decodeError(t, w)
				assert.Equal(t, common.ErrCodeForbidden, response.Code)
				supervisor.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestServer_CustomAuthHeader(t *testing.T) {
	server, supervisor := createTestServer(t, func(c *Config) { c.AuthHeader = "X-CTF-Key" })
	supervisor.On("Challenges").Return([]catalog.Summary{})

	w := doRequest(server, http.MethodGet, "/challenges", "", map[string]string{DefaultAuthHeader: testSecret})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(server, http.MethodGet, "/challenges", "", map[string]string{"X-CTF-Key": testSecret})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_Spawn(t *testing.T) {
	server, supervisor := createTestServer(t)
	inst := sampleInstance("inst-1", strPtr("u1"))

	supervisor.On("Spawn", mock.Anything, mock.MatchedBy(func(req sandbox.Request) bool {
		return req.ChallengeKey == "web-easy" &&
			req.OwnerID != nil && *req.OwnerID == "u1" &&
			req.CorrelationID == "req-42"
	})).Return(inst, nil)

	w := doRequest(server, http.MethodPost, "/spawn", `{"owner_id":"u1","challenge_key":"web-easy"}`, map[string]string{
		DefaultAuthHeader: testSecret,
		RequestIDHeader:   "req-42",
	})

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(RequestIDHeader))

	var response SpawnResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, statusOK, response.Status)
	assert.Equal(t, "inst-1", response.InstanceID)
	assert.Equal(t, "container-inst-1", response.ContainerID)
	assert.Equal(t, 20001, response.HostPort)
	assert.Equal(t, "http://ctf.example.org:20001", response.URL)
	assert.True(t, inst.ExpiresAt.Equal(response.ExpiresAt))

	supervisor.AssertExpectations(t)
}

func TestServer_SpawnAnonymous(t *testing.T) {
	server, supervisor := createTestServer(t)
	supervisor.On("Spawn", mock.Anything, mock.MatchedBy(func(req sandbox.Request) bool {
		return req.OwnerID == nil && req.CorrelationID != ""
	})).Return(sampleInstance("inst-2", nil), nil)

	w := doAuthorized(server, http.MethodPost, "/spawn", `{"challenge_key":"web-easy"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	supervisor.AssertExpectations(t)
}

func TestServer_SpawnValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty body", body: ""},
		{name: "malformed json", body: `{"challenge_key":`},
		{name: "missing challenge", body: `{"owner_id":"u1"}`},
		{name: "unknown field", body: `{"challenge_key":"web-easy","image":"alpine"}`},
		{name: "wrong type", body: `{"challenge_key":42}`},
		{name: "empty owner", body: `{"owner_id":"","challenge_key":"web-easy"}`},
		{name: "bad challenge characters", body: `{"challenge_key":"../etc"}`},
		{name: "oversized", body: `{"challenge_key":"` + strings.Repeat("a", 70*1024) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, supervisor := createTestServer(t)

			w := doAuthorized(server, http.MethodPost, "/spawn", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			response := decodeError(t, w)
			assert.Equal(t, common.ErrCodeInvalidRequest, response.Code)
			supervisor.AssertNotCalled(t, "Spawn", mock.Anything, mock.Anything)
		})
	}
}

func TestServer_SpawnErrorMapping(t *testing.T) {
	daemonText := "Error response from daemon: pull access denied for registry.internal/flag-image"

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedCode   string
	}{
		{"unknown challenge", common.ErrUnknownChallenge, http.StatusNotFound, common.ErrCodeUnknownChallenge},
		{"policy denied", common.ErrPolicyDenied, http.StatusBadRequest, common.ErrCodePolicyDenied},
		{"owner limit", common.ErrConcurrentInstanceLimit, http.StatusConflict, common.ErrCodeConcurrentInstanceLimit},
		{"capacity", common.ErrCapacityExceeded, http.StatusTooManyRequests, common.ErrCodeCapacityExceeded},
		{"no ports", common.ErrNoPortsAvailable, http.StatusServiceUnavailable, common.ErrCodeNoPortsAvailable},
		{"runtime down", common.ErrRuntimeUnavailable, http.StatusServiceUnavailable, common.ErrCodeRuntimeUnavailable},
		{
			"deploy failed hides daemon output",
			common.WrapSandboxError(common.ErrCodeDeployFailed, "failed to deploy challenge", fmt.Errorf("%s", daemonText)),
			http.StatusInternalServerError,
			common.ErrCodeDeployFailed,
		},
		{"unstructured error", fmt.Errorf("%s", daemonText), http.StatusInternalServerError, common.ErrCodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, supervisor := createTestServer(t)
			supervisor.On("Spawn", mock.Anything, mock.Anything).Return(nil, tt.err)

			w := doAuthorized(server, http.MethodPost, "/spawn", `{"owner_id":"u1","challenge_key":"web-easy"}`)
			assert.Equal(t, tt.expectedStatus, w.Code)

			response := decodeError(t, w)
			assert.Equal(t, tt.expectedCode, response.Code)
			assert.NotEmpty(t, response.Message)
			assert.NotEmpty(t, response.RequestID)
			assert.NotContains(t, w.Body.String(), "daemon")
		})
	}
}

func TestServer_SpawnRateLimit(t *testing.T) {
	server, supervisor := createTestServer(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Enabled: true, PerMinute: 1, Burst: 2, IdleTTL: time.Minute}
	})
	supervisor.On("Spawn", mock.Anything, mock.Anything).Return(sampleInstance("inst-1", strPtr("u1")), nil)

	spawn := func(body string) *httptest.ResponseRecorder {
		return doAuthorized(server, http.MethodPost, "/spawn", body)
	}

	assert.Equal(t, http.StatusCreated, spawn(`{"owner_id":"u1","challenge_key":"web-easy"}`).Code)
	assert.Equal(t, http.StatusCreated, spawn(`{"owner_id":"u1","challenge_key":"web-easy"}`).Code)

	w := spawn(`{"owner_id":"u1","challenge_key":"web-easy"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, common.ErrCodeRateLimited, decodeError(t, w).Code)

	// Other owners have their own bucket
	assert.Equal(t, http.StatusCreated, spawn(`{"owner_id":"u2","challenge_key":"web-easy"}`).Code)

	// Anonymous callers are keyed by remote address
	assert.Equal(t, http.StatusCreated, spawn(`{"challenge_key":"web-easy"}`).Code)
	assert.Equal(t, http.StatusCreated, spawn(`{"challenge_key":"web-easy"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, spawn(`{"challenge_key":"web-easy"}`).Code)

	supervisor.AssertNumberOfCalls(t, "Spawn", 5)
}

func TestServer_SpawnRateLimitDisabled(t *testing.T) {
	server, supervisor := createTestServer(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Enabled: false, PerMinute: 1, Burst: 1}
	})
	supervisor.On("Spawn", mock.Anything, mock.Anything).Return(sampleInstance("inst-1", strPtr("u1")), nil)

	for i := 0; i < 5; i++ {
		w := doAuthorized(server, http.MethodPost, "/spawn", `{"owner_id":"u1","challenge_key":"web-easy"}`)
		assert.Equal(t, http.StatusCreated, w.Code)
	}
}

func TestServer_Destroy(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		mockError      error
		expectedStatus int
		expectedCode   string
		expectedOwner  *string
	}{
		{
			name:           "owner destroys",
			body:           `{"instance_id":"inst-1","owner_id":"u1"}`,
			expectedStatus: http.StatusOK,
			expectedOwner:  strPtr("u1"),
		},
		{
			name:           "administrator destroys",
			body:           `{"instance_id":"inst-1"}`,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "unknown instance",
			body:           `{"instance_id":"ghost","owner_id":"u1"}`,
			mockError:      common.ErrNotFound,
			expectedStatus: http.StatusNotFound,
			expectedCode:   common.ErrCodeNotFound,
			expectedOwner:  strPtr("u1"),
		},
		{
			name:           "someone else's instance",
			body:           `{"instance_id":"inst-1","owner_id":"u2"}`,
			mockError:      common.ErrForbidden,
			expectedStatus: http.StatusForbidden,
			expectedCode:   common.ErrCodeForbidden,
			expectedOwner:  strPtr("u2"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, supervisor := createTestServer(t)

			var instanceID struct {
				InstanceID string `json:"instance_id"`
			}
			require.NoError(t, json.Unmarshal([]byte(tt.body), &instanceID))

			supervisor.On("Destroy", mock.Anything, instanceID.InstanceID, mock.MatchedBy(func(owner *string) bool {
				if tt.expectedOwner == nil {
					return owner == nil
				}
				return owner != nil && *owner == *tt.expectedOwner
			})).Return(tt.mockError)

			w := doAuthorized(server, http.MethodPost, "/destroy", tt.body)
			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedCode != "" {
				assert.Equal(t, tt.expectedCode, decodeError(t, w).Code)
			} else {
				var response StatusResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
				assert.Equal(t, statusOK, response.Status)
			}
			supervisor.AssertExpectations(t)
		})
	}
}

func TestServer_DestroyValidation(t *testing.T) {
	server, supervisor := createTestServer(t)

	w := doAuthorized(server, http.MethodPost, "/destroy", `{"owner_id":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, common.ErrCodeInvalidRequest, decodeError(t, w).Code)

	w = doAuthorized(server, http.MethodGet, "/destroy", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	supervisor.AssertNotCalled(t, "Destroy", mock.Anything, mock.Anything, mock.Anything)
}

func TestServer_List(t *testing.T) {
	tests := []struct {
		name   string
		query  string
		filter sandbox.ListFilter
	}{
		{name: "no filter", query: ""},
		{name: "by owner", query: "?owner_id=u1", filter: sandbox.ListFilter{OwnerID: strPtr("u1")}},
		{name: "by challenge", query: "?challenge=web-easy", filter: sandbox.ListFilter{ChallengeKey: "web-easy"}},
		{
			name:   "both",
			query:  "?owner_id=u1&challenge=web-easy",
			filter: sandbox.ListFilter{OwnerID: strPtr("u1"), ChallengeKey: "web-easy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, supervisor := createTestServer(t)
			instances := []*sandbox.Instance{
				sampleInstance("inst-1", strPtr("u1")),
				sampleInstance("inst-2", nil),
			}
			supervisor.On("List", mock.Anything, tt.filter).Return(instances, nil)

			w := doAuthorized(server, http.MethodGet, "/list"+tt.query, "")
			require.Equal(t, http.StatusOK, w.Code)

			var response ListResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, statusOK, response.Status)
			assert.Equal(t, 2, response.Total)
			require.Len(t, response.Instances, 2)
			assert.Equal(t, "inst-1", response.Instances[0].InstanceID)
			assert.Equal(t, "u1", *response.Instances[0].OwnerID)
			assert.Nil(t, response.Instances[1].OwnerID)
			assert.Equal(t, "running", response.Instances[0].Status)
			assert.Greater(t, response.Instances[0].RemainingSeconds, int64(500))

			supervisor.AssertExpectations(t)
		})
	}
}

func TestServer_ListEmpty(t *testing.T) {
	server, supervisor := createTestServer(t)
	supervisor.On("List", mock.Anything, sandbox.ListFilter{}).Return([]*sandbox.Instance{}, nil)

	w := doAuthorized(server, http.MethodGet, "/list", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"instances":[]`)
}

func TestServer_GetInstance(t *testing.T) {
	server, supervisor := createTestServer(t)
	supervisor.On("Get", mock.Anything, "inst-1").Return(sampleInstance("inst-1", strPtr("u1")), nil)
	supervisor.On("Get", mock.Anything, "ghost").Return(nil, common.ErrNotFound)

	w := doAuthorized(server, http.MethodGet, "/instances/inst-1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var response InstanceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "inst-1", response.InstanceID)
	assert.Equal(t, "sandbox-web-easy-inst-1", response.ContainerName)

	w = doAuthorized(server, http.MethodGet, "/instances/ghost", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, common.ErrCodeNotFound, decodeError(t, w).Code)
}

func TestServer_Logs(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		expectedTail   int
		expectedStatus int
	}{
		{name: "default tail", query: "", expectedTail: 100, expectedStatus: http.StatusOK},
		{name: "explicit tail", query: "?tail=20", expectedTail: 20, expectedStatus: http.StatusOK},
		{name: "clamped tail", query: "?tail=999999", expectedTail: 5000, expectedStatus: http.StatusOK},
		{name: "invalid tail", query: "?tail=abc", expectedStatus: http.StatusBadRequest},
		{name: "negative tail", query: "?tail=-3", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, supervisor := createTestServer(t)
			supervisor.On("Logs", mock.Anything, "inst-1", tt.expectedTail).Return("listening on :80\n", nil).Maybe()

			w := doAuthorized(server, http.MethodGet, "/instances/inst-1/logs"+tt.query, "")
			assert.Equal(t, tt.expectedStatus, w.Code)

			if tt.expectedStatus == http.StatusOK {
				var response LogsResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
				assert.Equal(t, tt.expectedTail, response.Tail)
				assert.Equal(t, "listening on :80\n", response.Logs)
				supervisor.AssertExpectations(t)
			} else {
				supervisor.AssertNotCalled(t, "Logs", mock.Anything, mock.Anything, mock.Anything)
			}
		})
	}
}

func TestServer_Stats(t *testing.T) {
	server, supervisor := createTestServer(t)
	supervisor.On("Stats", mock.Anything, "inst-1").Return(&runtime.Stats{
		CPUPercent:  12.5,
		MemoryUsage: 64 << 20,
		MemoryLimit: 256 << 20,
	}, nil)
	supervisor.On("Stats", mock.Anything, "inst-2").Return(nil, common.ErrRuntimeUnavailable)

	w := doAuthorized(server, http.MethodGet, "/instances/inst-1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats runtime.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 12.5, stats.CPUPercent)
	assert.Equal(t, uint64(64<<20), stats.MemoryUsage)

	w = doAuthorized(server, http.MethodGet, "/instances/inst-2/stats", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_History(t *testing.T) {
	server, supervisor := createTestServer(t)
	records := []*storage.InstanceRecord{
		{ID: "inst-2", OwnerID: strPtr("u1"), ChallengeKey: "web-easy", Status: "stopped"},
		{ID: "inst-1", OwnerID: strPtr("u1"), ChallengeKey: "web-easy", Status: "expired"},
	}
	supervisor.On("History", mock.Anything, "u1", 50).Return(records, nil)
	supervisor.On("History", mock.Anything, "u1", 10).Return(records[:1], nil)

	w := doAuthorized(server, http.MethodGet, "/history/u1", "")
	require.Equal(t, http.StatusOK, w.Code)

	var response HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "u1", response.OwnerID)
	assert.Len(t, response.Instances, 2)

	w = doAuthorized(server, http.MethodGet, "/history/u1?limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Len(t, response.Instances, 1)

	supervisor.AssertExpectations(t)
}

func TestServer_Challenges(t *testing.T) {
	server, supervisor := createTestServer(t)
	supervisor.On("Challenges").Return([]catalog.Summary{
		{Key: "pwn-hard", Protocol: "tcp", TTLSeconds: 1800, MaxConcurrentInstances: 2},
		{Key: "web-easy", Protocol: "http", TTLSeconds: 600, MaxConcurrentInstances: 20},
	})

	w := doAuthorized(server, http.MethodGet, "/challenges", "")
	require.Equal(t, http.StatusOK, w.Code)

	var response ChallengesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, 2, response.Total)
	assert.Equal(t, "pwn-hard", response.Challenges[0].Key)
	assert.NotContains(t, w.Body.String(), "image")
}

func TestServer_Reconcile(t *testing.T) {
	t.Run("report", func(t *testing.T) {
		server, supervisor := createTestServer(t)
		supervisor.On("Reconcile", mock.Anything).Return(&sandbox.ReconcileReport{
			Containers: 3,
			Adopted:    []string{"inst-1"},
			Removed:    []string{"container-9"},
		}, nil)

		w := doAuthorized(server, http.MethodPost, "/reconcile", "")
		require.Equal(t, http.StatusOK, w.Code)

		var report sandbox.ReconcileReport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
		assert.Equal(t, 3, report.Containers)
		assert.Equal(t, []string{"inst-1"}, report.Adopted)
	})

	t.Run("runtime unavailable", func(t *testing.T) {
		server, supervisor := createTestServer(t)
		supervisor.On("Reconcile", mock.Anything).Return(&sandbox.ReconcileReport{Skipped: true}, common.ErrRuntimeUnavailable)

		w := doAuthorized(server, http.MethodPost, "/reconcile", "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, common.ErrCodeRuntimeUnavailable, decodeError(t, w).Code)
	})
}

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name           string
		health         sandbox.HealthStatus
		expectedStatus int
	}{
		{
			name:           "healthy",
			health:         sandbox.HealthStatus{Status: "ok", RuntimeAvailable: true, Instances: 4},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "degraded",
			health:         sandbox.HealthStatus{Status: "degraded", RuntimeAvailable: false},
			expectedStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, supervisor := createTestServer(t)
			supervisor.On("Health", mock.Anything).Return(tt.health)

			w := doRequest(server, http.MethodGet, "/healthz", "", nil)
			assert.Equal(t, tt.expectedStatus, w.Code)

			var response sandbox.HealthStatus
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, tt.health.Status, response.Status)
			assert.Equal(t, tt.health.Instances, response.Instances)
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	server, supervisor := createTestServer(t)
	supervisor.On("List", mock.Anything, mock.Anything).Return([]*sandbox.Instance{}, nil)

	doAuthorized(server, http.MethodGet, "/list", "")
	doRequest(server, http.MethodGet, "/list", "", nil)

	w := doRequest(server, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := w.Body.String()
	assert.Contains(t, body, `ctf_supervisor_http_requests_total{method="GET",route="/list",status="200"} 1`)
	assert.Contains(t, body, `ctf_supervisor_http_requests_total{method="GET",route="/list",status="403"} 1`)
}

func TestServer_MetricsDisabled(t *testing.T) {
	server, _ := createTestServer(t, func(c *Config) { c.EnableMetrics = false })

	w := doRequest(server, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_UnknownRoute(t *testing.T) {
	server, _ := createTestServer(t)

	w := doAuthorized(server, http.MethodGet, "/api/v1/sandboxes", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, common.ErrCodeNotFound, decodeError(t, w).Code)
}

func TestServer_RequestIDGenerated(t *testing.T) {
	server, _ := createTestServer(t)

	w := doRequest(server, http.MethodGet, "/list", "", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	response := decodeError(t, w)
	assert.NotEmpty(t, response.RequestID)
	assert.Equal(t, w.Header().Get(RequestIDHeader), response.RequestID)
}

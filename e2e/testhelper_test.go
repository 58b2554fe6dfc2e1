package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/assetforge/api/internal/auth"
	"github.com/assetforge/api/internal/client"
	"github.com/assetforge/api/internal/config"
	"github.com/assetforge/api/internal/handler"
	"github.com/assetforge/api/internal/middleware"
	"github.com/assetforge/api/internal/model"
	"github.com/assetforge/api/internal/service"
	"github.com/assetforge/api/internal/store"
	ws "github.com/assetforge/api/internal/websocket"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testUserID    = "test-user-123"
)

// scriptedTaskAPI stands in for the Meshy API. Every task succeeds on its
// first poll unless a stage is told to fail.
type scriptedTaskAPI struct {
	mu         sync.Mutex
	started    int
	failStage  string
	failReason string
}

func (f *scriptedTaskAPI) StartTask(_ context.Context, req *client.StartTaskRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return fmt.Sprintf("task-%s-%d", req.Stage, f.started), nil
}

func (f *scriptedTaskAPI) GetTaskStatus(_ context.Context, taskID string) (*client.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStage != "" && strings.Contains(taskID, "task-"+f.failStage+"-") {
		return &client.TaskStatus{
			TaskID:       taskID,
			Status:       client.RemoteFailed,
			ErrorMessage: f.failReason,
		}, nil
	}
	return &client.TaskStatus{
		TaskID:     taskID,
		Status:     client.RemoteSucceeded,
		Progress:   100,
		ResultURLs: []string{"https://assets.meshy.test/" + taskID + "/model.glb"},
	}, nil
}

func (f *scriptedTaskAPI) DownloadArtifact(_ context.Context, url string) ([]byte, error) {
	return []byte("model-bytes:" + url), nil
}

// failStageWith makes every task for the named stage report a remote failure.
func (f *scriptedTaskAPI) failStageWith(stage, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failStage = stage
	f.failReason = reason
}

// stubStorage accepts every batch and returns deterministic URLs.
type stubStorage struct {
	mu      sync.Mutex
	batches int
}

func (s *stubStorage) UploadBatch(_ context.Context, dir string, files []client.File) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	urls := make(map[string]string, len(files))
	for _, f := range files {
		urls[f.Name] = "https://cdn.test/" + dir + "/" + f.Name
	}
	return urls, nil
}

// nopEnqueuer swallows ticks. Tests drive the lifecycle by calling
// Advance directly, so nothing needs a live queue.
type nopEnqueuer struct{}

func (nopEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return &asynq.TaskInfo{ID: "test-task", Type: task.Type()}, nil
}

// staticStats serves canned queue counts for the stats endpoint.
type staticStats struct {
	mu   sync.Mutex
	info map[string]*asynq.QueueInfo
}

func (s *staticStats) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.info[queue]; ok {
		return info, nil
	}
	return nil, fmt.Errorf("%w: %q", asynq.ErrQueueNotFound, queue)
}

func (s *staticStats) set(queue string, info *asynq.QueueInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info == nil {
		s.info = make(map[string]*asynq.QueueInfo)
	}
	s.info[queue] = info
}

// testApp holds all components needed for testing
type testApp struct {
	app     *fiber.App
	service *service.PipelineService
	store   store.JobStore
	tasks   *scriptedTaskAPI
	storage *stubStorage
	stats   *staticStats
}

// setupApp builds the same route surface as main.go on top of in-memory
// fakes, so tests run without Redis or external services.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	jobStore := store.NewMemoryStore()
	tasks := &scriptedTaskAPI{}
	storage := &stubStorage{}
	stats := &staticStats{}

	validate := validator.New()

	hub := ws.NewHub()
	go hub.Run()

	pipelineCfg := &config.PipelineConfig{
		PollInterval:   5 * time.Second,
		MaxJobDuration: 20 * time.Minute,
		Retention:      720 * time.Hour,
		StalledAfter:   2 * time.Minute,
	}

	publisher := service.NewPublisher(tasks, storage, "assets")
	pipelineService := service.NewPipelineService(
		jobStore,
		tasks,
		publisher,
		nopEnqueuer{},
		stats,
		hub,
		pipelineCfg,
	)

	pipelineHandler := handler.NewPipelineHandler(pipelineService, validate)
	jobHandler := handler.NewJobHandler(pipelineService, hub)

	authMiddleware := middleware.NewLegacyAuthMiddleware(testJWTSecret)

	app := fiber.New()

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"meshy":   false,
				"storage": "cdn",
				"redis":   false,
				"auth":    true,
			},
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API routes (authenticated, no rate limits so tests don't need Redis)
	api := app.Group("/api/v1", authMiddleware.Authenticate())

	pipeline := api.Group("/pipeline")
	pipeline.Post("/generate", pipelineHandler.Generate)
	pipeline.Post("/retexture", pipelineHandler.Retexture)

	jobs := api.Group("/jobs")
	jobs.Get("/:jobId", jobHandler.Get)
	jobs.Delete("/:jobId", jobHandler.Cancel)
	jobs.Get("/:jobId/stream", jobHandler.Stream)

	api.Get("/users/:userId/jobs", jobHandler.ListForUser)
	api.Get("/queue/stats", jobHandler.QueueStats)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	return &testApp{
		app:     app,
		service: pipelineService,
		store:   jobStore,
		tasks:   tasks,
		storage: storage,
		stats:   stats,
	}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	claims := auth.LegacyClaims{
		UserID: userID,
		Email:  userID + "@example.com",
		Roles:  roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "assetforge-api",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs a request authenticated as the default test user.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doUserRequest(t, app, testUserID, method, path, body)
}

// doUserRequest performs a request authenticated as the given user.
func doUserRequest(t *testing.T, app *fiber.App, userID, method, path, body string, roles ...string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t, userID, roles...)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// submitGeneration posts a minimal valid generation job and returns its ID.
func submitGeneration(t *testing.T, ta *testApp, userID string) string {
	t.Helper()
	body := `{"assetName": "Bronze Dragon", "prompt": "a bronze dragon statue"}`
	resp, err := doUserRequest(t, ta.app, userID, http.MethodPost, "/api/v1/pipeline/generate", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)

	result := parseJSON(t, resp)
	jobID, _ := result["jobId"].(string)
	if jobID == "" {
		t.Fatalf("expected 'jobId' in response, got %v", result)
	}
	return jobID
}

// advanceToTerminal drives the job through its lifecycle the way the queue
// worker would, one tick at a time.
func advanceToTerminal(t *testing.T, ta *testApp, jobID string) *model.Job {
	t.Helper()
	for i := 0; i < 20; i++ {
		job, err := ta.service.Advance(context.Background(), jobID)
		if err != nil {
			t.Fatalf("advance tick %d failed: %v", i, err)
		}
		if job.IsTerminal() {
			return job
		}
	}
	t.Fatalf("job %s did not reach a terminal status", jobID)
	return nil
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

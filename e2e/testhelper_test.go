package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/manimcat/api/internal/auth"
	"github.com/manimcat/api/internal/cancel"
	"github.com/manimcat/api/internal/client"
	"github.com/manimcat/api/internal/config"
	"github.com/manimcat/api/internal/generator"
	"github.com/manimcat/api/internal/handler"
	"github.com/manimcat/api/internal/logging"
	"github.com/manimcat/api/internal/middleware"
	"github.com/manimcat/api/internal/renderer"
	"github.com/manimcat/api/internal/service"
	ws "github.com/manimcat/api/internal/websocket"
	"github.com/manimcat/api/internal/worker"
)

const testJWTSecret = "test-secret-for-e2e"

// renderScript stands in for the renderer binary: it writes a video where
// the real renderer would.
const renderScript = `#!/bin/sh
media=""
while [ $# -gt 0 ]; do
  case "$1" in
    --media_dir) media="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "Animation 0: 100%"
mkdir -p "$media/videos/scene/480p15"
printf 'video' > "$media/videos/scene/480p15/MainScene.mp4"
`

const slowRenderScript = `#!/bin/sh
sleep 30
`

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	redisOpt asynq.RedisClientOpt
	queue    string
	store    *service.JobStore
	cancels  *cancel.Coordinator
	hub      *ws.Hub
	mediaDir string
}

func redisAddr() string {
	if addr := os.Getenv("E2E_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// setupApp creates a Fiber app wired like main.go against a real Redis
// (DB 15). Every test gets its own queue so leftover tasks never leak into
// another test's worker.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	redisClient := redis.NewClient(&redis.Options{
		Addr: redisAddr(),
		DB:   15,
	})
	t.Cleanup(func() { redisClient.Close() })

	ctx, cancelPing := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelPing()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", redisAddr(), err)
	}

	redisOpt := asynq.RedisClientOpt{Addr: redisAddr(), DB: 15}
	asynqClient := asynq.NewClient(redisOpt)
	t.Cleanup(func() { asynqClient.Close() })
	inspector := asynq.NewInspector(redisOpt)
	t.Cleanup(func() { inspector.Close() })

	queue := "e2e-" + uuid.NewString()[:8]
	mediaDir := t.TempDir()

	hub := ws.NewHub()
	go hub.Run()

	cancels := cancel.NewCoordinator(cancel.NewStore(redisClient, time.Hour))
	store := service.NewJobStore(redisClient, time.Hour)
	jobService := service.NewJobService(store, cancels, asynqClient, inspector, service.QueueOptions{
		Name:        queue,
		MaxAttempts: 1,
		Timeout:     time.Minute,
		Retention:   time.Hour,
	})

	authenticator := auth.NewAuthenticator(config.AuthConfig{JWTSecret: testJWTSecret}, nil)
	jobHandler := handler.NewJobHandler(jobService, validator.New())
	healthHandler := handler.NewHealthHandler(redisClient, false, "local", "sh")
	authHandler := handler.NewAuthHandler(authenticator)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		BodyLimit: 20 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", healthHandler.Health)
	app.Get("/auth/verify", authHandler.Verify)
	app.Static("/videos", filepath.Join(mediaDir, "videos"))
	app.Static("/images", filepath.Join(mediaDir, "images"))

	api := app.Group("/api", middleware.Authenticate(authenticator))
	// very high limit so tests don't get blocked
	submitLimit := rateLimiter.GenerateLimit(10000)
	api.Post("/generate", submitLimit, jobHandler.Generate)
	api.Post("/modify", submitLimit, jobHandler.Modify)
	api.Get("/jobs/:jobId", jobHandler.Status)
	api.Post("/jobs/:jobId/cancel", jobHandler.Cancel)

	return &testApp{
		app:      app,
		redisOpt: redisOpt,
		queue:    queue,
		store:    store,
		cancels:  cancels,
		hub:      hub,
		mediaDir: mediaDir,
	}
}

// startWorker runs an asynq server on the test queue whose renderer is the
// given shell script.
func startWorker(t *testing.T, ta *testApp, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts stand in for the renderer")
	}

	binary := filepath.Join(t.TempDir(), "fake-manim.sh")
	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write renderer script: %v", err)
	}

	supervisor := renderer.NewSupervisor(renderer.Config{
		Binary:         binary,
		WorkDir:        t.TempDir(),
		Timeout:        time.Minute,
		SampleInterval: 100 * time.Millisecond,
	}, ta.cancels, renderer.NewTreeSampler())

	renderWorker := worker.NewRenderWorker(worker.Deps{
		Store:     ta.store,
		Cancels:   ta.cancels,
		LLM:       worker.DefaultLLM(client.NewLLMClient(&config.LLMConfig{})),
		Generator: generator.Settings{DesignerMaxTokens: 12000, CoderMaxTokens: 1200},
		Renderer:  supervisor,
		Hub:       ta.hub,
		Settings: worker.Settings{
			MediaDir:            ta.mediaDir,
			FrameRate:           15,
			StillRenderingAfter: time.Minute,
			MaxRetries:          0,
		},
	})

	srv := asynq.NewServer(ta.redisOpt, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{ta.queue: 1},
		Logger:      logging.Component("Asynq"),
		LogLevel:    asynq.WarnLevel,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeRender, renderWorker.ProcessTask)
	if err := srv.Start(mux); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	t.Cleanup(srv.Shutdown)
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.IssueHMACToken("test-user-123", "test@example.com", testJWTSecret, time.Hour)
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

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
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

// submit posts a generate request and returns the job id.
func submit(t *testing.T, ta *testApp, body string) string {
	t.Helper()
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/generate", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	jobID, _ := parseJSON(t, resp)["jobId"].(string)
	if jobID == "" {
		t.Fatal("expected 'jobId' in response")
	}
	return jobID
}

// waitForStatus polls the status endpoint until want is reported.
func waitForStatus(t *testing.T, ta *testApp, jobID, want string, timeout time.Duration) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last map[string]interface{}
	for time.Now().Before(deadline) {
		resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID, "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		last = parseJSON(t, resp)
		if last["status"] == want {
			return last
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %q, last status: %v", jobID, want, last)
	return nil
}

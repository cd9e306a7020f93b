// Global API config

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	_ "github.com/danielgtaylor/huma/v2/formats/cbor"

	"github.com/ami-platform/ami-jobs/app/jobs"
	"github.com/ami-platform/ami-jobs/app/metrics"
	"github.com/ami-platform/ami-jobs/app/orchestration"
	"github.com/ami-platform/ami-jobs/app/progress"
	"github.com/ami-platform/ami-jobs/app/taskqueue"
)

const (
	DefaultReserveTimeout = 5 * time.Second
	MaxTaskBatch          = 100
)

// TaskSource hands out reserved tasks from a job's queue
type TaskSource interface {
	ReserveTasks(ctx context.Context, jobID int64, batch int, timeout time.Duration) ([]*taskqueue.ReservedTask, error)
}

type ResultIngestor interface {
	Ingest(ctx context.Context, jobID int64, replySubject string, res orchestration.Result) (orchestration.Outcome, error)
}

// ResultQueue defers results to the background worker
type ResultQueue interface {
	Enqueue(ctx context.Context, p orchestration.IngestPayload) (string, error)
}

type ProgressReader interface {
	GetProgress(ctx context.Context, jobID int64, stage string) (*progress.Progress, error)
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

var (
	_ TaskSource     = (*taskqueue.Client)(nil)
	_ ResultIngestor = (*orchestration.Ingestor)(nil)
	_ ResultQueue    = (*orchestration.IngestQueue)(nil)
	_ ProgressReader = (*progress.Tracker)(nil)
)

// Services are the collaborators behind the API. Results may be nil, in
// which case the batch results endpoint is not registered.
type Services struct {
	Manager        *jobs.Manager
	Tasks          TaskSource
	Ingestor       ResultIngestor
	Results        ResultQueue
	Progress       ProgressReader
	Health         HealthChecker
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	ReserveTimeout time.Duration
	PublicURL      string
}

// Make the services available on each endpoint
type API struct {
	api    huma.API
	svc    Services
	logger *slog.Logger
}

// NewAPI creates the Huma API and registers routes.
// It returns the API object and the HTTP handler (stdlib mux) that should be served.
func NewAPI(svc Services) (*API, http.Handler) {
	if svc.Logger == nil {
		svc.Logger = slog.Default()
	}
	if svc.ReserveTimeout <= 0 {
		svc.ReserveTimeout = DefaultReserveTimeout
	}

	config := huma.DefaultConfig("AMI Jobs API", "1.0.0")
	config.DocsPath = "/"
	config.OpenAPIPath = "/openapi.json"
	if svc.PublicURL != "" {
		config.Servers = []*huma.Server{
			{URL: svc.PublicURL, Description: "AMI Jobs"},
		}
	}
	config.Info.Description = "Asynchronous ML job orchestration for AMI biodiversity monitoring."

	router := http.NewServeMux()
	humaAPI := humago.New(router, config)
	apiObj := &API{
		api:    humaAPI,
		svc:    svc,
		logger: svc.Logger,
	}

	apiObj.registerGlobalRoutes()
	apiObj.registerJobRoutes()
	apiObj.registerTaskRoutes()

	router.Handle("GET /metrics", svc.Metrics.Handler())

	return apiObj, router
}

func (a *API) registerGlobalRoutes() {
	// Health check
	huma.Register(a.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health status",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthResponse, error) {
		if a.svc.Health != nil {
			if err := a.svc.Health.HealthCheck(ctx); err != nil {
				return nil, huma.NewError(http.StatusServiceUnavailable, "Database unavailable", err)
			}
		}
		resp := &HealthResponse{}
		resp.Body.HealthStatus = "healthy"
		resp.Body.Timestamp = time.Now().UTC().Format(time.RFC3339)
		return resp, nil
	})
}

// loadJob returns the job or a 404
func (a *API) loadJob(ctx context.Context, id int64) (*jobs.Job, error) {
	job, err := a.svc.Manager.Store().Get(ctx, id)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to load job", err)
	}
	if job == nil {
		return nil, huma.Error404NotFound("Job not found")
	}
	return job, nil
}

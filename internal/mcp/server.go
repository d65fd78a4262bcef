package mcp

import (
	"context"
	"log/slog"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/imgclass/internal/dataset"
	"github.com/rpggio/imgclass/internal/domain/activity"
	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/inference"
	"github.com/rpggio/imgclass/internal/trainer"
	"github.com/rpggio/imgclass/internal/training"
)

// ProjectService defines project operations needed by MCP.
type ProjectService interface {
	Create(ctx context.Context, req project.CreateRequest) (*project.Project, error)
	Get(ctx context.Context, name string) (*project.Project, error)
	List(ctx context.Context) ([]project.Project, error)
	Delete(ctx context.Context, name string) error
}

// DatasetService defines dataset operations needed by MCP.
type DatasetService interface {
	IngestArchive(ctx context.Context, name string, data []byte) (*dataset.Result, error)
	IngestImage(ctx context.Context, name, class, filename string, data []byte) (*dataset.Result, error)
	Refresh(ctx context.Context, name string) (*dataset.Result, error)
}

// TrainingService defines training operations needed by MCP.
type TrainingService interface {
	DefaultParams() trainer.Params
	Start(ctx context.Context, name string, params trainer.Params) (*training.Job, error)
	Status(ctx context.Context, id string) (*training.Job, error)
	ListJobs(ctx context.Context, name string, limit int) ([]training.Job, error)
	Cancel(ctx context.Context, id string) (*training.Job, error)
}

// InferenceService defines prediction needed by MCP.
type InferenceService interface {
	Predict(ctx context.Context, name string, data []byte) (*inference.Prediction, error)
}

// ActivityService defines activity operations needed by MCP.
type ActivityService interface {
	GetRecentActivity(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error)
}

// Services contains all domain services needed by MCP.
type Services struct {
	Projects  ProjectService
	Datasets  DatasetService
	Training  TrainingService
	Inference InferenceService
	Activity  ActivityService
}

// Config contains server configuration.
type Config struct {
	Services      Services
	Resolver      KeyResolver
	AuthEnabled   bool
	TransportMode string // "stdio" or "http"
	Version       string
	Logger        *slog.Logger
}

const localOwner = "local"

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "imgclass",
		Version: version,
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	registerDocResources(server)

	// Stdio is local only and never authenticated.
	var resolver KeyResolver
	if cfg.TransportMode != "stdio" && cfg.AuthEnabled {
		resolver = cfg.Resolver
	}
	server.AddReceivingMiddleware(ownerMiddleware(resolver, localOwner))
	server.AddReceivingMiddleware(trafficLoggingMiddleware(cfg.Logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(cfg.Logger, "outbound"))

	registerTools(server, cfg.Services)

	return server
}

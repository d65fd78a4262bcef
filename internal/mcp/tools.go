package mcp

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/imgclass/internal/dataset"
	"github.com/rpggio/imgclass/internal/domain/activity"
	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/inference"
	"github.com/rpggio/imgclass/internal/training"
)

type NameParams struct {
	Name string `json:"name" jsonschema:"project name"`
}

type CreateProjectParams struct {
	Name        string `json:"name" jsonschema:"unique project name: letters, digits, '.', '_' and '-'"`
	Description string `json:"description,omitempty" jsonschema:"free text description"`
}

type IngestArchiveParams struct {
	Name    string `json:"name" jsonschema:"project name"`
	Archive string `json:"archive" jsonschema:"base64 zip or tar.gz with one top-level folder per class"`
}

type AddImageParams struct {
	Name     string `json:"name" jsonschema:"project name"`
	Class    string `json:"class" jsonschema:"class label"`
	Filename string `json:"filename" jsonschema:"file name including an image extension"`
	Image    string `json:"image" jsonschema:"base64 image bytes or a data URL"`
}

type StartTrainingParams struct {
	Name         string   `json:"name" jsonschema:"project name"`
	Epochs       *int     `json:"epochs,omitempty" jsonschema:"number of epochs"`
	BatchSize    *int     `json:"batch_size,omitempty" jsonschema:"minibatch size"`
	LearningRate *float64 `json:"learning_rate,omitempty" jsonschema:"learning rate"`
}

type JobParams struct {
	JobID string `json:"job_id" jsonschema:"job id returned by start_training"`
}

type ListParams struct {
	Name  string `json:"name" jsonschema:"project name"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of entries"`
}

type PredictParams struct {
	Name  string `json:"name" jsonschema:"project name"`
	Image string `json:"image" jsonschema:"base64 image bytes or a data URL"`
}

type ProjectList struct {
	Projects []project.Summary `json:"projects"`
}

type JobList struct {
	Jobs []training.Job `json:"jobs"`
}

type ActivityList struct {
	Entries []activity.ActivityEntry `json:"entries"`
}

type Deleted struct {
	Deleted string `json:"deleted"`
}

// tool adapts a service call to an SDK tool handler. Outputs are left
// untyped so no output schema is derived from domain types.
func tool[In any](fn func(context.Context, In) (any, error)) sdkmcp.ToolHandlerFor[In, any] {
	return func(ctx context.Context, _ *sdkmcp.CallToolRequest, in In) (*sdkmcp.CallToolResult, any, error) {
		out, err := fn(ctx, in)
		if err != nil {
			return nil, nil, MapError(err)
		}
		return nil, out, nil
	}
}

func registerTools(server *sdkmcp.Server, svc Services) {
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "create_project",
		Description: "Create an empty image classification project",
	}, tool(func(ctx context.Context, in CreateProjectParams) (any, error) {
		return svc.Projects.Create(ctx, project.CreateRequest{Name: in.Name, Description: in.Description})
	}))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_projects",
		Description: "List projects with class count and trained state, newest first",
	}, tool(func(ctx context.Context, _ struct{}) (any, error) {
		projects, err := svc.Projects.List(ctx)
		if err != nil {
			return nil, err
		}
		out := ProjectList{Projects: make([]project.Summary, 0, len(projects))}
		for i := range projects {
			out.Projects = append(out.Projects, projects[i].Summarize())
		}
		return out, nil
	}))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_project",
		Description: "Get a project's classes, per-class counts, trained state and training history",
	}, tool(func(ctx context.Context, in NameParams) (any, error) {
		return svc.Projects.Get(ctx, in.Name)
	}))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "delete_project",
		Description: "Delete a project, its dataset and its model. A running job is cancelled first",
	}, tool(func(ctx context.Context, in NameParams) (any, error) {
		if err := svc.Projects.Delete(ctx, in.Name); err != nil {
			return nil, err
		}
		return Deleted{Deleted: in.Name}, nil
	}))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "ingest_archive",
		Description: "Extract an archive into the dataset; each top-level folder becomes a class. Existing files are never overwritten",
	}, tool(func(ctx context.Context, in IngestArchiveParams) (any, error) {
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(in.Archive))
		if err != nil {
			return nil, fmt.Errorf("%w: archive is not base64: %v", dataset.ErrInvalidArchive, err)
		}
		return svc.Datasets.IngestArchive(ctx, in.Name, data)
	}))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "add_image",
		Description: "Store one image under a class, replacing a file of the same name",
	}, tool(func(ctx context.Context, in AddImageParams) (any, error) {
		data, err := decodeImage(in.Image)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", dataset.ErrUnsupportedType, err)
		}
		return svc.Datasets.IngestImage(ctx, in.Name, in.Class, in.Filename, data)
	}))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "refresh_dataset",
		Description: "Recompute classes and counts from the dataset folders",
	}, tool(func(ctx context.Context, in NameParams) (any, error) {
		return svc.Datasets.Refresh(ctx, in.Name)
	}))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "start_training",
		Description: "Start training in the background and return the job; omitted hyperparameters use server defaults",
	}, tool(func(ctx context.Context, in StartTrainingParams) (any, error) {
		params := svc.Training.DefaultParams()
		if in.Epochs != nil {
			params.Epochs = *in.Epochs
		}
		if in.BatchSize != nil {
			params.BatchSize = *in.BatchSize
		}
		if in.LearningRate != nil {
			params.LearningRate = *in.LearningRate
		}
		return svc.Training.Start(ctx, in.Name, params)
	}))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "job_status",
		Description: "Get a training job's state, failure reason and history so far",
	}, tool(func(ctx context.Context, in JobParams) (any, error) {
		return svc.Training.Status(ctx, in.JobID)
	}))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_jobs",
		Description: "List a project's training jobs, newest first",
	}, tool(func(ctx context.Context, in ListParams) (any, error) {
		if _, err := svc.Projects.Get(ctx, in.Name); err != nil {
			return nil, err
		}
		jobs, err := svc.Training.ListJobs(ctx, in.Name, in.Limit)
		if err != nil {
			return nil, err
		}
		return JobList{Jobs: jobs}, nil
	}))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "cancel_job",
		Description: "Cancel a running training job; the project keeps its previous model",
	}, tool(func(ctx context.Context, in JobParams) (any, error) {
		return svc.Training.Cancel(ctx, in.JobID)
	}))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "predict",
		Description: "Classify an image with the project's trained model",
	}, tool(func(ctx context.Context, in PredictParams) (any, error) {
		if _, err := svc.Projects.Get(ctx, in.Name); err != nil {
			return nil, err
		}
		data, err := decodeImage(in.Image)
		if err != nil {
			return nil, err
		}
		return svc.Inference.Predict(ctx, in.Name, data)
	}))

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_activity",
		Description: "List a project's recent activity, newest first",
	}, tool(func(ctx context.Context, in ListParams) (any, error) {
		if _, err := svc.Projects.Get(ctx, in.Name); err != nil {
			return nil, err
		}
		entries, err := svc.Activity.GetRecentActivity(ctx, activity.ListActivityOptions{Project: in.Name, Limit: in.Limit})
		if err != nil {
			return nil, err
		}
		return ActivityList{Entries: entries}, nil
	}))
}

// decodeImage accepts a data URL or bare base64.
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		return inference.DecodeInput([]byte(s))
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: image is not base64: %v", inference.ErrDecode, err)
	}
	return data, nil
}

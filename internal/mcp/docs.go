package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `imgclass trains small image classifiers per project.

Concepts:
- Project: a named dataset plus at most one trained model.
- Class: a top-level folder of the dataset. Classes and counts are always derived from the files, never from what you claim.
- Job: one background training run. At most one runs per project.

Workflow:
1) create_project, then ingest_archive (zip or tar.gz, one folder per class) or add_image.
2) start_training returns a job; poll job_status until state is succeeded or failed.
3) predict with a base64 image or data URL.

A failed or cancelled retrain keeps the previous model. If classes changed since the last
training, predict fails with INFERENCE_ERROR until the project is retrained.

Docs:
- imgclass://docs/datasets
- imgclass://docs/training
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "imgclass://docs/datasets",
		Name:        "docs_datasets",
		Title:       "Dataset layout and ingest rules",
		Description: "How archives and single images become classes, and which entries are skipped.",
		Content: `# Datasets

Each top-level folder of an archive is a class:

    cat/1.jpg
    dog/1.jpg
    dog/2.jpg

gives classes ` + "`cat`" + ` (1 image) and ` + "`dog`" + ` (2 images). A single wrapper folder around
all classes is removed.

## Rejected archives

An archive with an absolute path, a ` + "`..`" + ` segment or a link is rejected as a whole with
INVALID_ARCHIVE and nothing is written.

## Skipped entries

Reported in ` + "`issues`" + ` with a code, the rest of the archive is still ingested:

- ` + "`conflicting_file`" + `: a file with that name already exists; it is never overwritten
- ` + "`unsupported_type`" + `: not png, jpg, jpeg, gif or bmp
- ` + "`hidden`" + `, ` + "`no_class`" + `, ` + "`nested_path`" + `, ` + "`invalid_name`" + `, ` + "`too_large`" + `

## Single images

` + "`add_image`" + ` replaces a file of the same name in the class.
`,
	},
	{
		URI:         "imgclass://docs/training",
		Name:        "docs_training",
		Title:       "Training jobs",
		Description: "Job states, failure reasons and what a successful job changes.",
		Content: `# Training

States: ` + "`running`" + ` then ` + "`succeeded`" + ` or ` + "`failed`" + `.

Failure reasons: ` + "`error`" + `, ` + "`cancelled`" + `, ` + "`timeout`" + `, ` + "`interrupted`" + ` (server restarted
while the job ran).

Only a succeeded job changes the project: it sets ` + "`trained`" + `, the model, the class list
the model was trained on, ` + "`training_history`" + ` (one entry per epoch, accuracy in percent)
and ` + "`training_params`" + `.

Defaults: 10 epochs, batch size 32, learning rate 0.001.
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}

// Package testserver assembles the full service over temporary storage for
// end-to-end tests.
package testserver

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/imgclass/internal/dataset"
	"github.com/rpggio/imgclass/internal/domain/activity"
	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/fsstore"
	"github.com/rpggio/imgclass/internal/inference"
	"github.com/rpggio/imgclass/internal/keylock"
	"github.com/rpggio/imgclass/internal/mcp"
	"github.com/rpggio/imgclass/internal/report"
	"github.com/rpggio/imgclass/internal/sqlite"
	"github.com/rpggio/imgclass/internal/trainer"
	"github.com/rpggio/imgclass/internal/training"
	"github.com/rpggio/imgclass/internal/transport"
	"github.com/stretchr/testify/require"
)

// Options adjusts the assembled server.
type Options struct {
	// Runner defaults to the bundled linear trainer run in process.
	Runner  training.Runner
	Timeout time.Duration
	Policy  inference.Policy
}

type TestServer struct {
	Server       *httptest.Server
	DB           *sqlite.DB
	Token        string
	Store        *fsstore.Store
	Projects     *project.Service
	Datasets     *dataset.Manager
	Orchestrator *training.Orchestrator
	MCP          *sdkmcp.Server
}

func New(t *testing.T, opts Options) *TestServer {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())

	store, err := fsstore.New(t.TempDir(), keylock.New(), nil)
	require.NoError(t, err)
	layout := store.Layout()

	activitySvc := activity.NewService(sqlite.NewActivityRepository(db), nil)
	linear := trainer.NewLinear(1, nil)
	runner := opts.Runner
	if runner == nil {
		runner = training.InProcessRunner{Trainer: linear}
	}

	projectSvc := project.NewService(store, activitySvc, nil)
	datasets := dataset.NewManager(store, layout, activitySvc, nil)
	orch := training.NewOrchestrator(store, layout, training.Options{
		Runner:   runner,
		Jobs:     sqlite.NewJobRepository(db),
		Activity: activitySvc,
		Timeout:  opts.Timeout,
	})
	projectSvc.AddDeleteHook(orch)
	gateway := inference.NewGateway(store, layout, linear, orch, opts.Policy, nil)

	keys := sqlite.NewAPIKeyRepository(db)
	token, err := keys.Create(ctx, "tester", "test server")
	require.NoError(t, err)

	mcpServer := mcp.NewServer(mcp.Config{
		Services: mcp.Services{
			Projects:  projectSvc,
			Datasets:  datasets,
			Training:  orch,
			Inference: gateway,
			Activity:  activitySvc,
		},
		Resolver:      keys,
		AuthEnabled:   true,
		TransportMode: "http",
	})
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(
		func(*http.Request) *sdkmcp.Server { return mcpServer }, nil)

	router := transport.NewServer(transport.Services{
		Projects:  projectSvc,
		Datasets:  datasets,
		Training:  orch,
		Inference: gateway,
		Activity:  activitySvc,
		Reports:   report.NewReporter(store),
	}, transport.Options{
		Auth: transport.AuthMiddleware(keys),
		MCP:  mcpHandler,
	})
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		server.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(sctx)
		_ = db.Close()
	})

	return &TestServer{
		Server:       server,
		DB:           db,
		Token:        token,
		Store:        store,
		Projects:     projectSvc,
		Datasets:     datasets,
		Orchestrator: orch,
		MCP:          mcpServer,
	}
}

// Do sends an authenticated request to the server.
func (ts *TestServer) Do(t *testing.T, method, path, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.Server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.Token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// ConnectMCP returns a client session that talks to /mcp over streamable
// HTTP with the server's API key.
func (ts *TestServer) ConnectMCP(t *testing.T) *sdkmcp.ClientSession {
	t.Helper()
	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	cs, err := client.Connect(context.Background(), &sdkmcp.StreamableClientTransport{
		Endpoint:   ts.Server.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearer{token: ts.Token, next: http.DefaultTransport}},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

type bearer struct {
	token string
	next  http.RoundTripper
}

func (b bearer) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.token)
	return b.next.RoundTrip(req)
}

// JPEG encodes a small solid image.
func JPEG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// Zip builds an archive from name to content.
func Zip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// Pets is the cat/dog archive used across end-to-end tests.
func Pets(t *testing.T) []byte {
	t.Helper()
	return Zip(t, map[string][]byte{
		"cat/1.jpg": JPEG(t, color.RGBA{R: 220, G: 120, B: 40, A: 255}),
		"dog/1.jpg": JPEG(t, color.RGBA{R: 60, G: 60, B: 200, A: 255}),
		"dog/2.jpg": JPEG(t, color.RGBA{R: 40, G: 80, B: 220, A: 255}),
	})
}

package functional_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

// stdioSession wraps an MCP client session talking to "imgclass serve"
// over stdin/stdout.
type stdioSession struct {
	session *sdkmcp.ClientSession
	storage string
}

func findBinary(t *testing.T) string {
	t.Helper()
	if p := os.Getenv("IMGCLASS_BIN"); p != "" {
		return p
	}
	for _, p := range []string{"./bin/imgclass", "../../bin/imgclass"} {
		if _, err := os.Stat(p); err == nil {
			abs, err := filepath.Abs(p)
			require.NoError(t, err)
			return abs
		}
	}
	t.Skip("imgclass binary not found; run 'go build -o bin/imgclass ./cmd/imgclass' first")
	return ""
}

func newStdioSession(t *testing.T) *stdioSession {
	t.Helper()
	binaryPath := findBinary(t)
	storage := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	// The exec runner re-invokes this binary as its training worker.
	cmd := exec.CommandContext(ctx, binaryPath, "serve")
	cmd.Env = append(os.Environ(),
		"IMGCLASS_CONFIG_PATH=",
		"IMGCLASS_TRANSPORT=stdio",
		"IMGCLASS_DB_PATH=:memory:",
		"IMGCLASS_STORAGE_ROOT="+storage,
		"IMGCLASS_AUTH_ENABLED=false",
		"IMGCLASS_TRAINING_RUNNER=exec",
		"IMGCLASS_WATCH=false",
		"IMGCLASS_LOG_LEVEL=warn",
	)

	client := sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    "test-client",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, &sdkmcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		cancel()
		t.Fatalf("Failed to connect: %v", err)
	}

	t.Cleanup(func() {
		session.Close()
		cancel()
	})

	return &stdioSession{session: session, storage: storage}
}

func (s *stdioSession) call(t *testing.T, name string, args map[string]any) *sdkmcp.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := s.session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err, "CallTool %s failed", name)
	require.NotEmpty(t, result.Content, "Tool %s returned no content", name)
	return result
}

func (s *stdioSession) callTool(t *testing.T, name string, args map[string]any) json.RawMessage {
	t.Helper()
	result := s.call(t, name, args)
	text := textOf(t, result)
	require.False(t, result.IsError, "Tool %s returned error: %s", name, text)
	return json.RawMessage(text)
}

func textOf(t *testing.T, result *sdkmcp.CallToolResult) string {
	t.Helper()
	for _, content := range result.Content {
		if textContent, ok := content.(*sdkmcp.TextContent); ok {
			return textContent.Text
		}
	}
	t.Fatal("no text content")
	return ""
}

func solidPNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func colourArchive(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string][]byte{
		"red/1.png":  solidPNG(t, color.RGBA{R: 220, A: 255}),
		"red/2.png":  solidPNG(t, color.RGBA{R: 240, A: 255}),
		"blue/1.png": solidPNG(t, color.RGBA{B: 220, A: 255}),
		"blue/2.png": solidPNG(t, color.RGBA{B: 240, A: 255}),
	}
	for name, data := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestStdioFunctional_TrainInWorkerAndPredict(t *testing.T) {
	s := newStdioSession(t)

	_ = s.callTool(t, "create_project", map[string]any{"name": "colours"})
	ingestResp := s.callTool(t, "ingest_archive", map[string]any{"name": "colours", "archive": colourArchive(t)})
	var ingest struct {
		Classes []string `json:"classes"`
	}
	require.NoError(t, json.Unmarshal(ingestResp, &ingest))
	require.Equal(t, []string{"blue", "red"}, ingest.Classes)

	startResp := s.callTool(t, "start_training", map[string]any{
		"name": "colours", "epochs": 20, "batch_size": 2, "learning_rate": 0.05,
	})
	var job struct {
		ID      string `json:"id"`
		State   string `json:"state"`
		Runner  string `json:"runner"`
		Error   string `json:"error"`
		History []struct {
			Epoch int `json:"epoch"`
		} `json:"history"`
	}
	require.NoError(t, json.Unmarshal(startResp, &job))
	require.Equal(t, "exec", job.Runner)

	require.Eventually(t, func() bool {
		result, err := s.session.CallTool(context.Background(), &sdkmcp.CallToolParams{
			Name:      "job_status",
			Arguments: map[string]any{"job_id": job.ID},
		})
		if err != nil || result.IsError || len(result.Content) == 0 {
			return false
		}
		text, ok := result.Content[0].(*sdkmcp.TextContent)
		if !ok || json.Unmarshal([]byte(text.Text), &job) != nil {
			return false
		}
		return job.State != "running"
	}, time.Minute, 100*time.Millisecond)
	require.Equal(t, "succeeded", job.State, job.Error)
	require.Len(t, job.History, 20)

	_, err := os.Stat(filepath.Join(s.storage, "colours", "models", "model.gob"))
	require.NoError(t, err)

	predictResp := s.callTool(t, "predict", map[string]any{
		"name":  "colours",
		"image": base64.StdEncoding.EncodeToString(solidPNG(t, color.RGBA{R: 230, A: 255})),
	})
	var pred struct {
		Label       string             `json:"label"`
		Confidences map[string]float64 `json:"confidences"`
	}
	require.NoError(t, json.Unmarshal(predictResp, &pred))
	require.Equal(t, "red", pred.Label)
	require.InDelta(t, 1.0, pred.Confidences["red"]+pred.Confidences["blue"], 1e-4)
}

func TestStdioFunctional_ErrorsCarryCodes(t *testing.T) {
	s := newStdioSession(t)

	result := s.call(t, "get_project", map[string]any{"name": "ghost"})
	require.True(t, result.IsError)
	require.Contains(t, textOf(t, result), "NOT_FOUND:")

	_ = s.callTool(t, "create_project", map[string]any{"name": "empty"})
	result = s.call(t, "start_training", map[string]any{"name": "empty"})
	require.True(t, result.IsError)
	require.Contains(t, textOf(t, result), "DATASET_EMPTY:")
}

package training

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/trainer"
)

const stderrTail = 4 << 10

// ExecRunner runs each job in a child process speaking the worker protocol.
type ExecRunner struct {
	// Command is the worker executable followed by any leading arguments;
	// the train-worker flags are appended.
	Command []string
	Logger  *slog.Logger
}

func (r ExecRunner) Name() string { return "exec" }

func (r ExecRunner) Run(ctx context.Context, datasetRoot, outDir string, params trainer.Params, progress trainer.ProgressFunc) (*trainer.Result, error) {
	if len(r.Command) == 0 {
		return nil, errors.New("no worker command configured")
	}
	args := append(append([]string(nil), r.Command[1:]...),
		"train-worker",
		"--dataset", datasetRoot,
		"--out", outDir,
		"--epochs", strconv.Itoa(params.Epochs),
		"--batch-size", strconv.Itoa(params.BatchSize),
		"--learning-rate", strconv.FormatFloat(params.LearningRate, 'g', -1, 64),
		"--image-size", strconv.Itoa(params.ImageSize),
	)
	cmd := exec.CommandContext(ctx, r.Command[0], args...)
	cmd.WaitDelay = 5 * time.Second
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	if r.Logger != nil {
		r.Logger.Debug("training worker started", "pid", cmd.Process.Pid, "dataset", datasetRoot)
	}

	res, readErr := readWorker(stdout, progress)
	// drain so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if waitErr != nil {
		return nil, fmt.Errorf("worker exited: %v: %s", waitErr, bytes.TrimSpace(stderr.Bytes()))
	}
	if readErr != nil {
		return nil, fmt.Errorf("%v: %s", readErr, bytes.TrimSpace(stderr.Bytes()))
	}
	return res, nil
}

// readWorker consumes worker messages until EOF.
func readWorker(r io.Reader, progress trainer.ProgressFunc) (*trainer.Result, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 4<<20)

	var (
		history []project.EpochStats
		result  *trainer.Result
	)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg WorkerMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("malformed worker output %q: %w", truncate(line, 120), err)
		}
		switch msg.Type {
		case MessageEpoch:
			s := project.EpochStats{Epoch: msg.Epoch, Loss: msg.Loss, Accuracy: msg.Accuracy}
			history = append(history, s)
			if progress != nil {
				progress(s)
			}
		case MessageResult:
			result = &trainer.Result{Classes: msg.Classes, History: history, ArtifactPath: msg.Artifact}
		default:
			return nil, fmt.Errorf("unknown worker message type %q", msg.Type)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read worker output: %w", err)
	}
	if result == nil {
		return nil, errors.New("worker finished without a result")
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf...)
}

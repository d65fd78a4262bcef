package training

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/trainer"
)

// Worker message types.
const (
	MessageEpoch  = "epoch"
	MessageResult = "result"
)

// WorkerMessage is one line of the newline-delimited JSON a training
// worker writes to stdout.
type WorkerMessage struct {
	Type     string   `json:"type"`
	Epoch    int      `json:"epoch,omitempty"`
	Loss     float64  `json:"loss,omitempty"`
	Accuracy float64  `json:"accuracy,omitempty"`
	Classes  []string `json:"classes,omitempty"`
	Artifact string   `json:"artifact,omitempty"`
}

// ServeWorker trains on datasetRoot and reports epochs and the final result
// to w. It is the body of the train-worker subprocess.
func ServeWorker(ctx context.Context, t trainer.Trainer, datasetRoot, outDir string, params trainer.Params, w io.Writer) error {
	enc := json.NewEncoder(w)
	var writeErr error
	res, err := t.Train(ctx, datasetRoot, outDir, params, func(s project.EpochStats) {
		if writeErr != nil {
			return
		}
		writeErr = enc.Encode(WorkerMessage{Type: MessageEpoch, Epoch: s.Epoch, Loss: s.Loss, Accuracy: s.Accuracy})
	})
	if err != nil {
		return err
	}
	if writeErr != nil {
		return fmt.Errorf("write progress: %w", writeErr)
	}
	return enc.Encode(WorkerMessage{Type: MessageResult, Classes: res.Classes, Artifact: res.ArtifactPath})
}

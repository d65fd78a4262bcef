package mcp

import (
	"errors"
	"fmt"

	"github.com/rpggio/imgclass/internal/dataset"
	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/inference"
	"github.com/rpggio/imgclass/internal/training"
)

// APIError represents an MCP error response.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.RecoveryHint == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.RecoveryHint)
}

var errorCodes = []struct {
	err  error
	code string
	hint string
}{
	{project.ErrInvalidName, "INVALID_NAME", "Use letters, digits, '.', '_' and '-'"},
	{project.ErrAlreadyExists, "ALREADY_EXISTS", "Pick another name or use the existing project"},
	{project.ErrProjectNotFound, "NOT_FOUND", "Call list_projects to see valid names"},
	{dataset.ErrInvalidArchive, "INVALID_ARCHIVE", "Send a zip or tar.gz with one top-level folder per class"},
	{dataset.ErrConflictingFile, "CONFLICTING_FILE", "Rename the file or remove the existing one"},
	{dataset.ErrUnsupportedType, "UNSUPPORTED_TYPE", "Send png, jpg, gif or bmp images"},
	{training.ErrInvalidParameter, "INVALID_PARAMETER", "epochs, batch_size and learning_rate must be positive"},
	{training.ErrDatasetEmpty, "DATASET_EMPTY", "Add images to every class first"},
	{training.ErrAlreadyRunning, "ALREADY_RUNNING", "Wait for the running job or cancel it"},
	{training.ErrJobNotFound, "JOB_NOT_FOUND", "Call list_jobs to see job ids"},
	{training.ErrJobNotRunning, "JOB_NOT_RUNNING", ""},
	{training.ErrTrainingFailed, "TRAINING_ERROR", "Check job_status for the diagnostic"},
	{inference.ErrNotTrained, "NOT_TRAINED", "Call start_training first"},
	{inference.ErrDecode, "DECODE_ERROR", "Send base64 image bytes or a data URL"},
	{inference.ErrInference, "INFERENCE_ERROR", "Retrain the project"},
}

// MapError maps domain errors to MCP error codes. Errors without a code
// are returned unchanged.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return &APIError{Code: c.code, Message: err.Error(), RecoveryHint: c.hint}
		}
	}
	return err
}

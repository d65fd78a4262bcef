package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rpggio/imgclass/internal/dataset"
	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/inference"
	"github.com/rpggio/imgclass/internal/training"
)

// Error kinds separate bad input from failures of the service itself.
const (
	KindInvalidInput = "invalid_input"
	KindSystem       = "system"
)

// ErrorBody is the payload of every error response.
type ErrorBody struct {
	Error APIError `json:"error"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind"`
}

var errTooLarge = errors.New("request body too large")

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
	{project.ErrInvalidName, http.StatusBadRequest, "INVALID_NAME"},
	{project.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
	{project.ErrProjectNotFound, http.StatusNotFound, "NOT_FOUND"},
	{dataset.ErrInvalidArchive, http.StatusBadRequest, "INVALID_ARCHIVE"},
	{dataset.ErrConflictingFile, http.StatusConflict, "CONFLICTING_FILE"},
	{dataset.ErrUnsupportedType, http.StatusUnsupportedMediaType, "UNSUPPORTED_TYPE"},
	{training.ErrInvalidParameter, http.StatusBadRequest, "INVALID_PARAMETER"},
	{training.ErrDatasetEmpty, http.StatusUnprocessableEntity, "DATASET_EMPTY"},
	{training.ErrAlreadyRunning, http.StatusConflict, "ALREADY_RUNNING"},
	{training.ErrJobNotFound, http.StatusNotFound, "JOB_NOT_FOUND"},
	{training.ErrJobNotRunning, http.StatusConflict, "JOB_NOT_RUNNING"},
	{training.ErrTrainingFailed, http.StatusInternalServerError, "TRAINING_ERROR"},
	{inference.ErrNotTrained, http.StatusConflict, "NOT_TRAINED"},
	{inference.ErrDecode, http.StatusBadRequest, "DECODE_ERROR"},
	{inference.ErrInference, http.StatusInternalServerError, "INFERENCE_ERROR"},
	{errTooLarge, http.StatusRequestEntityTooLarge, "TOO_LARGE"},
}

// classify maps an error to its HTTP status and code. Unknown errors are
// internal.
func classify(err error) (int, string) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge, "TOO_LARGE"
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// writeError writes err as an ErrorBody. Internal errors are logged and
// their detail is withheld from the client.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := classify(err)
	body := APIError{Code: code, Message: err.Error(), Kind: KindInvalidInput}
	if status >= http.StatusInternalServerError {
		body.Kind = KindSystem
	}
	if code == "INTERNAL" {
		if logger != nil {
			logger.Error("request failed", "error", err)
		}
		body.Message = "internal error"
	}
	writeJSON(w, status, ErrorBody{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rpggio/imgclass/internal/dataset"
	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/inference"
	"github.com/rpggio/imgclass/internal/training"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: bad", project.ErrInvalidName), http.StatusBadRequest, "INVALID_NAME"},
		{project.ErrAlreadyExists, http.StatusConflict, "ALREADY_EXISTS"},
		{project.ErrProjectNotFound, http.StatusNotFound, "NOT_FOUND"},
		{dataset.ErrInvalidArchive, http.StatusBadRequest, "INVALID_ARCHIVE"},
		{dataset.ErrUnsupportedType, http.StatusUnsupportedMediaType, "UNSUPPORTED_TYPE"},
		{training.ErrDatasetEmpty, http.StatusUnprocessableEntity, "DATASET_EMPTY"},
		{training.ErrAlreadyRunning, http.StatusConflict, "ALREADY_RUNNING"},
		{training.ErrInvalidParameter, http.StatusBadRequest, "INVALID_PARAMETER"},
		{inference.ErrNotTrained, http.StatusConflict, "NOT_TRAINED"},
		{inference.ErrDecode, http.StatusBadRequest, "DECODE_ERROR"},
		{fmt.Errorf("%w: shape", inference.ErrInference), http.StatusInternalServerError, "INFERENCE_ERROR"},
		{&http.MaxBytesError{Limit: 1}, http.StatusRequestEntityTooLarge, "TOO_LARGE"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "INTERNAL"},
	} {
		status, code := classify(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
		require.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestWriteError_HidesInternalDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, nil, errors.New("open /secret/path: permission denied"))

	var body ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal error", body.Error.Message)
	require.Equal(t, KindSystem, body.Error.Kind)

	rec = httptest.NewRecorder()
	writeError(rec, nil, fmt.Errorf("%w: pets", project.ErrProjectNotFound))
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, "project not found: pets", body.Error.Message)
	require.Equal(t, KindInvalidInput, body.Error.Kind)
}

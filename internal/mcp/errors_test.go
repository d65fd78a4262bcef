package mcp

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/inference"
	"github.com/rpggio/imgclass/internal/training"
	"github.com/stretchr/testify/require"
)

func TestMapError(t *testing.T) {
	require.NoError(t, MapError(nil))

	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("get x: %w", project.ErrProjectNotFound), "NOT_FOUND"},
		{project.ErrInvalidName, "INVALID_NAME"},
		{fmt.Errorf("%w: job 1", training.ErrAlreadyRunning), "ALREADY_RUNNING"},
		{training.ErrDatasetEmpty, "DATASET_EMPTY"},
		{inference.ErrNotTrained, "NOT_TRAINED"},
		{inference.ErrDecode, "DECODE_ERROR"},
	}
	for _, tc := range cases {
		var apiErr *APIError
		require.ErrorAs(t, MapError(tc.err), &apiErr)
		require.Equal(t, tc.code, apiErr.Code)
		require.Equal(t, tc.err.Error(), apiErr.Message)
	}

	plain := errors.New("disk on fire")
	require.Same(t, plain, MapError(plain))
}

func TestAPIError_Error(t *testing.T) {
	require.Equal(t, "JOB_NOT_RUNNING: done", (&APIError{Code: "JOB_NOT_RUNNING", Message: "done"}).Error())
	require.Equal(t, "NOT_TRAINED: no model (train first)",
		(&APIError{Code: "NOT_TRAINED", Message: "no model", RecoveryHint: "train first"}).Error())
}

func TestDecodeImage(t *testing.T) {
	data, err := decodeImage(" aGVsbG8= ")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	data, err = decodeImage("data:image/png;base64,aGVsbG8=")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)

	_, err = decodeImage("not base64!")
	require.ErrorIs(t, err, inference.ErrDecode)
}

func TestFormatPayload_Truncates(t *testing.T) {
	require.Equal(t, "<nil>", formatPayload(nil))
	require.Equal(t, `{"name":"pets"}`, formatPayload(map[string]string{"name": "pets"}))

	big := formatPayload(map[string]string{"archive": strings.Repeat("A", 4096)})
	require.True(t, strings.HasSuffix(big, "... (4110 bytes)"), big[len(big)-32:])
	require.Less(t, len(big), maxLoggedPayload+32)
}

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rpggio/imgclass/internal/inference"
)

type predictRequest struct {
	Image string `json:"image"`
}

// handlePredict accepts a multipart "file" field, a JSON body with a base64
// data URL in "image", or raw image bytes.
func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var data []byte
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			var maxErr *http.MaxBytesError
			if !errors.As(err, &maxErr) {
				err = fmt.Errorf("%w: %v", inference.ErrDecode, err)
			}
			writeError(w, s.logger, err)
			return
		}
		data = []byte(req.Image)
	} else {
		var err error
		if data, _, err = s.readUpload(w, r, "file"); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}

	pred, err := s.svc.Inference.Predict(r.Context(), chi.URLParam(r, "name"), data)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rpggio/imgclass/internal/dataset"
)

const multipartMemory = 32 << 20

// readUpload returns the bytes of the multipart file field, or the raw body
// when the request is not multipart.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request, field string) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		data, err := io.ReadAll(r.Body)
		return data, r.URL.Query().Get("filename"), err
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: %v", dataset.ErrUnsupportedType, err)
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", fmt.Errorf("%w: missing %q file field", dataset.ErrUnsupportedType, field)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	return data, header.Filename, err
}

func (s *Server) handleIngestArchive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.svc.Projects.Get(r.Context(), name); err != nil {
		writeError(w, s.logger, err)
		return
	}
	data, _, err := s.readUpload(w, r, "file")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	res, err := s.svc.Datasets.IngestArchive(r.Context(), name, data)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIngestImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.svc.Projects.Get(r.Context(), name); err != nil {
		writeError(w, s.logger, err)
		return
	}
	data, filename, err := s.readUpload(w, r, "file")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	class := r.FormValue("class")
	res, err := s.svc.Datasets.IngestImage(r.Context(), name, class, filename, data)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Datasets.Refresh(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

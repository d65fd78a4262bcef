package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rpggio/imgclass/internal/trainer"
	"github.com/rpggio/imgclass/internal/training"
)

// trainRequest holds optional hyperparameters; missing ones take defaults.
type trainRequest struct {
	Epochs       *int     `json:"epochs"`
	BatchSize    *int     `json:"batch_size"`
	LearningRate *float64 `json:"learning_rate"`
}

func (req trainRequest) apply(p trainer.Params) trainer.Params {
	if req.Epochs != nil {
		p.Epochs = *req.Epochs
	}
	if req.BatchSize != nil {
		p.BatchSize = *req.BatchSize
	}
	if req.LearningRate != nil {
		p.LearningRate = *req.LearningRate
	}
	return p
}

func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	var req trainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, s.logger, fmt.Errorf("%w: %v", training.ErrInvalidParameter, err))
		return
	}
	job, err := s.svc.Training.Start(r.Context(), chi.URLParam(r, "name"), req.apply(s.svc.Training.DefaultParams()))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.svc.Projects.Get(r.Context(), name); err != nil {
		writeError(w, s.logger, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	jobs, err := s.svc.Training.ListJobs(r.Context(), name, limit)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Training.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Training.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

const (
	streamWriteWait  = 10 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleJobStream pushes the job each time it changes and closes the
// connection once the job has finished.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, changed, err := s.svc.Training.Watch(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// Reading is only needed to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		if err := conn.WriteJSON(job); err != nil {
			return
		}
		if changed == nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(job.State))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
			return
		}

	wait:
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
					return
				}
			case <-changed:
				break wait
			}
		}

		job, changed, err = s.svc.Training.Watch(ctx, id)
		if err != nil {
			s.logger.Warn("job stream ended", "job_id", id, "error", err)
			return
		}
	}
}

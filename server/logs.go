package server

import (
	"fmt"
	"io"
	"net/http"
	"os"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/go-chi/chi/v5"
	"tangled.org/loom/models"
)

// Logs serves the raw JSON-line log file for one job of one pipeline.
func (s *Loom) Logs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job := chi.URLParam(r, "*")

	jid := models.JobId{
		PipelineId: models.PipelineId(id),
		Name:       job,
	}

	// jid.String() only emits [a-zA-Z0-9_.-], but keep path containment
	// explicit regardless
	path, err := securejoin.SecureJoin(s.cfg.Pipelines.LogDir, fmt.Sprintf("%s.log", jid.String()))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	file, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "no logs for this job")
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/jsonlines")
	if _, err := io.Copy(w, file); err != nil {
		s.l.Error("failed to stream log file", "path", path, "err", err)
	}
}

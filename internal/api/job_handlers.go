package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/sandboxlab/detonate/internal/store"
)

// handleSubmitJob accepts a multipart upload (field "file") and queues it
// for analysis. Uploads over the configured cap are rejected with 413.
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.cfg.Limits.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writePayloadTooLarge(w, "upload exceeds limit of "+strconv.Itoa(s.cfg.Limits.MaxUploadMB)+" MB")
			return
		}
		writeValidationError(w, "invalid multipart request: "+err.Error(), nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeValidationError(w, `missing form field "file"`, nil)
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if err := validateFilename(filename); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	hostPath, err := s.saveUpload(file, filename)
	if err != nil {
		s.logger.Error("saving upload", "filename", filename, "error", err)
		writeAPIError(w, err)
		return
	}

	job, err := s.engine.Submit(filename, hostPath)
	if err != nil {
		s.logger.Error("submit job", "filename", filename, "error", err)
		os.RemoveAll(filepath.Dir(hostPath))
		writeAPIError(w, err)
		return
	}
	s.logger.Info("job submitted", "job_id", job.ID, "filename", filename, "size", header.Size)
	writeJSON(w, http.StatusAccepted, job)
}

// saveUpload copies the artifact into a fresh per-upload directory under the
// data dir, so cleanup can remove the whole directory later.
func (s *Server) saveUpload(src io.Reader, filename string) (string, error) {
	dir := filepath.Join(s.cfg.DataDir, "uploads", uuid.New().String()[:12])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	hostPath := filepath.Join(dir, filename)
	dst, err := os.Create(hostPath)
	if err != nil {
		return "", err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return hostPath, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateJobID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	job, err := s.engine.Job(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeValidationError(w, "limit must be a non-negative integer", nil)
			return
		}
		limit = n
	}
	jobs, err := s.engine.ListJobs(limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateJobID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	s.logger.Info("cancel job", "job_id", id)
	if err := s.engine.Cancel(id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateJobID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	rep, err := s.engine.Report(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateJobID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	artifacts, err := s.engine.ListArtifacts(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleFetchArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateJobID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	filename := r.PathValue("filename")
	p, err := s.engine.ArtifactPath(id, filename)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeFile(w, r, p)
}

package job

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/ballot-extract/internal/extraction"
	"github.com/zombor/ballot-extract/internal/ratelimit"
)

const (
	// maxFileSize bounds one uploaded file (high-resolution phone photos)
	maxFileSize = int64(50 << 20)
	// maxUploadSize bounds the whole multipart body
	maxUploadSize = int64(200 << 20)
	// maxFormMemory is kept in memory, the rest spills to temp files
	maxFormMemory = int64(32 << 20)
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// contentTypeFor prefers the part header and falls back to the extension
func contentTypeFor(header string, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(header))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		// sniffed during page preparation
		return "application/octet-stream"
	}
}

// handleSubmitJob accepts one or more files in the "files" field
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Upload is too large. Maximum total size is 200MB.")
			return
		}
		writeError(w, http.StatusBadRequest, "Error parsing form")
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "No files were selected. Please choose at least one document to upload.")
		return
	}

	files := make([]extraction.SourceFile, 0, len(headers))
	for _, header := range headers {
		if header.Size > maxFileSize {
			writeError(w, http.StatusBadRequest, header.Filename+" is too large. Maximum size is 50MB per file.")
			return
		}

		f, err := header.Open()
		if err != nil {
			slog.Error("Error opening uploaded file", "error", err, "filename", header.Filename)
			writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", header.Filename)
			writeError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
			return
		}

		files = append(files, extraction.SourceFile{
			Name:        header.Filename,
			ContentType: contentTypeFor(header.Header.Get("Content-Type"), header.Filename),
			Data:        data,
		})
	}

	job, err := s.service.Submit(r.Context(), files)
	if err != nil {
		slog.Error("Error submitting job", "files", len(files), "error", err)
		if errors.Is(err, ErrNoCredentials) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// handleListJobs returns a list of all jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.service.List()
	if err != nil {
		slog.Error("Error listing jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleGetJob returns a single job with its progress and results
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.Get(r.PathValue("id"))
	if err != nil {
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob stops a running job
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.jobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDeleteJob deletes a job and its files
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.jobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrJobNotFound):
		writeError(w, http.StatusNotFound, "Job not found")
	case errors.Is(err, ErrJobFinished):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Job request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// handleListKeys returns the rate limiter's view of every key
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.service.KeyStatus()
	if keys == nil {
		keys = []ratelimit.KeyStatus{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

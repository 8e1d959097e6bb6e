package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/archive"
	"github.com/raaihank/datamask/internal/blob"
	"github.com/raaihank/datamask/internal/lifecycle"
	"github.com/raaihank/datamask/internal/masking"
	"github.com/raaihank/datamask/internal/processor"
	"github.com/raaihank/datamask/internal/rules"
	"github.com/raaihank/datamask/internal/service"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListProducts())
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := lifecycle.Filter{
		Owner:     query.Get("owner"),
		RootsOnly: query.Get("all") == "",
	}
	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	files, err := s.service.ListFiles(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	id, ok := fileID(w, r)
	if !ok {
		return
	}
	if _, err := s.service.GetFile(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	files, err := s.service.ListFiles(r.Context(), lifecycle.Filter{ParentID: &id})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// handleUpload stores the multipart "file" part and registers it. With
// process=1 the file is masked before the response is written.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.config.Server.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxUploadSize)
	}

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data body")
		return
	}

	fields := make(map[string]string)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			writeError(w, http.StatusBadRequest, "missing file part")
			return
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}

		if part.FormName() != "file" {
			value, err := io.ReadAll(io.LimitReader(part, 4096))
			part.Close()
			if err != nil {
				s.fail(w, r, err)
				return
			}
			fields[part.FormName()] = string(value)
			continue
		}

		filename := part.FileName()
		if filename == "" {
			filename = "upload"
		}

		// The file part must come after the form fields it depends on
		f, err := s.service.Upload(r.Context(), part, filename, fields["owner"], fields["product"])
		part.Close()
		if err != nil {
			s.fail(w, r, err)
			return
		}

		if r.URL.Query().Get("process") == "" {
			writeJSON(w, http.StatusCreated, f)
			return
		}
		processed, err := s.service.ProcessProduct(r.Context(), f.ID, "")
		if processed == nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, processed)
		return
	}
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := fileID(w, r)
	if !ok {
		return
	}
	f, err := s.service.GetFile(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	id, ok := fileID(w, r)
	if !ok {
		return
	}
	content, f, err := s.service.Content(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	w.Header().Set("X-File-Status", string(f.Status))
	if _, err := io.Copy(w, content); err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Warn("Content download interrupted",
			zap.Int64("file_id", id), zap.Error(err))
	}
}

// handleProcess masks a file in the request, or hands it to the task queue
// when async=1.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := fileID(w, r)
	if !ok {
		return
	}
	product := r.URL.Query().Get("product")

	if r.URL.Query().Get("async") != "" {
		if s.queue == nil {
			writeError(w, http.StatusServiceUnavailable, "asynchronous processing is not enabled")
			return
		}
		f, err := s.service.GetFile(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if f.Status != lifecycle.StatusCreated {
			s.fail(w, r, lifecycle.ErrAlreadyStarted)
			return
		}
		taskID, err := s.queue.Enqueue(r.Context(), id, product)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"task_id": taskID,
			"file_id": id,
		})
		return
	}

	f, err := s.service.ProcessProduct(r.Context(), id, product)
	if f == nil {
		s.fail(w, r, err)
		return
	}
	// A failed run still produced a final record worth returning
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("format")
	if name == "" {
		name = string(masking.FormatCSV)
	}
	format, err := masking.ParseExportFormat(name)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "mapping."+name))
	rows, err := s.service.ExportMapping(r.Context(), format, w)
	if err != nil {
		// Headers may already be out; the log is the only reliable signal
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Mapping export failed",
			zap.String("format", name), zap.Error(err))
		return
	}
	s.logger.Debug("Mapping exported", zap.String("format", name), zap.Int64("rows", rows))
}

// fail writes err with the status that matches its kind
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, lifecycle.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrAlreadyStarted):
		return http.StatusConflict
	case errors.Is(err, rules.ErrUnknownPreset):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrQuotaExceeded), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, archive.ErrGuardViolation),
		errors.Is(err, processor.ErrDecode),
		errors.Is(err, processor.ErrPacketFormat),
		errors.Is(err, processor.ErrUnsupportedContent):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func fileID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/meshnode/device-runtime/internal/router"
)

// maxBody 请求体上限
const maxBody = 64 << 10

// HandleStatus 返回节点状态
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.backend.Status())
}

// HandleGetSettings 返回导出的设置
func (s *Server) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	chunks := s.backend.Settings()
	if chunks == nil {
		chunks = []json.RawMessage{}
	}
	s.respondJSON(w, http.StatusOK, chunks)
}

// HandleApplySettings 应用设置对象
func (s *Server) HandleApplySettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.backend.ApplySettings(body); err != nil {
		log.Warn().Err(err).Msg("settings rejected")
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleCommand 执行命令，请求体与总线命令的负载相同
func (s *Server) HandleCommand(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload, err := router.Coerce(body, nil)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	handled, err := s.backend.Command(name, payload)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !handled {
		s.respondError(w, http.StatusNotFound, router.ErrUnknown.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// respondJSON responds with JSON
func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}

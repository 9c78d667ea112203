package api

import (
	"errors"
	"net/http"

	"github.com/PipeOpsHQ/dao-ai-builder/chat"
	"github.com/PipeOpsHQ/dao-ai-builder/credential"
	"github.com/PipeOpsHQ/dao-ai-builder/internal/httpx"
)

var (
	errStreamingUnsupported = errors.New("streaming unsupported")
	errChatUnavailable      = errors.New("chat is not available")
)

// handleChat streams one chat turn as server-sent events. Once headers are
// written every failure travels as an error event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	if s.cfg.Chat == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, errChatUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.WriteError(w, http.StatusInternalServerError, errStreamingUnsupported)
		return
	}
	var req chat.Request
	decodeErr := httpx.DecodeJSON(r, &req)
	authn := credential.ForChat(req.Credentials, s.resolve(r))

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if decodeErr != nil && !errors.Is(decodeErr, httpx.ErrEmptyBody) {
		_ = writeSSE(w, chat.Error("Invalid request body", decodeErr))
		flusher.Flush()
		return
	}
	for ev := range s.cfg.Chat.Stream(r.Context(), req, authn) {
		if err := writeSSE(w, ev); err != nil {
			s.logger.Warn("chat stream write failed", "error", err)
			return
		}
		flusher.Flush()
	}
}

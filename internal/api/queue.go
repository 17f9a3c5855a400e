package api

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"valqueue.node/vqn/internal/gossip"
	"valqueue.node/vqn/internal/transport"
)

// @Title: Post Queue Frame
// @Route: POST /api/queue
// @Description: Accepts one gossip frame "tag#fromHexKey#payload" from a peer
// @Response: text reply with 200, or an error code with 400
func (s *Service) HandleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, transport.MaxFrameSize+1))
	if err != nil {
		s.writeText(w, http.StatusBadRequest, gossip.CodeMalformed)
		return
	}
	if len(raw) > transport.MaxFrameSize {
		s.writeText(w, http.StatusRequestEntityTooLarge, gossip.CodeMalformed)
		return
	}

	f, err := transport.DecodeFrame(string(raw))
	if err != nil {
		s.log.Debug("frame not decoded", zap.String("remote", r.RemoteAddr), zap.Error(err))
		s.writeText(w, http.StatusBadRequest, gossip.CodeMalformed)
		return
	}

	reply, err := s.node.HandleFrame(r.Context(), f)
	if err != nil {
		var rej *gossip.Reject
		if errors.As(err, &rej) {
			s.writeText(w, http.StatusBadRequest, rej.Code)
			return
		}
		s.log.Warn("frame handling failed", zap.String("tag", f.Tag), zap.Error(err))
		s.writeText(w, http.StatusInternalServerError, "internal")
		return
	}
	s.writeText(w, http.StatusOK, reply)
}

package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const scanTimeout = 30 * time.Second

// @Title: Scan Network
// @Route: POST /api/discovery/scan
// @Description: Scans the local subnet for other nodes and adds responders to the address book
// @Response: 202 Accepted
func (s *Service) HandleDiscoveryScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.scanner == nil {
		s.writeError(w, http.StatusNotImplemented, "scanning disabled")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
		defer cancel()
		s.log.Info("starting network scan")
		if _, err := s.scanner.Discover(ctx, s.node); err != nil {
			s.log.Warn("network scan failed", zap.Error(err))
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

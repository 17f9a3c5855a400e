package api

import (
	"net/http"
	"strconv"
)

const defaultEvents = 100

// @Title: Get Events
// @Route: GET /api/events?n=N
// @Description: Returns the most recent log lines, newest first
// @Response: [{"timestamp": "...", "text": "...", "level": "..."}]
func (s *Service) HandleEvents(w http.ResponseWriter, r *http.Request) {
	n := defaultEvents
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = parsed
	}
	s.writeJSON(w, http.StatusOK, s.events.GetRecent(n))
}

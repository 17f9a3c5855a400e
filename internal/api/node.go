package api

import (
	"errors"
	"net/http"
	"strconv"

	"valqueue.node/vqn/internal/chain"
)

// @Title: Get Node Status
// @Route: GET /api/status
// @Description: Returns clock, quorum, election and chain state of this node
// @Response: Status object
func (s *Service) HandleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Status())
}

// @Title: List Peers
// @Route: GET /api/peers
// @Description: Returns the peer table, the node's own record included
// @Response: [PeerRecord, ...]
func (s *Service) HandlePeers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Peers())
}

// @Title: List Addresses
// @Route: GET /api/addresses
// @Description: Returns every address in the address book
// @Response: ["ip:port", ...]
func (s *Service) HandleAddresses(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Addresses())
}

// @Title: Get Chain Head
// @Route: GET /api/chain/head
// @Description: Returns the last committed block
// @Response: Block object, or 404 before the first commit
func (s *Service) HandleChainHead(w http.ResponseWriter, r *http.Request) {
	head, ok := s.node.Head()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no block committed yet")
		return
	}
	s.writeJSON(w, http.StatusOK, head)
}

// @Title: Get Block
// @Route: GET /api/block?row=N
// @Description: Returns a committed block by row. Peers fetch relayed blocks here.
// @Response: Block object
func (s *Service) HandleBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	row, err := strconv.ParseUint(r.URL.Query().Get("row"), 10, 64)
	if err != nil || row == 0 {
		s.writeError(w, http.StatusBadRequest, "row must be a positive integer")
		return
	}
	b, err := s.node.Block(row)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "row not committed")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "failed to read block")
	default:
		s.writeJSON(w, http.StatusOK, b)
	}
}

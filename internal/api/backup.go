package api

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"valqueue.node/vqn/internal/storage"
)

// @Title: Create Backup
// @Route: POST /api/backup
// @Description: Copies the node database into the backup directory
// @Response: {"status": "ok", "path": "..."}
func (s *Service) HandleBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap, ok := s.node.Store().(storage.Snapshotter)
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "storage backend does not support backups")
		return
	}

	path, err := snap.BackupCurrent(s.maxBackups)
	if err != nil {
		s.log.Error("backup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to save backup")
		return
	}

	s.log.Info("backup created", zap.String("path", path))
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"path":   path,
	})
}

// @Title: Download Snapshot
// @Route: GET /api/backup/download
// @Description: Downloads a consistent copy of the node database
// @Response: application/octet-stream file download
func (s *Service) HandleBackupDownload(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.node.Store().(storage.Snapshotter)
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "storage backend does not support backups")
		return
	}
	data, err := snap.ExportSnapshot()
	if err != nil {
		s.log.Error("snapshot export failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to export snapshot")
		return
	}

	filename := fmt.Sprintf("vqn-%s.db", time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
	_, _ = w.Write(data)
	s.log.Info("served snapshot download", zap.String("file", filename), zap.Int("bytes", len(data)))
}

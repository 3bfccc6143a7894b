package rundb

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts live SQL debugging, a run listing and an
// on-demand backup under /debug/ on mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Run DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("runs", "Recorded training runs", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		runs, err := db.ListRuns()
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to list runs: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(runs); err != nil {
			log.Printf("[RunDB] failed to encode runs: %v", err)
		}
	}))

	debug.Handle("backup", "Create and download a backup of the run database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := fmt.Sprintf("backup-%d.db", time.Now().UnixNano())
	dir, err := os.MkdirTemp("", "rundb-backup")
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup directory: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("[RunDB] failed to remove backup directory: %v", err)
		}
	}()
	backupPath := filepath.Join(dir, name)
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", name))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, f); err != nil {
		log.Printf("[RunDB] failed to stream backup: %v", err)
	}
}

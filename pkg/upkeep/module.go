package upkeep

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/nous-labs/understudy/pkg/daemon"
)

var _ daemon.Module = (*Worker)(nil)

func (w *Worker) Name() string { return "upkeep" }

func (w *Worker) Init(d *daemon.Daemon) error {
	if w.onEvent == nil {
		w.onEvent = d.Emit
	}
	return nil
}

// RegisterRoutes exposes the last cycle report.
func (w *Worker) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/upkeep", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		report := w.LastReport()
		if report == nil {
			rw.Write([]byte(`{"status":"no cycle yet"}`))
			return
		}
		enc := json.NewEncoder(rw)
		enc.SetIndent("", "  ")
		enc.Encode(report)
	})
}

func (w *Worker) Start(ctx context.Context) error {
	w.Run(ctx)
	return nil
}

func (w *Worker) Stop() error { return nil }

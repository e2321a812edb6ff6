package shuffle

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminServer exposes operational endpoints for a shuffle node over HTTP.
// Intended for admin/internal networks only.
type AdminServer struct {
	hostID   string
	executor *Executor
	metrics  *Metrics
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to the given address. A nil
// gatherer serves prometheus.DefaultGatherer. The server is not started
// until Start() is called.
func NewAdminServer(addr, hostID string, executor *Executor, metrics *Metrics, gatherer prometheus.Gatherer) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		hostID:   hostID,
		executor: executor,
		metrics:  metrics,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/status", as.handleStatus)
	mux.HandleFunc("/tasks", as.handleTasks)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()
	slog.Info("admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// --- handlers ---

// statusResponse is the JSON structure for GET /status.
type statusResponse struct {
	HostID      string           `json:"host_id"`
	ActiveTasks int              `json:"active_tasks"`
	Metrics     map[string]int64 `json:"metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		HostID:  as.hostID,
		Metrics: map[string]int64{},
	}
	if as.executor != nil {
		resp.ActiveTasks = as.executor.Len()
	}
	if as.metrics != nil {
		resp.Metrics = as.metrics.Snapshot()
	}

	writeJSON(w, resp)
}

// tasksResponse is the JSON structure for GET /tasks.
type tasksResponse struct {
	Tasks []TaskInfo `json:"tasks"`
}

func (as *AdminServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tasks := []TaskInfo{}
	if as.executor != nil {
		tasks = append(tasks, as.executor.Tasks()...)
	}
	if job := r.URL.Query().Get("job"); job != "" {
		kept := tasks[:0]
		for _, t := range tasks {
			if t.Job == job {
				kept = append(kept, t)
			}
		}
		tasks = kept
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })

	writeJSON(w, tasksResponse{Tasks: tasks})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := sonic.ConfigStd.NewEncoder(w).Encode(v); err != nil {
		slog.Error("admin: json encode error", "error", err)
	}
}

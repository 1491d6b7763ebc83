package serve

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/ValentinKolb/dGrid/lib/errs"
	"github.com/ValentinKolb/dGrid/lib/grid"
	"github.com/ValentinKolb/dGrid/lib/security"
	"github.com/ValentinKolb/dGrid/lib/tasks"
	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
	"github.com/rcrowley/go-metrics/exp"
)

// adminServer is the operator facing HTTP endpoint of a member
type adminServer struct {
	node    *grid.Node
	subject *security.Subject
	srv     *http.Server
}

// startAdmin serves the admin endpoint on addr until Close
func startAdmin(addr string, node *grid.Node, subject string) (*adminServer, error) {
	a := &adminServer{node: node}
	if subject != "" {
		a.subject = security.NewSubject(subject)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}
	a.srv = &http.Server{Handler: a.router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := a.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("admin endpoint failed: %v", err)
		}
	}()
	log.Infof("admin endpoint listening on %s", listener.Addr())
	return a, nil
}

func (a *adminServer) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/metrics", a.metrics).Methods(http.MethodGet)
	r.HandleFunc("/cluster/view", a.view).Methods(http.MethodGet)
	r.HandleFunc("/cluster/shutdown", a.shutdown).Methods(http.MethodPost)
	r.HandleFunc("/tasks", a.listTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{name}", a.runTask).Methods(http.MethodPost)
	if n := a.node.Indexing(); n != nil {
		r.Handle("/debug/indexing", exp.ExpHandler(n.Registry())).Methods(http.MethodGet)
	}
	return r
}

// Close stops the endpoint
func (a *adminServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.srv.Shutdown(ctx)
}

func (a *adminServer) context(r *http.Request) context.Context {
	if a.subject == nil {
		return r.Context()
	}
	return security.WithSubject(r.Context(), a.subject)
}

func (a *adminServer) metrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	a.node.WritePrometheus(w)
}

func (a *adminServer) view(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.node.Info())
}

func (a *adminServer) shutdown(w http.ResponseWriter, r *http.Request) {
	if err := a.node.Shutdown(a.context(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// taskList answers GET /tasks
type taskList struct {
	Available []string              `json:"available"`
	Running   []tasks.TaskExecution `json:"running"`
}

func (a *adminServer) listTasks(w http.ResponseWriter, _ *http.Request) {
	m := a.node.Tasks()
	writeJSON(w, http.StatusOK, taskList{Available: m.Tasks(), Running: m.CurrentTasks()})
}

// runTask runs the named task with the query parameters and waits for its result
func (a *adminServer) runTask(w http.ResponseWriter, r *http.Request) {
	params := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}

	ctx := a.context(r)
	ex, err := a.node.RunTask(ctx, mux.Vars(r)["name"], params)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := ex.Wait(ctx)
	if err != nil {
		ex.Cancel()
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": ex.Info(), "result": result})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warningf("failed to write admin response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.CodeOf(err) {
	case errs.RetCUnauthorized:
		status = http.StatusForbidden
	case errs.RetCNotAccepting:
		status = http.StatusServiceUnavailable
	case errs.RetCInvalidOperation:
		status = http.StatusBadRequest
	case errs.RetCClusterViewMismatch:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"code": errs.CodeOf(err).String(), "error": err.Error()})
}

package endpoints

import (
	"encoding/json"
	"io/ioutil"
	"net/http"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"

	"github.com/sharpyfox/rtbkit/agents"
	"github.com/sharpyfox/rtbkit/errortypes"
)

// AgentsEndpoint is the REST configuration surface of the Registry:
//
//	GET    /v1/agents              list agent names
//	GET    /v1/agents/:name/config current config
//	POST   /v1/agents/:name/config publish
//	DELETE /v1/agents/:name/config retire
type AgentsEndpoint struct {
	registry *agents.Registry
}

func NewAgentsEndpoint(registry *agents.Registry) *AgentsEndpoint {
	return &AgentsEndpoint{registry: registry}
}

func (e *AgentsEndpoint) List(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snapshot := e.registry.Snapshot()
	names := make([]string, 0, snapshot.Len())
	for _, entry := range snapshot.All() {
		names = append(names, entry.Name)
	}
	writeJSON(w, map[string]interface{}{
		"generation": snapshot.Generation,
		"agents":     names,
	})
}

func (e *AgentsEndpoint) Get(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	entry, ok := e.registry.Snapshot().Get(ps.ByName("name"))
	if !ok {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	writeJSON(w, entry.Config)
}

func (e *AgentsEndpoint) Publish(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "payload too large", http.StatusBadRequest)
		return
	}
	name := ps.ByName("name")
	if _, err := e.registry.Publish(name, body); err != nil {
		if _, ok := err.(*errortypes.InvalidConfig); ok {
			http.Error(w, err.Error(), http.StatusBadRequest)
		} else {
			glog.Errorf("publish of agent %s failed: %v", name, err)
			http.Error(w, "publish failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, map[string]interface{}{"generation": e.registry.Generation()})
}

func (e *AgentsEndpoint) Retire(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if !e.registry.Retire(ps.ByName("name")) {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		glog.Warningf("failed to write response: %v", err)
	}
}

package router

import (
	"encoding/json"
	"net/http"

	"github.com/golang/glog"
	"github.com/julienschmidt/httprouter"

	"github.com/sharpyfox/rtbkit/endpoints"
)

// Admin builds the admin-port handler: version, health and the agent
// configuration surface. It never serves exchange traffic.
func Admin(revision string, r *Router) http.Handler {
	admin := httprouter.New()

	admin.GET("/version", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeAdminJSON(w, map[string]string{"revision": revision})
	})

	admin.GET("/health", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeAdminJSON(w, map[string]interface{}{
			"slowMode":            r.Banker.SlowMode(),
			"agentGeneration":     r.Registry.Generation(),
			"agentsLive":          r.Registry.Snapshot().Len(),
			"postAuctionsPending": r.Loop.Pending(),
		})
	})

	admin.GET("/banker/accounts", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeAdminJSON(w, r.Banker.Status())
	})

	agentsEndpoint := endpoints.NewAgentsEndpoint(r.Registry)
	admin.GET("/v1/agents", agentsEndpoint.List)
	admin.GET("/v1/agents/:name/config", agentsEndpoint.Get)
	admin.POST("/v1/agents/:name/config", agentsEndpoint.Publish)
	admin.DELETE("/v1/agents/:name/config", agentsEndpoint.Retire)

	return admin
}

func writeAdminJSON(w http.ResponseWriter, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		glog.Warningf("admin response write failed: %v", err)
	}
}

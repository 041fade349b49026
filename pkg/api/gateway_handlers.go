package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/beamline/queuegate/pkg/auth"
	"github.com/beamline/queuegate/pkg/httputil"
	"github.com/beamline/queuegate/pkg/middleware"
	"github.com/beamline/queuegate/pkg/observability"
	"github.com/beamline/queuegate/pkg/rpc"
	"github.com/beamline/queuegate/pkg/scopes"
)

// Parameter attachment modes for forwarded requests.
const (
	attachNone = iota
	// attachUserInfo adds the caller's displayed name and resource group,
	// which the queue manager records on the queued item.
	attachUserInfo
	// attachGroup adds only the resource group, used by the allowed-plans
	// and allowed-devices lookups.
	attachGroup
)

// forwardRoute describes one pass-through endpoint: the HTTP route, the
// queue manager method it forwards to, the scope it requires and the
// parameters attached on the way through.
type forwardRoute struct {
	path      string
	method    string
	rpcMethod string
	scope     string
	attach    int
	// extraParams are fixed parameters merged into every forwarded call,
	// such as the run-list selector.
	extraParams map[string]interface{}
}

var forwardRoutes = []forwardRoute{
	{path: "/ping", method: "GET", rpcMethod: "ping", scope: scopes.ReadStatus},
	{path: "/status", method: "GET", rpcMethod: "status", scope: scopes.ReadStatus},

	{path: "/queue/get", method: "GET", rpcMethod: "queue_get", scope: scopes.ReadQueue},
	{path: "/queue/item/get", method: "GET", rpcMethod: "queue_item_get", scope: scopes.ReadQueue},

	{path: "/queue/mode/set", method: "POST", rpcMethod: "queue_mode_set", scope: scopes.WriteQueueControl},
	{path: "/queue/start", method: "POST", rpcMethod: "queue_start", scope: scopes.WriteQueueControl},
	{path: "/queue/stop", method: "POST", rpcMethod: "queue_stop", scope: scopes.WriteQueueControl},
	{path: "/queue/stop/cancel", method: "POST", rpcMethod: "queue_stop_cancel", scope: scopes.WriteQueueControl},

	{path: "/queue/clear", method: "POST", rpcMethod: "queue_clear", scope: scopes.WriteQueueEdit},
	{path: "/queue/item/add", method: "POST", rpcMethod: "queue_item_add", scope: scopes.WriteQueueEdit, attach: attachUserInfo},
	{path: "/queue/item/add/batch", method: "POST", rpcMethod: "queue_item_add_batch", scope: scopes.WriteQueueEdit, attach: attachUserInfo},
	{path: "/queue/item/update", method: "POST", rpcMethod: "queue_item_update", scope: scopes.WriteQueueEdit, attach: attachUserInfo},
	{path: "/queue/item/remove", method: "POST", rpcMethod: "queue_item_remove", scope: scopes.WriteQueueEdit},
	{path: "/queue/item/remove/batch", method: "POST", rpcMethod: "queue_item_remove_batch", scope: scopes.WriteQueueEdit},
	{path: "/queue/item/move", method: "POST", rpcMethod: "queue_item_move", scope: scopes.WriteQueueEdit},
	{path: "/queue/item/move/batch", method: "POST", rpcMethod: "queue_item_move_batch", scope: scopes.WriteQueueEdit},

	{path: "/queue/item/execute", method: "POST", rpcMethod: "queue_item_execute", scope: scopes.WriteExecute, attach: attachUserInfo},
	{path: "/function/execute", method: "POST", rpcMethod: "function_execute", scope: scopes.WriteExecute, attach: attachUserInfo},

	{path: "/history/get", method: "GET", rpcMethod: "history_get", scope: scopes.ReadHistory},
	{path: "/history/clear", method: "POST", rpcMethod: "history_clear", scope: scopes.WriteHistoryEdit},

	{path: "/environment/open", method: "POST", rpcMethod: "environment_open", scope: scopes.WriteManagerControl},
	{path: "/environment/close", method: "POST", rpcMethod: "environment_close", scope: scopes.WriteManagerControl},
	{path: "/environment/destroy", method: "POST", rpcMethod: "environment_destroy", scope: scopes.WriteManagerControl},

	{path: "/re/pause", method: "POST", rpcMethod: "re_pause", scope: scopes.WritePlanControl},
	{path: "/re/resume", method: "POST", rpcMethod: "re_resume", scope: scopes.WritePlanControl},
	{path: "/re/stop", method: "POST", rpcMethod: "re_stop", scope: scopes.WritePlanControl},
	{path: "/re/abort", method: "POST", rpcMethod: "re_abort", scope: scopes.WritePlanControl},
	{path: "/re/halt", method: "POST", rpcMethod: "re_halt", scope: scopes.WritePlanControl},

	{path: "/re/runs", method: "POST", rpcMethod: "re_runs", scope: scopes.ReadMonitor},
	{path: "/re/runs/active", method: "GET", rpcMethod: "re_runs", scope: scopes.ReadMonitor,
		extraParams: map[string]interface{}{"option": "active"}},
	{path: "/re/runs/open", method: "GET", rpcMethod: "re_runs", scope: scopes.ReadMonitor,
		extraParams: map[string]interface{}{"option": "open"}},
	{path: "/re/runs/closed", method: "GET", rpcMethod: "re_runs", scope: scopes.ReadMonitor,
		extraParams: map[string]interface{}{"option": "closed"}},
	{path: "/task/status", method: "GET", rpcMethod: "task_status", scope: scopes.ReadMonitor},
	{path: "/task/result", method: "GET", rpcMethod: "task_result", scope: scopes.ReadMonitor},

	{path: "/plans/allowed", method: "GET", rpcMethod: "plans_allowed", scope: scopes.ReadResources, attach: attachGroup},
	{path: "/devices/allowed", method: "GET", rpcMethod: "devices_allowed", scope: scopes.ReadResources, attach: attachGroup},
	{path: "/plans/existing", method: "GET", rpcMethod: "plans_existing", scope: scopes.ReadResources},
	{path: "/devices/existing", method: "GET", rpcMethod: "devices_existing", scope: scopes.ReadResources},

	{path: "/permissions/get", method: "GET", rpcMethod: "permissions_get", scope: scopes.ReadConfig},
	{path: "/permissions/reload", method: "POST", rpcMethod: "permissions_reload", scope: scopes.WriteConfig},
	{path: "/permissions/set", method: "POST", rpcMethod: "permissions_set", scope: scopes.WritePermissions},

	{path: "/script/upload", method: "POST", rpcMethod: "script_upload", scope: scopes.WriteScripts},

	{path: "/lock", method: "POST", rpcMethod: "lock", scope: scopes.WriteLock},
	{path: "/lock/info", method: "GET", rpcMethod: "lock_info", scope: scopes.ReadLock},

	{path: "/manager/stop", method: "POST", rpcMethod: "manager_stop", scope: scopes.WriteManagerStop},
}

// forward builds the handler for one pass-through route. The request body,
// if any, becomes the forwarded parameter map; authorization context is
// attached per the route's attach mode.
func (s *Server) forward(route forwardRoute) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.gateway == nil {
			httputil.WriteDetail(w, http.StatusServiceUnavailable, "Queue manager gateway is not configured")
			return
		}

		params := map[string]interface{}{}
		if err := httputil.ParseJSON(r, &params); err != nil && !errors.Is(err, io.EOF) {
			httputil.WriteDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		for k, v := range route.extraParams {
			params[k] = v
		}

		principal := middleware.PrincipalFrom(r)
		switch route.attach {
		case attachUserInfo:
			username := principalUsername(principal)
			params["user"] = s.access.DisplayedName(username)
			params["user_group"] = s.resource.ResourceGroup(username)
		case attachGroup:
			params["user_group"] = s.resource.ResourceGroup(principalUsername(principal))
		}

		start := time.Now()
		msg, err := s.gateway.SendRequest(r.Context(), route.rpcMethod, params)
		s.countForward(route.rpcMethod, time.Since(start), err)
		if err != nil {
			if errors.Is(err, rpc.ErrRequestTimeout) {
				httputil.WriteDetail(w, http.StatusRequestTimeout, err.Error())
				return
			}
			httputil.WriteDetail(w, http.StatusBadRequest, err.Error())
			return
		}
		httputil.WriteSuccess(w, msg)
	})
}

// principalUsername picks the username forwarded downstream: the first
// identity on the principal. Pseudo-principals carry exactly one identity
// holding the reserved username.
func principalUsername(p *auth.Principal) string {
	if p == nil || len(p.Identities) == 0 {
		return ""
	}
	return p.Identities[0].ExternalID
}

func (s *Server) countForward(method string, elapsed time.Duration, err error) {
	if s.metrics == nil {
		return
	}
	outcome := observability.OutcomeOK
	if err != nil {
		outcome = observability.OutcomeInvalid
	}
	s.metrics.RPCForwardsTotal.WithLabelValues(method, outcome).Inc()
	s.metrics.RPCForwardDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

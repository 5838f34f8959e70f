package main

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/orgpay/internal/app"
	"github.com/R3E-Network/orgpay/internal/config"
	"github.com/R3E-Network/orgpay/internal/engine/events"
	"github.com/R3E-Network/orgpay/internal/httputil"
	"github.com/R3E-Network/orgpay/internal/metrics"
	"github.com/R3E-Network/orgpay/internal/middleware"
	"github.com/R3E-Network/orgpay/pkg/logger"
)

const maxRecentEvents = 500

type opsHandler struct {
	app *app.Application
}

func newOpsRouter(a *app.Application, cfg config.ServerConfig, log *logger.Logger) http.Handler {
	h := &opsHandler{app: a}
	r := mux.NewRouter()
	r.Use(middleware.Recover(log), middleware.Tracing(log))
	if cfg.RateLimit > 0 {
		r.Use(middleware.NewRateLimiter(cfg.RateLimit, cfg.Burst, log).Handler)
	}
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/events", h.recentEvents).Methods(http.MethodGet)
	r.HandleFunc("/membership/{org}/root", h.membershipRoot).Methods(http.MethodGet)
	return metrics.InstrumentHandler(r)
}

func (h *opsHandler) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recentEvents lists the newest buffered events, optionally of one type.
func (h *opsHandler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "limit must be a positive integer", Kind: "invalid_argument"})
			return
		}
		limit = min(n, maxRecentEvents)
	}

	var out []events.Event
	if t := r.URL.Query().Get("type"); t != "" {
		out = h.app.Events.RecentByType(events.EventType(t), limit)
	} else {
		out = h.app.Events.Recent(limit)
	}
	if out == nil {
		out = []events.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *opsHandler) membershipRoot(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]
	tree, err := h.app.Membership.GetOrCreate(r.Context(), org)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"organization_id": tree.OrganizationID,
		"root":            tree.Root.String(),
		"leaves":          len(tree.Leaves),
		"height":          tree.Height,
		"hasher":          tree.Hasher,
	})
}

package httpserver

import (
	"net/http"

	"github.com/chainfacilitator/x402fac/pkg/responders"
)

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// demoResource is a reference resource-server route: it shows how a
// downstream service gates an endpoint behind this facilitator's engine via
// internal/paywall, the same middleware a separate resource-server process
// would import over the network. It accepts payment on any chain
// demoRequirementsProvider advertises and, once paid, returns a fixed
// {resource, status} body; the settlement details stay in the request
// context (paywall.AuthorizationFromContext) and are not echoed back.
func (h *handlers) demoResource(w http.ResponseWriter, r *http.Request) {
	responders.JSON(w, http.StatusOK, map[string]string{"resource": "demo", "status": "delivered"})
}

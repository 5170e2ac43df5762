// Package paywall implements the x402 HTTP payment middleware: it wraps a
// downstream handler so every request must carry a settled X-PAYMENT before
// reaching it.
package paywall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/chainfacilitator/x402fac/internal/logger"
	"github.com/chainfacilitator/x402fac/internal/metrics"
	"github.com/chainfacilitator/x402fac/internal/refundintake"
	"github.com/chainfacilitator/x402fac/pkg/responders"
	"github.com/chainfacilitator/x402fac/pkg/x402"
)

type contextKey string

const (
	contextKeyAuthorization contextKey = "paywall.authorization"
	contextKeyResourceID    contextKey = "paywall.resourceID"
)

// RequirementsProvider returns the set of acceptable payment requirements
// for a request, one entry per chain/asset the resource owner will take
// payment on. The paywall knows nothing about what is being sold, only
// what would satisfy payment for this request.
type RequirementsProvider func(*http.Request) ([]x402.Requirements, error)

// Authorization is stashed in the request context on a successful settle so
// downstream handlers (and logging middleware) can see what paid for the
// request.
type Authorization struct {
	TransactionHash string
	Payer           string
	Network         string
}

// Middleware builds the x402 payment gate. refund may be nil, in which case
// downstream 5xx responses are not reported as refund claims; refund
// protection is an opt-in facilitator feature.
func Middleware(engine *x402.Engine, provider RequirementsProvider, refund *refundintake.Intake) func(http.Handler) http.Handler {
	return newMiddleware(engine, provider, refund, nil)
}

// MiddlewareWithMetrics is Middleware plus a metrics collector, wired
// separately so construction order in cmd/facilitator/main.go can build the
// engine and the metrics registry independently before assembling the
// handler chain.
func MiddlewareWithMetrics(engine *x402.Engine, provider RequirementsProvider, refund *refundintake.Intake, m *metrics.Metrics) func(http.Handler) http.Handler {
	return newMiddleware(engine, provider, refund, m)
}

func newMiddleware(engine *x402.Engine, provider RequirementsProvider, refund *refundintake.Intake, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log := logger.FromContext(r.Context())

			reqs, err := provider(r)
			if err != nil {
				responders.JSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
				return
			}
			if len(reqs) == 0 {
				responders.JSON(w, http.StatusNotFound, map[string]any{"error": "resource not found"})
				return
			}

			paymentHeader := strings.TrimSpace(r.Header.Get("X-PAYMENT"))
			if paymentHeader == "" {
				responders.JSON(w, http.StatusPaymentRequired, map[string]any{
					"x402Version": 2,
					"accepts":     reqs,
					"error":       "Payment Required",
				})
				return
			}

			env, err := x402.DecodeEnvelope(paymentHeader)
			if err != nil {
				responders.JSON(w, http.StatusPaymentRequired, map[string]any{
					"x402Version": 2,
					"accepts":     reqs,
					"error":       err.Error(),
				})
				return
			}

			req := matchingRequirement(reqs, env)

			verified := engine.Verify(r.Context(), env, req)
			if !verified.IsValid {
				observeFailure(m, req.Network, verified.InvalidReason)
				responders.JSON(w, http.StatusPaymentRequired, map[string]any{
					"x402Version": 2,
					"accepts":     reqs,
					"error":       verified.InvalidReason,
				})
				return
			}

			settled := engine.Settle(r.Context(), env, req, facilitatorIDFromRequest(r))
			if !settled.Success {
				observeFailure(m, req.Network, settled.ErrorReason)
				responders.JSON(w, http.StatusPaymentRequired, map[string]any{
					"x402Version": 2,
					"accepts":     reqs,
					"error":       settled.ErrorReason,
				})
				return
			}
			observeSuccess(m, req.Network)

			auth := Authorization{TransactionHash: settled.Transaction, Payer: settled.Payer, Network: settled.Network}
			ctx := context.WithValue(r.Context(), contextKeyAuthorization, auth)
			ctx = context.WithValue(ctx, contextKeyResourceID, req.Resource)

			rec := httptest.NewRecorder()
			next.ServeHTTP(rec, r.WithContext(ctx))

			for k, vals := range rec.Header() {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.Header().Set("X-PAYMENT-RESPONSE", settled.Transaction)
			w.WriteHeader(rec.Code)
			_, _ = w.Write(rec.Body.Bytes())

			if rec.Code >= 500 && refund != nil {
				log.Warn().Str("resource", req.Resource).Int("status", rec.Code).Msg("paywall.downstream_5xx_claim")
				refund.EmitBestEffort(resourceServerIDFromRequest(r), refundintake.ReportFailureRequest{
					OriginalTxHash: settled.Transaction,
					UserWallet:     settled.Payer,
					Amount:         req.MaxAmountRequired,
					Asset:          req.Asset,
					Network:        settled.Network,
					Reason:         "downstream handler returned a server error after settlement",
				})
			}
		})
	}
}

// matchingRequirement picks the Requirements entry whose network matches the
// envelope's, falling back to the first entry so a single-network resource
// server (the common case) never needs its provider to pre-filter.
func matchingRequirement(reqs []x402.Requirements, env x402.Envelope) x402.Requirements {
	for _, req := range reqs {
		if req.Network == env.Network {
			return req
		}
	}
	return reqs[0]
}

func facilitatorIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-Facilitator-Id")
}

// resourceServerIDFromRequest identifies which registered resource server
// owns this request, for refund-claim attribution. Distinct from
// facilitatorIDFromRequest: that one picks a settlement key set, this one
// picks whose claims ledger a best-effort 5xx report lands in.
func resourceServerIDFromRequest(r *http.Request) string {
	return r.Header.Get("X-Resource-Server-Id")
}

func observeSuccess(m *metrics.Metrics, network string) {
	if m != nil {
		m.ObservePayment("x402", network, true, 0, 0, "")
	}
}

func observeFailure(m *metrics.Metrics, network, reason string) {
	if m != nil {
		m.ObservePaymentFailure("x402", network, reason)
	}
}

// AuthorizationFromContext retrieves the settlement details attached to a
// request that passed the paywall, for logging or auditing downstream.
func AuthorizationFromContext(ctx context.Context) (Authorization, bool) {
	val := ctx.Value(contextKeyAuthorization)
	if val == nil {
		return Authorization{}, false
	}
	auth, ok := val.(Authorization)
	return auth, ok
}

// ResourceIDFromContext retrieves the resource identifier the settled
// payment was made against.
func ResourceIDFromContext(ctx context.Context) (string, bool) {
	val := ctx.Value(contextKeyResourceID)
	if id, ok := val.(string); ok {
		return id, true
	}
	return "", false
}

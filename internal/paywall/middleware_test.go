package paywall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainfacilitator/x402fac/internal/chainregistry"
	"github.com/chainfacilitator/x402fac/internal/config"
	"github.com/chainfacilitator/x402fac/internal/nonceledger"
	"github.com/chainfacilitator/x402fac/pkg/x402"
	"github.com/chainfacilitator/x402fac/pkg/x402/evm"

	ethereum "github.com/ethereum/go-ethereum"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"math/big"
)

const testFacilitatorKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fakeGateway struct {
	receipt *types.Receipt
}

func (g *fakeGateway) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(8453), nil }
func (g *fakeGateway) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (g *fakeGateway) PendingNonceAt(ctx context.Context, account gethcommon.Address) (uint64, error) {
	return 1, nil
}
func (g *fakeGateway) BalanceAt(ctx context.Context, account gethcommon.Address) (*big.Int, error) {
	return big.NewInt(1_000_000_000_000_000), nil
}
func (g *fakeGateway) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }
func (g *fakeGateway) TransactionReceipt(ctx context.Context, txHash gethcommon.Hash) (*types.Receipt, error) {
	return g.receipt, nil
}
func (g *fakeGateway) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return nil, nil
}

type fakeKeyResolver struct{}

func (fakeKeyResolver) ResolveKey(ctx context.Context, facilitatorID string, chainID uint64) (string, error) {
	return testFacilitatorKey, nil
}

func repeatHex(n int) string {
	out := make([]byte, n*2)
	for i := range out {
		out[i] = "ab"[i%2]
	}
	return string(out)
}

func newTestEngine(t *testing.T) *x402.Engine {
	t.Helper()
	registry, err := chainregistry.NewRegistry(config.X402Config{})
	require.NoError(t, err)
	ledger := nonceledger.NewMemoryLedger(time.Minute, nil)
	t.Cleanup(func() { ledger.Close() })

	gw := &fakeGateway{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 21000}}
	settler := evm.NewSettler(gw, ledger, fakeKeyResolver{}, 8453, "base")
	return x402.NewEngine(registry, ledger, map[string]*evm.Settler{"base": settler}, nil, "")
}

func testRequirements() []x402.Requirements {
	return []x402.Requirements{{
		Scheme:            "exact",
		Network:           "base",
		MaxAmountRequired: "1000000",
		Resource:          "/widgets",
		Asset:             "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		PayTo:             "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
	}}
}

func encodeEnvelopeHeader(t *testing.T, validAfter, validBefore, value, nonce string) string {
	t.Helper()
	body := map[string]any{
		"x402Version": 2,
		"scheme":      "exact",
		"network":     "base",
		"signature":   "0x" + repeatHex(65),
		"authorization": map[string]any{
			"from":        "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			"to":          "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
			"value":       value,
			"validAfter":  validAfter,
			"validBefore": validBefore,
			"nonce":       nonce,
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func okProvider(t *testing.T) RequirementsProvider {
	return func(r *http.Request) ([]x402.Requirements, error) {
		return testRequirements(), nil
	}
}

func TestMiddlewareNoHeaderReturns402WithAccepts(t *testing.T) {
	engine := newTestEngine(t)
	var calls int32
	handler := Middleware(engine, okProvider(t), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["x402Version"])
	assert.NotEmpty(t, body["accepts"])
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestMiddlewareInvalidEnvelopeReturns402(t *testing.T) {
	engine := newTestEngine(t)
	handler := Middleware(engine, okProvider(t), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not be called for an invalid envelope")
	}))

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.Header.Set("X-PAYMENT", "not-valid-base64!!!")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestMiddlewareVerifyFailureReturns402AndSkipsHandler(t *testing.T) {
	engine := newTestEngine(t)
	var calls int32
	handler := Middleware(engine, okProvider(t), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))

	now := time.Now().Unix()
	// validBefore in the past -> verify fails -> settle never reaches the
	// settler -> handler must not run.
	header := encodeEnvelopeHeader(t, itoa(now-100), itoa(now-1), "1000000", "0x"+repeatHex(32))

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.Header.Set("X-PAYMENT", header)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
}

func TestMiddlewareSuccessCallsHandlerExactlyOnceAndAttachesContext(t *testing.T) {
	engine := newTestEngine(t)
	var calls int32
	var sawAuth bool
	handler := Middleware(engine, okProvider(t), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if auth, ok := AuthorizationFromContext(r.Context()); ok {
			sawAuth = auth.TransactionHash != ""
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	now := time.Now().Unix()
	header := encodeEnvelopeHeader(t, itoa(now-10), itoa(now+600), "1000000", "0x"+repeatHex(32))

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.Header.Set("X-PAYMENT", header)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, sawAuth, "successful settlement must attach an Authorization to the request context")
	assert.NotEmpty(t, rec.Header().Get("X-PAYMENT-RESPONSE"))
}

func itoa(n int64) string {
	return big.NewInt(n).String()
}

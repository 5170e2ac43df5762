// Command x402pay is a reference payer: it fetches a 402 challenge from a
// facilitator-protected resource, signs a Solana SPL transfer for the first
// non-EVM accepted requirement, and replays the request with the resulting
// X-PAYMENT header. It exists to exercise the facilitator end to end
// without a browser wallet.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/chainfacilitator/x402fac/internal/config"
	"github.com/chainfacilitator/x402fac/pkg/x402/schema"
)

type challengeResponse struct {
	X402Version int                   `json:"x402Version"`
	Accepts     []schema.Requirements `json:"accepts"`
	Error       string                `json:"error"`
}

func main() {
	var (
		cfgPath   = flag.String("config", "configs/local.yaml", "path to facilitator config file")
		serverURL = flag.String("server", "http://localhost:8080", "facilitator base URL")
		resource  = flag.String("resource", "/demo/resource", "protected resource path")
		keypair   = flag.String("keypair", "", "path to Solana keypair (JSON produced by solana-keygen)")
	)
	flag.Parse()

	if *keypair == "" {
		log.Fatal("keypair flag is required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	baseURL := strings.TrimRight(*serverURL, "/")
	resourceURL := baseURL + *resource

	challenge, err := fetchChallenge(resourceURL)
	if err != nil {
		log.Fatalf("fetch challenge: %v", err)
	}

	req := pickSolanaRequirement(challenge.Accepts)
	if req == nil {
		log.Fatal("no solana requirement offered by this resource")
	}

	chain, ok := cfg.X402.Chains[req.Network]
	if !ok {
		log.Fatalf("no chain configured locally for network %q", req.Network)
	}

	payerKey, err := solana.PrivateKeyFromSolanaKeygenFile(*keypair)
	if err != nil {
		log.Fatalf("load keypair: %v", err)
	}
	payerPub := payerKey.PublicKey()

	mintKey, err := solana.PublicKeyFromBase58(cfg.X402.TokenMint)
	if err != nil {
		log.Fatalf("invalid token mint: %v", err)
	}
	sourceATA, _, err := solana.FindAssociatedTokenAddress(payerPub, mintKey)
	if err != nil {
		log.Fatalf("derive payer ATA: %v", err)
	}

	destPub, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		log.Fatalf("invalid payTo address: %v", err)
	}
	destATA, _, err := solana.FindAssociatedTokenAddress(destPub, mintKey)
	if err != nil {
		log.Fatalf("derive recipient ATA: %v", err)
	}

	// maxAmountRequired is already in atomic token units.
	tokenAmount, err := strconv.ParseUint(req.MaxAmountRequired, 10, 64)
	if err != nil {
		log.Fatalf("invalid maxAmountRequired %q: %v", req.MaxAmountRequired, err)
	}

	rpcClient := rpc.New(chain.RPCURL)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	blockhash, err := rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentProcessed)
	if err != nil {
		log.Fatalf("latest blockhash: %v", err)
	}

	transferInst := token.NewTransferCheckedInstruction(
		tokenAmount,
		chain.TokenDecimals,
		sourceATA,
		mintKey,
		destATA,
		payerPub,
		nil,
	).Build()

	tx, err := solana.NewTransaction(
		[]solana.Instruction{transferInst},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(payerPub),
	)
	if err != nil {
		log.Fatalf("build transaction: %v", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(payerPub) {
			return &payerKey
		}
		return nil
	}); err != nil {
		log.Fatalf("sign transaction: %v", err)
	}
	if len(tx.Signatures) == 0 {
		log.Fatal("transaction missing signature")
	}

	txB64, err := tx.ToBase64()
	if err != nil {
		log.Fatalf("encode transaction: %v", err)
	}

	headerValue, err := schema.EncodeEnvelope(schema.Envelope{
		X402Version: 1,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Solana: &schema.SolanaTransactionPayload{
			Transaction: txB64,
			Signature:   tx.Signatures[0].String(),
			Resource:    req.Resource,
		},
	})
	if err != nil {
		log.Fatalf("encode envelope: %v", err)
	}

	log.Printf("signed transfer %s for resource %s on %s", tx.Signatures[0].String(), *resource, req.Network)
	fmt.Printf("export X_PAYMENT_HEADER=%q\n", headerValue)
	fmt.Printf("curl -i %s -H \"X-PAYMENT: %s\"\n", resourceURL, headerValue)

	paidReq, err := http.NewRequest(http.MethodGet, resourceURL, nil)
	if err != nil {
		log.Fatalf("new request: %v", err)
	}
	paidReq.Header.Set("X-PAYMENT", headerValue)
	resp, err := http.DefaultClient.Do(paidReq)
	if err != nil {
		log.Fatalf("execute request: %v", err)
	}
	defer resp.Body.Close()
	log.Printf("facilitator response: %s", resp.Status)
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func fetchChallenge(resourceURL string) (*challengeResponse, error) {
	resp, err := http.Get(resourceURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected 402, got %s", resp.Status)
	}

	var ch challengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func pickSolanaRequirement(accepts []schema.Requirements) *schema.Requirements {
	for i := range accepts {
		if !strings.HasPrefix(accepts[i].Network, "eip155") && !strings.HasPrefix(accepts[i].Network, "base") {
			return &accepts[i]
		}
	}
	return nil
}


package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vibestream/payment-service/internal/domain"
)

func TestCardGateway_InitiateSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/charges" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"id": "ch_123", "status": "pending"})
	}))
	defer server.Close()

	g := NewCardGateway(server.URL, "sk_test", "whsec")
	resp, err := g.Initiate(context.Background(), InitiateRequest{
		PaymentID:      "pay-1",
		Amount:         10000,
		Currency:       domain.CurrencyUSD,
		IdempotencyKey: "key-1",
	})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if resp.Reference != "ch_123" {
		t.Fatalf("expected reference ch_123, got %s", resp.Reference)
	}
	if resp.Fee != CardFee(10000) {
		t.Fatalf("expected fee %d, got %d", CardFee(10000), resp.Fee)
	}
	if gotKey != "key-1" {
		t.Fatalf("expected idempotency key header, got %q", gotKey)
	}
	if gotAuth != "Bearer sk_test" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
}

func TestCardGateway_ClientErrorIsRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"code": "card_declined", "message": "insufficient funds"},
		})
	}))
	defer server.Close()

	g := NewCardGateway(server.URL, "sk_test", "whsec")
	_, err := g.Initiate(context.Background(), InitiateRequest{PaymentID: "pay-1", Amount: 100, Currency: domain.CurrencyUSD})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("4xx must map to ErrRejected, got %v", err)
	}
}

func TestCardGateway_ServerErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	g := NewCardGateway(server.URL, "sk_test", "whsec")
	_, err := g.Initiate(context.Background(), InitiateRequest{PaymentID: "pay-1", Amount: 100, Currency: domain.CurrencyUSD})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrRejected) {
		t.Fatalf("5xx must stay retryable, got rejection: %v", err)
	}
}

func TestCardGateway_VerifySignature(t *testing.T) {
	g := NewCardGateway("http://unused", "sk_test", "whsec")
	payload := []byte(`{"id":"evt_1","type":"payment.captured"}`)

	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(payload)
	good := hex.EncodeToString(mac.Sum(nil))

	if !g.VerifySignature(payload, good) {
		t.Fatal("valid signature must verify")
	}
	if g.VerifySignature(payload, "deadbeef") {
		t.Fatal("bad signature must not verify")
	}
	if g.VerifySignature(payload, "") {
		t.Fatal("empty signature must not verify")
	}
	if g.VerifySignature([]byte(`tampered`), good) {
		t.Fatal("tampered payload must not verify")
	}
}

func TestCryptoGateway_SupportsAndSignature(t *testing.T) {
	eth := NewEthereumGateway("http://unused", "key", "secret")
	if eth.Name() != "ethpay" {
		t.Fatalf("expected ethpay, got %s", eth.Name())
	}
	if !eth.Supports(domain.CurrencyETH) || !eth.Supports(domain.CurrencyUSDC) || !eth.Supports(domain.CurrencyVIBES) {
		t.Fatal("ethpay must settle ETH, USDC and VIBES")
	}
	if eth.Supports(domain.CurrencyUSD) || eth.Supports(domain.CurrencySOL) {
		t.Fatal("ethpay must not settle USD or SOL")
	}

	sol := NewSolanaGateway("http://unused", "key", "secret")
	if sol.Name() != "solpay" {
		t.Fatalf("expected solpay, got %s", sol.Name())
	}
	if !sol.Supports(domain.CurrencySOL) || sol.Supports(domain.CurrencyETH) {
		t.Fatal("solpay must settle SOL and not ETH")
	}

	// Crypto rails sign with base64, not hex.
	payload := []byte(`{"transfer_id":"tr_1"}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(payload)
	good := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !eth.VerifySignature(payload, good) {
		t.Fatal("valid base64 signature must verify")
	}
	if eth.VerifySignature(payload, hex.EncodeToString(mac.Sum(nil))) {
		t.Fatal("hex-encoded signature must not verify on a crypto rail")
	}
}

func TestCryptoGateway_InitiateComputesFee(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "key" {
			t.Errorf("missing api key header")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"transfer_id": "tr_9", "status": "pending"})
	}))
	defer server.Close()

	g := NewEthereumGateway(server.URL, "key", "secret")
	resp, err := g.Initiate(context.Background(), InitiateRequest{
		PaymentID: "pay-2",
		Amount:    1_000_000,
		Currency:  domain.CurrencyUSDC,
	})
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if resp.Reference != "tr_9" {
		t.Fatalf("expected tr_9, got %s", resp.Reference)
	}
	if resp.Fee != 10_000 { // 1% custodial fee
		t.Fatalf("expected fee 10000, got %d", resp.Fee)
	}
}

package evvm

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"KrumpKraft/internal/chain"

	"github.com/ethereum/go-ethereum/common"
)

const testPrivateKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

// testPrivateKey 对应地址 0x70997970C51812dc3A010C7d01b50e0d17dc79C8。
const testAddress = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"

func newTestWallet(t *testing.T) *chain.Wallet {
	t.Helper()
	// HTTP 端点惰性连接，构造钱包不会发起网络请求。
	wallet, err := chain.NewWallet(context.Background(), "http://127.0.0.1:8545", testPrivateKey)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	t.Cleanup(wallet.Close)
	return wallet
}

func TestPayViaRelayerSuccess(t *testing.T) {
	var captured relayerRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/x402/pay" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(relayerResponse{OK: true, TxHash: "0xrelayed"})
	}))
	defer server.Close()

	adapter, err := NewAdapter(newTestWallet(t), Config{
		CoreAddress:    "0x0000000000000000000000000000000000000aaa",
		X402RelayerURL: server.URL,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	hash, err := adapter.Pay(context.Background(), "0x0000000000000000000000000000000000000bbb", big.NewInt(500000), "receipt-42")
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if hash != "0xrelayed" {
		t.Fatalf("expected relayer tx hash, got %s", hash)
	}

	if captured.From != testAddress {
		t.Fatalf("unexpected from: %s", captured.From)
	}
	if captured.Amount != "500000" {
		t.Fatalf("unexpected amount: %s", captured.Amount)
	}
	// 非 0x 前缀的 receiptId 应被 keccak 成 bytes32。
	if !strings.HasPrefix(captured.ReceiptID, "0x") || len(captured.ReceiptID) != 66 {
		t.Fatalf("receiptId not hashed to bytes32: %s", captured.ReceiptID)
	}
	if captured.ValidBefore-captured.ValidAfter != 3600 {
		t.Fatalf("expected one hour validity window, got %d", captured.ValidBefore-captured.ValidAfter)
	}
}

func TestPayViaRelayerPassesHexReceiptThrough(t *testing.T) {
	receipt := "0x" + strings.Repeat("ab", 32)
	var captured relayerRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(relayerResponse{OK: true, TxHash: "0xok"})
	}))
	defer server.Close()

	adapter, err := NewAdapter(newTestWallet(t), Config{
		CoreAddress:    "0x0000000000000000000000000000000000000aaa",
		X402RelayerURL: server.URL,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if _, err := adapter.Pay(context.Background(), "0xdest", big.NewInt(1), receipt); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if captured.ReceiptID != receipt {
		t.Fatalf("hex receipt should pass through untouched, got %s", captured.ReceiptID)
	}
}

func TestPayViaRelayerSurfacesErrorVerbatim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(relayerResponse{OK: false, Error: "Payment receipt already used"})
	}))
	defer server.Close()

	adapter, err := NewAdapter(newTestWallet(t), Config{
		CoreAddress:    "0x0000000000000000000000000000000000000aaa",
		X402RelayerURL: server.URL,
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	_, err = adapter.Pay(context.Background(), "0xdest", big.NewInt(1), "r1")
	if err == nil {
		t.Fatalf("expected error from relayer")
	}
	if err.Error() != "Payment receipt already used" {
		t.Fatalf("relayer error not surfaced verbatim: %v", err)
	}
}

func TestPayWithoutRelayerReturnsNativeStub(t *testing.T) {
	adapter, err := NewAdapter(newTestWallet(t), Config{
		CoreAddress: "0x0000000000000000000000000000000000000aaa",
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	_, err = adapter.Pay(context.Background(), "0xdest", big.NewInt(1), "r1")
	if err == nil || !strings.Contains(err.Error(), "Native x402 not implemented") {
		t.Fatalf("expected native stub error, got %v", err)
	}
}

func TestPayPayloadHashDeterministic(t *testing.T) {
	to := common.HexToAddress("0x0000000000000000000000000000000000000bbb")
	token := common.HexToAddress(PrincipalTokenAddress)

	h1, err := payPayloadHash(to, token, big.NewInt(100), new(big.Int))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := payPayloadHash(to, token, big.NewInt(100), new(big.Int))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("payload hash not deterministic")
	}

	h3, err := payPayloadHash(to, token, big.NewInt(101), new(big.Int))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h3 {
		t.Fatalf("different amounts must hash differently")
	}
}

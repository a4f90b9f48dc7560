package krumpkraft

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRunCommandSendsBearerToken(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/agents/treasury_001/command" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"txHash": "0xpaid"},
		})
	}))
	defer server.Close()

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAuthToken("sekrit")

	result, err := client.RunCommand(context.Background(), "treasury_001", "pay",
		map[string]any{"to": "0xabc", "amount": "0.01", "receiptId": "r1"})
	if err != nil {
		t.Fatalf("run command: %v", err)
	}
	if !result.Success || result.TxHash != "0xpaid" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if gotAuth != "Bearer sekrit" {
		t.Fatalf("auth header missing: %q", gotAuth)
	}
	if gotBody["command"] != "pay" {
		t.Fatalf("command not sent: %v", gotBody)
	}
}

func TestListAgentsDecodesBalances(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"agents": []map[string]any{
				{"id": "verifier_001", "role": "verifier", "state": "idle", "balance": "5000000"},
			},
			"count": 1,
		})
	}))
	defer server.Close()

	client, _ := NewClient(server.URL, nil)
	agents, err := client.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 || agents[0].Balance != "5000000" {
		t.Fatalf("unexpected agents: %+v", agents)
	}
}

func TestAPIErrorIncludesHint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   "Missing command",
			"hint":    `Body: { command: "pay" }`,
		})
	}))
	defer server.Close()

	client, _ := NewClient(server.URL, nil)
	_, err := client.RunCommand(context.Background(), "treasury_001", "", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Message != "Missing command" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "hint") && !strings.Contains(apiErr.Error(), "Body:") {
		t.Fatalf("hint not surfaced: %s", apiErr.Error())
	}
}

func TestTransactionsLimitQuery(t *testing.T) {
	var gotLimit string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		json.NewEncoder(w).Encode(map[string]any{
			"transactions": []map[string]any{
				{"agentId": "miner_001", "txHash": "0x1", "type": "pay", "timestamp": 1700000000000},
			},
		})
	}))
	defer server.Close()

	client, _ := NewClient(server.URL, nil)
	txs, err := client.Transactions(context.Background(), 50)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if gotLimit != "50" {
		t.Fatalf("limit not sent: %q", gotLimit)
	}
	if len(txs) != 1 || txs[0].AgentID != "miner_001" {
		t.Fatalf("unexpected transactions: %+v", txs)
	}
}

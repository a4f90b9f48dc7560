package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"KrumpKraft/internal/activity"
	"KrumpKraft/internal/agent"
	"KrumpKraft/internal/messaging"
	"KrumpKraft/internal/record"
	"KrumpKraft/internal/swarm"
)

type stubEVVM struct {
	payErr error
}

func (s *stubEVVM) Address() string { return "0x70997970C51812dc3A010C7d01b50e0d17dc79C8" }

func (s *stubEVVM) PrincipalBalance(context.Context, string) (*big.Int, error) {
	return new(big.Int), nil
}

func (s *stubEVVM) TransferPrincipal(context.Context, string, *big.Int) (string, error) {
	return "0xjab", nil
}

func (s *stubEVVM) Pay(context.Context, string, *big.Int, string) (string, error) {
	if s.payErr != nil {
		return "", s.payErr
	}
	return "0xpaid", nil
}

func newTestSwarm(t *testing.T, evvm agent.EVVMClient, ids ...string) *swarm.Swarm {
	t.Helper()
	store, err := record.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	s := swarm.New(nil)
	for _, id := range ids {
		a, err := agent.New(context.Background(),
			agent.Config{ID: id, Name: id, Role: agent.RoleVerifier},
			agent.Deps{Store: store, Bus: messaging.NewBus(id, nil), EVVM: evvm})
		if err != nil {
			t.Fatalf("new agent: %v", err)
		}
		s.Add(a)
	}
	return s
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	s := NewServer(":0", newTestSwarm(t, nil, "verifier_001"), Options{})
	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("unexpected health response: %d %v", rec.Code, body)
	}
	if body["agents"] != float64(1) {
		t.Fatalf("agent count missing: %v", body)
	}
}

func TestGetAgentNotFound(t *testing.T) {
	s := NewServer(":0", newTestSwarm(t, nil, "verifier_001"), Options{})
	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/agents/nobody", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if body["error"] != "Agent not found" || body["success"] != false {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestListAgentsSerializesBalancesAsStrings(t *testing.T) {
	s := NewServer(":0", newTestSwarm(t, &stubEVVM{}, "verifier_001"), Options{})
	rec, body := doJSON(t, s.Handler(), http.MethodGet, "/api/v1/agents", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	agents, _ := body["agents"].([]any)
	if len(agents) != 1 {
		t.Fatalf("expected one agent: %v", body)
	}
	first, _ := agents[0].(map[string]any)
	if _, ok := first["balance"].(string); !ok {
		t.Fatalf("balance must be a decimal string: %v", first)
	}
	if first["state"] != "idle" {
		t.Fatalf("unexpected state: %v", first)
	}
}

func TestCommandMissingBody(t *testing.T) {
	s := NewServer(":0", newTestSwarm(t, nil, "verifier_001"), Options{})
	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/agents/verifier_001/command",
		map[string]any{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if body["error"] != "Missing command" {
		t.Fatalf("unexpected error: %v", body)
	}
	hint, _ := body["hint"].(string)
	if !strings.Contains(hint, "transferUsdc") {
		t.Fatalf("hint missing command list: %q", hint)
	}
}

func TestCommandUnknownName(t *testing.T) {
	s := NewServer(":0", newTestSwarm(t, nil, "verifier_001"), Options{})
	rec, body := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/agents/verifier_001/command",
		map[string]any{"command": "teleport"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown command keeps 200, got %d", rec.Code)
	}
	result, _ := body["result"].(map[string]any)
	if body["success"] != false || result["error"] != "Unknown command: teleport" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestCommandPaySuccess(t *testing.T) {
	s := NewServer(":0", newTestSwarm(t, &stubEVVM{}, "treasury_001"), Options{})
	_, body := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/agents/treasury_001/command",
		map[string]any{
			"command": "pay",
			"params":  map[string]any{"to": "0xabc", "amount": "0.01", "receiptId": "r1"},
		}, nil)
	result, _ := body["result"].(map[string]any)
	if body["success"] != true || result["txHash"] != "0xpaid" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestCommandAdapterFailureSurfacedVerbatim(t *testing.T) {
	evvm := &stubEVVM{payErr: errors.New("Payment receipt already used")}
	s := NewServer(":0", newTestSwarm(t, evvm, "treasury_001"), Options{})
	_, body := doJSON(t, s.Handler(), http.MethodPost, "/api/v1/agents/treasury_001/command",
		map[string]any{
			"command": "pay",
			"params":  map[string]any{"to": "0xabc", "amount": "0.01", "receiptId": "r1"},
		}, nil)
	result, _ := body["result"].(map[string]any)
	if body["success"] != false || result["error"] != "Payment receipt already used" {
		t.Fatalf("adapter error not preserved: %v", body)
	}
}

func TestTransactionsMergedAndCapped(t *testing.T) {
	sw := newTestSwarm(t, &stubEVVM{}, "treasury_001", "verifier_001")
	handler := NewServer(":0", sw, Options{}).Handler()

	for _, id := range []string{"treasury_001", "verifier_001"} {
		for i := 0; i < 3; i++ {
			doJSON(t, handler, http.MethodPost, "/api/v1/agents/"+id+"/command",
				map[string]any{
					"command": "pay",
					"params":  map[string]any{"to": "0xabc", "amount": "0.01", "receiptId": "r1"},
				}, nil)
		}
	}

	_, body := doJSON(t, handler, http.MethodGet, "/api/v1/transactions?limit=4", nil, nil)
	txs, _ := body["transactions"].([]any)
	if len(txs) != 4 {
		t.Fatalf("expected 4 merged transactions, got %d", len(txs))
	}
	var prev float64 = 1 << 62
	for _, raw := range txs {
		tx, _ := raw.(map[string]any)
		ts, _ := tx["timestamp"].(float64)
		if ts > prev {
			t.Fatalf("transactions not sorted newest first")
		}
		prev = ts
	}
}

func TestCommissionsCreateAndList(t *testing.T) {
	handler := NewServer(":0", newTestSwarm(t, nil, "choreographer_001"), Options{}).Handler()

	rec, body := doJSON(t, handler, http.MethodPost, "/api/v1/commissions",
		map[string]any{"choreographerId": "choreographer_001"}, nil)
	if rec.Code != http.StatusBadRequest || body["error"] != "Missing choreographerId or description" {
		t.Fatalf("expected validation error: %d %v", rec.Code, body)
	}

	_, body = doJSON(t, handler, http.MethodPost, "/api/v1/commissions",
		map[string]any{"choreographerId": "choreographer_001", "description": "Build a studio", "budget": "5"}, nil)
	if body["success"] != true {
		t.Fatalf("create failed: %v", body)
	}
	commission, _ := body["commission"].(map[string]any)
	id, _ := commission["id"].(string)
	if !strings.HasPrefix(id, "comm_") {
		t.Fatalf("unexpected commission id: %q", id)
	}

	_, body = doJSON(t, handler, http.MethodGet, "/api/v1/commissions", nil, nil)
	list, _ := body["commissions"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected one commission: %v", body)
	}
	first, _ := list[0].(map[string]any)
	if first["budget"] != "5000000" || first["status"] != "pending" {
		t.Fatalf("unexpected commission: %v", first)
	}
	if _, present := first["updatedAt"]; present {
		t.Fatalf("updatedAt must be omitted when zero: %v", first)
	}
}

func TestActivityFeedEndpoint(t *testing.T) {
	feed := activity.NewMemoryFeed()
	_ = feed.Push(context.Background(), activity.Entry{
		Type:    activity.TypeChat,
		AgentID: "verifier_001",
		Message: "cypher tonight",
	})
	handler := NewServer(":0", newTestSwarm(t, nil, "verifier_001"), Options{Feed: feed}).Handler()

	_, body := doJSON(t, handler, http.MethodGet, "/api/v1/activity", nil, nil)
	entries, _ := body["activity"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected one entry: %v", body)
	}
	first, _ := entries[0].(map[string]any)
	if first["message"] != "cypher tonight" {
		t.Fatalf("unexpected entry: %v", first)
	}
}

func TestMessageEndpoint(t *testing.T) {
	sw := newTestSwarm(t, nil, "verifier_001", "miner_001")
	received := make(chan messaging.Message, 1)
	target, _ := sw.Agent("miner_001")
	target.Bus().OnMessage(func(msg messaging.Message) { received <- msg })

	handler := NewServer(":0", sw, Options{}).Handler()
	rec, body := doJSON(t, handler, http.MethodPost, "/api/v1/agents/verifier_001/message",
		map[string]any{"to": "miner_001", "type": "social", "payload": map[string]any{"message": "yo"}}, nil)
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("send failed: %d %v", rec.Code, body)
	}

	select {
	case msg := <-received:
		if msg.From != "verifier_001" || msg.Type != messaging.TypeSocial {
			t.Fatalf("unexpected message: %+v", msg)
		}
	default:
		t.Fatalf("message not delivered")
	}

	rec, body = doJSON(t, handler, http.MethodPost, "/api/v1/agents/verifier_001/message",
		map[string]any{"to": "", "type": "social"}, nil)
	if rec.Code != http.StatusBadRequest || body["error"] != "Missing to or type" {
		t.Fatalf("expected validation error: %d %v", rec.Code, body)
	}
}

func TestCORSAndPreflight(t *testing.T) {
	handler := NewServer(":0", newTestSwarm(t, nil, "verifier_001"), Options{}).Handler()

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/agents", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("CORS origin header missing")
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, "X-OpenClaw-Token") {
		t.Fatalf("CORS headers incomplete: %q", got)
	}
}

func TestBearerAuthGuardsWrites(t *testing.T) {
	handler := NewServer(":0", newTestSwarm(t, &stubEVVM{}, "treasury_001"), Options{AuthToken: "sekrit"}).Handler()

	payBody := map[string]any{
		"command": "pay",
		"params":  map[string]any{"to": "0xabc", "amount": "0.01", "receiptId": "r1"},
	}

	rec, body := doJSON(t, handler, http.MethodPost, "/api/v1/agents/treasury_001/command", payBody, nil)
	if rec.Code != http.StatusUnauthorized || body["error"] != "Unauthorized" {
		t.Fatalf("expected 401: %d %v", rec.Code, body)
	}

	// 读接口不要求凭证。
	rec, _ = doJSON(t, handler, http.MethodGet, "/api/v1/agents", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("read endpoints must stay open, got %d", rec.Code)
	}

	rec, body = doJSON(t, handler, http.MethodPost, "/api/v1/agents/treasury_001/command", payBody,
		map[string]string{"Authorization": "Bearer sekrit"})
	if rec.Code != http.StatusOK || body["success"] != true {
		t.Fatalf("authorized request failed: %d %v", rec.Code, body)
	}
}

func TestDiscoverDocument(t *testing.T) {
	handler := NewServer(":0", newTestSwarm(t, nil, "verifier_001"), Options{}).Handler()
	_, body := doJSON(t, handler, http.MethodGet, "/api/v1/discover", nil, nil)
	if body["name"] != "KrumpKraft API" || body["version"] != "0.1.0" {
		t.Fatalf("unexpected discover doc: %v", body)
	}
	endpoints, _ := body["endpoints"].(map[string]any)
	if _, ok := endpoints["GET /api/v1/swarm/state"]; !ok {
		t.Fatalf("endpoint catalog incomplete: %v", endpoints)
	}
}

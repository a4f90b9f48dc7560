package decision

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"KrumpKraft/internal/activity"
	"KrumpKraft/internal/agent"
	"KrumpKraft/internal/llm"
	"KrumpKraft/internal/messaging"
	"KrumpKraft/internal/record"
	"KrumpKraft/internal/swarm"
)

type scriptedClient struct {
	script []func(req llm.Request) (*llm.Action, error)
	reqs   []llm.Request
}

func (c *scriptedClient) Decide(_ context.Context, req llm.Request) (*llm.Action, error) {
	c.reqs = append(c.reqs, req)
	if len(c.script) == 0 {
		return nil, nil
	}
	next := c.script[0]
	c.script = c.script[1:]
	return next(req)
}

type stubEVVM struct {
	payCalls int
}

func (s *stubEVVM) Address() string { return "0xevvm" }

func (s *stubEVVM) PrincipalBalance(context.Context, string) (*big.Int, error) {
	return new(big.Int), nil
}

func (s *stubEVVM) TransferPrincipal(context.Context, string, *big.Int) (string, error) {
	return "0xjab", nil
}

func (s *stubEVVM) Pay(context.Context, string, *big.Int, string) (string, error) {
	s.payCalls++
	return "0xpaid", nil
}

func buildSwarm(t *testing.T, evvm agent.EVVMClient, ids ...string) *swarm.Swarm {
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

func chatAction(agentID, message string) func(llm.Request) (*llm.Action, error) {
	return func(llm.Request) (*llm.Action, error) {
		return &llm.Action{
			Action:  llm.ActionChat,
			AgentID: agentID,
			Payload: llm.ActionPayload{Message: message},
		}, nil
	}
}

func TestRunOnceRoundRobin(t *testing.T) {
	s := buildSwarm(t, nil, "verifier_001", "miner_001")
	client := &scriptedClient{script: []func(llm.Request) (*llm.Action, error){
		chatAction("verifier_001", "cypher at the studio!"),
		chatAction("miner_001", "labs tonight"),
	}}
	feed := activity.NewMemoryFeed()
	loop := New(s, client, feed, nil, nil, Config{}, nil)

	ctx := context.Background()
	loop.RunOnce(ctx)
	loop.RunOnce(ctx)

	if len(client.reqs) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(client.reqs))
	}
	if client.reqs[0].AgentID != "verifier_001" || client.reqs[1].AgentID != "miner_001" {
		t.Fatalf("round robin broken: %s then %s", client.reqs[0].AgentID, client.reqs[1].AgentID)
	}

	entries, err := feed.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 activity entries, got %d", len(entries))
	}
	if entries[0].AgentID != "miner_001" || entries[0].Action != "chat" {
		t.Fatalf("unexpected newest entry: %+v", entries[0])
	}
}

func TestRunOnceContextIncludesBalances(t *testing.T) {
	s := buildSwarm(t, nil, "verifier_001")
	client := &scriptedClient{}
	loop := New(s, client, nil, nil, nil, Config{}, nil)

	loop.RunOnce(context.Background())
	if len(client.reqs) != 1 {
		t.Fatalf("expected 1 request")
	}
	ctxStr := client.reqs[0].Context
	if !strings.Contains(ctxStr, "verifier_001") || !strings.Contains(ctxStr, "USDC.k=") {
		t.Fatalf("context missing agent summary:\n%s", ctxStr)
	}
	if !strings.Contains(ctxStr, "Recent commissions:") {
		t.Fatalf("context missing commissions section:\n%s", ctxStr)
	}
}

func TestCommissionActionAddsToSwarm(t *testing.T) {
	s := buildSwarm(t, nil, "choreographer_001")
	client := &scriptedClient{script: []func(llm.Request) (*llm.Action, error){
		func(llm.Request) (*llm.Action, error) {
			return &llm.Action{
				Action:  llm.ActionCommission,
				AgentID: "choreographer_001",
				Payload: llm.ActionPayload{Description: "Build a dance studio", Budget: "5"},
			}, nil
		},
	}}
	loop := New(s, client, nil, nil, nil, Config{}, nil)

	loop.RunOnce(context.Background())

	commissions := s.Commissions()
	if len(commissions) != 1 {
		t.Fatalf("expected one commission, got %d", len(commissions))
	}
	c := commissions[0]
	if c.ChoreographerID != "choreographer_001" || c.Status != swarm.CommissionPending {
		t.Fatalf("unexpected commission: %+v", c)
	}
	if c.Budget.Cmp(big.NewInt(5000000)) != 0 {
		t.Fatalf("budget not parsed: %s", c.Budget)
	}
}

func TestPayActionRunsAgentCommand(t *testing.T) {
	evvm := &stubEVVM{}
	s := buildSwarm(t, evvm, "treasury_001")
	client := &scriptedClient{script: []func(llm.Request) (*llm.Action, error){
		func(llm.Request) (*llm.Action, error) {
			return &llm.Action{
				Action:  llm.ActionPay,
				AgentID: "treasury_001",
				Payload: llm.ActionPayload{To: "0xabc", Amount: "0.01", ReceiptID: "r1"},
			}, nil
		},
	}}
	feed := activity.NewMemoryFeed()
	loop := New(s, client, feed, nil, nil, Config{}, nil)

	loop.RunOnce(context.Background())
	if evvm.payCalls != 1 {
		t.Fatalf("expected pay executed, calls=%d", evvm.payCalls)
	}

	entries, _ := feed.Recent(context.Background(), 1)
	if len(entries) != 1 || entries[0].Action != "pay" {
		t.Fatalf("pay activity missing: %+v", entries)
	}
	if success, _ := entries[0].Payload["success"].(bool); !success {
		t.Fatalf("expected success recorded: %+v", entries[0].Payload)
	}
}

func TestMismatchedAgentIDSkipped(t *testing.T) {
	s := buildSwarm(t, nil, "verifier_001")
	client := &scriptedClient{script: []func(llm.Request) (*llm.Action, error){
		chatAction("someone_else", "hijack"),
	}}
	feed := activity.NewMemoryFeed()
	loop := New(s, client, feed, nil, nil, Config{}, nil)

	loop.RunOnce(context.Background())
	entries, _ := feed.Recent(context.Background(), 10)
	if len(entries) != 0 {
		t.Fatalf("mismatched agentId must be ignored, got %+v", entries)
	}
}

func TestTriggerImmediateHonorsCooldown(t *testing.T) {
	s := buildSwarm(t, nil, "verifier_001")
	client := &scriptedClient{script: []func(llm.Request) (*llm.Action, error){
		chatAction("verifier_001", "yo"),
		chatAction("verifier_001", "yo again"),
		chatAction("verifier_001", "third"),
	}}
	loop := New(s, client, nil, nil, nil, Config{Cooldown: 50 * time.Millisecond}, nil)

	ctx := context.Background()
	loop.TriggerImmediate(ctx)
	loop.TriggerImmediate(ctx)
	if len(client.reqs) != 1 {
		t.Fatalf("cooldown must drop back-to-back triggers, got %d decisions", len(client.reqs))
	}

	time.Sleep(60 * time.Millisecond)
	loop.TriggerImmediate(ctx)
	if len(client.reqs) != 2 {
		t.Fatalf("trigger after cooldown must run, got %d decisions", len(client.reqs))
	}
}

func TestRecentChatInjectedIntoRequest(t *testing.T) {
	s := buildSwarm(t, nil, "verifier_001")
	client := &scriptedClient{}
	chat := func() []llm.ChatEntry {
		return []llm.ChatEntry{{Username: "big_homie", Message: "who's buck tonight?"}}
	}
	loop := New(s, client, nil, nil, chat, Config{}, nil)

	loop.RunOnce(context.Background())
	if len(client.reqs) != 1 {
		t.Fatalf("expected 1 request")
	}
	got := client.reqs[0].RecentChat
	if len(got) != 1 || got[0].Username != "big_homie" || got[0].Message != "who's buck tonight?" {
		t.Fatalf("chat entries not forwarded: %+v", got)
	}
}

func TestDecisionFailureRecordedInMemory(t *testing.T) {
	s := buildSwarm(t, nil, "verifier_001")
	client := &scriptedClient{script: []func(llm.Request) (*llm.Action, error){
		func(llm.Request) (*llm.Action, error) { return nil, errors.New("OpenRouter 429: rate limited") },
		chatAction("verifier_001", "back again"),
	}}
	loop := New(s, client, nil, nil, nil, Config{}, nil)

	ctx := context.Background()
	loop.RunOnce(ctx)
	loop.RunOnce(ctx)

	if len(client.reqs) != 2 {
		t.Fatalf("expected 2 requests")
	}
	if !strings.Contains(client.reqs[1].Memory, "failure") || !strings.Contains(client.reqs[1].Memory, "rate limited") {
		t.Fatalf("failure not in memory context: %q", client.reqs[1].Memory)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"KrumpKraft/internal/activity"
	"KrumpKraft/internal/agent"
	"KrumpKraft/internal/messaging"
	"KrumpKraft/internal/observability/metrics"
	"KrumpKraft/internal/story"
	"KrumpKraft/internal/swarm"
)

// maxTransactionLimit 是交易合并查询的服务端上限。
const maxTransactionLimit = 200

// Options 配置 API 服务的可选能力。
type Options struct {
	// Feed 提供活动流，nil 时 /api/v1/activity 返回空列表。
	Feed activity.Feed
	// Story 配置后 agent 列表会附带 ipAssetCount。
	Story *story.Client
	// AuthToken 非空时，写操作要求 Bearer token。
	AuthToken string
	Log       *slog.Logger
}

// Server 负责暴露 REST 接口，供仪表盘与外部系统驱动 swarm。
type Server struct {
	addr    string
	swarm   *swarm.Swarm
	feed    activity.Feed
	story   *story.Client
	token   string
	log     *slog.Logger
	started time.Time
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, sw *swarm.Swarm, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:    addr,
		swarm:   sw,
		feed:    opts.Feed,
		story:   opts.Story,
		token:   opts.AuthToken,
		log:     log,
		started: time.Now(),
	}
}

// Handler 构建完整的路由与中间件链。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/command", s.handleCommand)
	mux.HandleFunc("POST /api/v1/agents/{id}/message", s.handleMessage)
	mux.HandleFunc("GET /api/v1/swarm/state", s.handleSwarmState)
	mux.HandleFunc("GET /api/v1/transactions", s.handleTransactions)
	mux.HandleFunc("GET /api/v1/commissions", s.handleListCommissions)
	mux.HandleFunc("POST /api/v1/commissions", s.handleCreateCommission)
	mux.HandleFunc("GET /api/v1/bluemap/agents", s.handleBlueMapAgents)
	mux.HandleFunc("GET /api/v1/activity", s.handleActivity)
	mux.HandleFunc("GET /api/v1/discover", s.handleDiscover)
	mux.Handle("GET /metrics", metrics.Handler())
	return withCORS(s.withAuth(withMetrics(mux)))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务启动", "addr", s.addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"uptime":    time.Since(s.started).Seconds(),
		"agents":    s.swarm.Count(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.swarm.RefreshAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"online": true,
		"agents": s.serializeAllStatus(nil),
		"swarm":  serializeSwarmState(s.swarm.State(), nil),
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	s.swarm.RefreshAll(r.Context())
	counts := s.ipAssetCounts(r.Context())
	agents := s.serializeAllStatus(counts)
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	s.swarm.RefreshAll(r.Context())
	a, ok := s.swarm.Agent(r.PathValue("id"))
	if !ok {
		errorRes(w, http.StatusNotFound, "Agent not found", "")
		return
	}
	writeJSON(w, http.StatusOK, serializeStatus(a.Status(), nil))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	a, ok := s.swarm.Agent(r.PathValue("id"))
	if !ok {
		errorRes(w, http.StatusNotFound, "Agent not found", "")
		return
	}

	var body struct {
		Command string         `json:"command"`
		Params  map[string]any `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command == "" {
		errorRes(w, http.StatusBadRequest, "Missing command",
			`Body: { command: "submitVerification"|"commission"|"discover"|"distribute"|"pay"|"transferJab"|"transferIp"|"transferUsdc", params?: {} }`)
		return
	}

	cmd, err := agent.ParseCommand(body.Command, body.Params)
	if err != nil {
		// 未知指令与执行失败一样走统一结果形状。
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"result":  map[string]any{"error": err.Error()},
		})
		return
	}

	out := a.RunCommand(r.Context(), cmd)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": out.Success,
		"result":  serializeResult(out),
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	a, ok := s.swarm.Agent(r.PathValue("id"))
	if !ok {
		errorRes(w, http.StatusNotFound, "Agent not found", "")
		return
	}

	var body struct {
		To      string `json:"to"`
		Type    string `json:"type"`
		Payload any    `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.To == "" || body.Type == "" {
		errorRes(w, http.StatusBadRequest, "Missing to or type", "")
		return
	}

	bus := a.Bus()
	if bus == nil {
		errorRes(w, http.StatusInternalServerError, "message bus not configured", "")
		return
	}
	if err := bus.Send(r.Context(), body.To, messaging.MessageType(body.Type), body.Payload); err != nil {
		errorRes(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSwarmState(w http.ResponseWriter, r *http.Request) {
	s.swarm.RefreshAll(r.Context())
	counts := s.ipAssetCounts(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"swarm":  serializeSwarmState(s.swarm.State(), counts),
		"agents": s.serializeAllStatus(counts),
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxTransactionLimit {
		limit = maxTransactionLimit
	}

	agents := s.swarm.Agents()
	perAgent := limit
	if len(agents) > 0 {
		perAgent = int(math.Ceil(float64(limit) / float64(len(agents))))
	}

	all := make([]agent.Transaction, 0, limit)
	for _, a := range agents {
		txs, err := a.RecentTransactions(r.Context(), perAgent)
		if err != nil {
			s.log.Warn("读取交易留痕失败", "agent_id", a.ID(), "error", err)
			continue
		}
		all = append(all, txs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp > all[j].Timestamp })
	if len(all) > limit {
		all = all[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": all})
}

func (s *Server) handleListCommissions(w http.ResponseWriter, _ *http.Request) {
	commissions := s.swarm.Commissions()
	out := make([]map[string]any, 0, len(commissions))
	for _, c := range commissions {
		out = append(out, serializeCommission(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"commissions": out})
}

func (s *Server) handleCreateCommission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChoreographerID string          `json:"choreographerId"`
		Description     *string         `json:"description"`
		Budget          json.RawMessage `json:"budget"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChoreographerID == "" || body.Description == nil {
		errorRes(w, http.StatusBadRequest, "Missing choreographerId or description", "")
		return
	}

	commission := swarm.NewCommission(body.ChoreographerID, *body.Description, rawAmount(body.Budget))
	s.swarm.AddCommission(commission)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"commission": map[string]any{"id": commission.ID},
	})
}

func (s *Server) handleBlueMapAgents(w http.ResponseWriter, r *http.Request) {
	list := s.swarm.Agents()
	agents := make([]map[string]any, 0, len(list))
	for _, a := range list {
		status := a.Status()
		pos := a.Position(r.Context())
		agents = append(agents, map[string]any{
			"id":    status.ID,
			"name":  status.Name,
			"role":  status.Role,
			"state": status.State,
			"x":     pos.X,
			"y":     pos.Y,
			"z":     pos.Z,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	entries := []activity.Entry{}
	if s.feed != nil {
		recent, err := s.feed.Recent(r.Context(), 100)
		if err != nil {
			errorRes(w, http.StatusInternalServerError, err.Error(), "")
			return
		}
		entries = recent
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}

func (s *Server) handleDiscover(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "KrumpKraft API",
		"version":     "0.1.0",
		"description": "Agentic Krump Commerce on EVVM Story. Verifier, Choreographer, Miner, Treasury agents.",
		"base_url":    "/api/v1",
		"endpoints": map[string]any{
			"GET /health":                      map[string]string{"description": "Health check", "auth": "none"},
			"GET /api/v1/activity":             map[string]string{"description": "Bots & LLM activity feed (chat + actions)", "auth": "none"},
			"GET /api/v1/agents":               map[string]string{"description": "List agents", "auth": "none"},
			"GET /api/v1/agents/:id":           map[string]string{"description": "Agent status", "auth": "none"},
			"POST /api/v1/agents/:id/command":  map[string]string{"description": "Run agent command", "auth": "optional"},
			"POST /api/v1/agents/:id/message":  map[string]string{"description": "Send agent-to-agent message", "auth": "optional"},
			"GET /api/v1/swarm/state":          map[string]string{"description": "Swarm state", "auth": "none"},
			"GET /api/v1/transactions":         map[string]string{"description": "Recent transactions (all agents)", "auth": "none"},
			"GET /api/v1/commissions":          map[string]string{"description": "List commissions", "auth": "none"},
			"POST /api/v1/commissions":         map[string]string{"description": "Create commission", "auth": "optional"},
			"GET /api/v1/bluemap/agents":       map[string]string{"description": "Agent positions for BlueMap", "auth": "none"},
		},
		"getting_started": []string{
			"1. GET /health to check API",
			"2. GET /api/v1/agents to see agents",
			"3. POST /api/v1/agents/:id/command with command and params",
		},
	})
}

// ipAssetCounts 在配置 Story API 时统计各 agent 的 IP 资产数，
// 单个查询失败计 0。
func (s *Server) ipAssetCounts(ctx context.Context) map[string]int {
	if s.story == nil {
		return nil
	}
	counts := make(map[string]int)
	for _, a := range s.swarm.Agents() {
		addr := a.Address()
		if addr == "" {
			continue
		}
		result, err := s.story.ListByOwner(ctx, addr)
		if err != nil {
			counts[a.ID()] = 0
			continue
		}
		counts[a.ID()] = result.Total
	}
	return counts
}

func (s *Server) serializeAllStatus(counts map[string]int) []map[string]any {
	statuses := s.swarm.AllStatus()
	out := make([]map[string]any, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, serializeStatus(status, counts))
	}
	return out
}

// serializeStatus 将余额序列化为十进制字符串，避免 JSON 数字精度丢失。
func serializeStatus(status agent.Status, counts map[string]int) map[string]any {
	out := map[string]any{
		"id":               status.ID,
		"name":             status.Name,
		"role":             status.Role,
		"state":            status.State,
		"balance":          status.Balance.String(),
		"ipBalance":        status.IPBalance.String(),
		"ipNativeBalance":  status.IPNativeBalance.String(),
		"principalBalance": status.PrincipalBalance.String(),
		"tasksCompleted":   status.TasksCompleted,
		"revenueGenerated": status.RevenueGenerated.String(),
		"lastActive":       status.LastActive,
	}
	if counts != nil {
		out["ipAssetCount"] = counts[status.ID]
	}
	return out
}

func serializeSwarmState(state swarm.State, counts map[string]int) map[string]any {
	out := map[string]any{
		"agentCount":            state.AgentCount,
		"totalBalance":          state.TotalBalance.String(),
		"totalIpBalance":        state.TotalIPBalance.String(),
		"totalIpNativeBalance":  state.TotalIPNativeBalance.String(),
		"totalPrincipalBalance": state.TotalPrincipalBalance.String(),
		"totalTasks":            state.TotalTasks,
		"totalRevenue":          state.TotalRevenue.String(),
		"lastUpdate":            state.LastUpdate,
	}
	if counts != nil {
		total := 0
		for _, c := range counts {
			total += c
		}
		out["totalIpAssets"] = total
	}
	return out
}

func serializeCommission(c swarm.Commission) map[string]any {
	out := map[string]any{
		"id":              c.ID,
		"choreographerId": c.ChoreographerID,
		"description":     c.Description,
		"budget":          c.Budget.String(),
		"status":          c.Status,
		"createdAt":       c.CreatedAt,
	}
	if c.UpdatedAt != 0 {
		out["updatedAt"] = c.UpdatedAt
	}
	return out
}

func serializeResult(res agent.Result) map[string]any {
	out := map[string]any{}
	if res.TxHash != "" {
		out["txHash"] = res.TxHash
	}
	if res.Message != "" {
		out["message"] = res.Message
	}
	if res.Error != "" {
		out["error"] = res.Error
	}
	return out
}

// rawAmount 把 JSON 字符串或数字形式的金额还原为十进制字符串。
func rawAmount(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "0"
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	return string(raw)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func errorRes(w http.ResponseWriter, status int, message, hint string) {
	body := map[string]any{"success": false, "error": message}
	if hint != "" {
		body["hint"] = hint
	}
	writeJSON(w, status, body)
}

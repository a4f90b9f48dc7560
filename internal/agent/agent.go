package agent

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"KrumpKraft/internal/amounts"
	apperrors "KrumpKraft/internal/errors"
	"KrumpKraft/internal/messaging"
	"KrumpKraft/internal/record"

	"github.com/ethereum/go-ethereum/common"
)

// State 描述 agent 状态机的状态。
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	// WaitingPayment 与 Completed 为验证流程预留，当前指令不会进入。
	StateWaitingPayment State = "waiting_payment"
	StateCompleted      State = "completed"
	StateError          State = "error"
)

// Role 是 agent 在 swarm 中的分工。
type Role string

const (
	RoleVerifier      Role = "verifier"
	RoleChoreographer Role = "choreographer"
	RoleMiner         Role = "miner"
	RoleTreasury      Role = "treasury"
)

// WalletClient 抽象 Story Aeneid 上的原生与 ERC20 操作。
type WalletClient interface {
	Address() string
	NativeBalance(ctx context.Context, addr string) (*big.Int, error)
	TokenBalance(ctx context.Context, token, addr string) (*big.Int, error)
	TransferNative(ctx context.Context, to string, amount *big.Int) (string, error)
	TransferToken(ctx context.Context, token, to string, amount *big.Int) (string, error)
}

// EVVMClient 抽象 EVVM Core 的 principal 余额、转账与 x402 支付。
type EVVMClient interface {
	Address() string
	PrincipalBalance(ctx context.Context, addr string) (*big.Int, error)
	TransferPrincipal(ctx context.Context, to string, amount *big.Int) (string, error)
	Pay(ctx context.Context, to string, amount *big.Int, receiptID string) (string, error)
}

// VerifyClient 抽象 KrumpVerify / KrumpTreasury 合约调用。
type VerifyClient interface {
	VerifyMove(ctx context.Context, ipID, moveDataHash string, proof []byte) (string, error)
	VerifyMoveWithReceipt(ctx context.Context, ipID, moveDataHash string, proof []byte, receiptID string) (string, error)
	Distribute(ctx context.Context) (string, error)
}

// Config 是单个 agent 的静态配置。
type Config struct {
	ID             string
	Name           string
	Role           Role
	USDCAddress    string
	IPTokenAddress string
}

// Deps 汇集 agent 依赖的外部协作方，nil 表示对应能力未配置。
type Deps struct {
	Store    record.Store
	Bus      *messaging.Bus
	Wallet   WalletClient
	EVVM     EVVMClient
	Verify   VerifyClient
	Observer Observer
	Log      *slog.Logger
}

// Result 是指令执行的统一返回。
type Result struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Status 是 agent 的实时状态快照。
type Status struct {
	ID               string
	Name             string
	Role             Role
	State            State
	Balance          *big.Int
	IPBalance        *big.Int
	IPNativeBalance  *big.Int
	PrincipalBalance *big.Int
	TasksCompleted   int
	RevenueGenerated *big.Int
	LastActive       int64
}

// Transaction 是对外暴露的交易留痕（含归属 agent）。
type Transaction struct {
	AgentID   string `json:"agentId"`
	TxHash    string `json:"txHash"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Position 是 agent 在可视化世界中的坐标。
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Agent 是单个经济智能体：持有钱包能力、缓存余额，
// 通过状态机串行执行指令并把结果持久化到记录存储。
type Agent struct {
	id   string
	name string
	role Role

	store    record.Store
	bus      *messaging.Bus
	wallet   WalletClient
	evvm     EVVMClient
	verify   VerifyClient
	observer Observer
	log      *slog.Logger

	usdcToken string
	ipToken   string

	// mu 串行化指令执行与余额刷新，保证余额预检读到的是
	// 上一条指令完成后的缓存值。
	mu               sync.Mutex
	state            State
	balance          *big.Int
	ipBalance        *big.Int
	ipNativeBalance  *big.Int
	principalBalance *big.Int
	tasksCompleted   int
	revenueGenerated *big.Int
}

// New 构造 agent 并从记录存储恢复缓存状态。
func New(ctx context.Context, cfg Config, deps Deps) (*Agent, error) {
	if deps.Store == nil {
		return nil, apperrors.New(apperrors.CodeNotConfigured, "record store is required")
	}
	stored, err := deps.Store.GetOrCreate(ctx, cfg.ID, cfg.Name, string(cfg.Role))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "恢复 agent 记录失败")
	}

	observer := deps.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	a := &Agent{
		id:               cfg.ID,
		name:             cfg.Name,
		role:             cfg.Role,
		store:            deps.Store,
		bus:              deps.Bus,
		wallet:           deps.Wallet,
		evvm:             deps.EVVM,
		verify:           deps.Verify,
		observer:         observer,
		log:              log.With("agent_id", cfg.ID),
		usdcToken:        cfg.USDCAddress,
		ipToken:          cfg.IPTokenAddress,
		state:            State(stored.State),
		balance:          parseBig(stored.Balance),
		ipBalance:        parseBig(stored.IPBalance),
		ipNativeBalance:  parseBig(stored.IPNativeBalance),
		principalBalance: parseBig(stored.PrincipalBalance),
		tasksCompleted:   stored.TasksCompleted,
		revenueGenerated: parseBig(stored.RevenueGenerated),
	}
	if a.state == "" {
		a.state = StateIdle
	}
	return a, nil
}

func parseBig(value string) *big.Int {
	if value == "" {
		return new(big.Int)
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return new(big.Int)
	}
	return parsed
}

// ID 返回 agent 标识。
func (a *Agent) ID() string { return a.id }

// Name 返回展示名称。
func (a *Agent) Name() string { return a.name }

// Role 返回分工角色。
func (a *Agent) Role() Role { return a.role }

// Bus 返回该 agent 的消息端点。
func (a *Agent) Bus() *messaging.Bus { return a.bus }

// Address 返回钱包地址，优先取 EVVM 适配器的地址；未配置钱包时为空串。
func (a *Agent) Address() string {
	if a.evvm != nil {
		return a.evvm.Address()
	}
	if a.wallet != nil {
		return a.wallet.Address()
	}
	return ""
}

// Status 返回当前状态快照。余额为缓存值的拷贝。
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		ID:               a.id,
		Name:             a.name,
		Role:             a.role,
		State:            a.state,
		Balance:          new(big.Int).Set(a.balance),
		IPBalance:        new(big.Int).Set(a.ipBalance),
		IPNativeBalance:  new(big.Int).Set(a.ipNativeBalance),
		PrincipalBalance: new(big.Int).Set(a.principalBalance),
		TasksCompleted:   a.tasksCompleted,
		RevenueGenerated: new(big.Int).Set(a.revenueGenerated),
		LastActive:       time.Now().UnixMilli(),
	}
}

// RecentTransactions 返回最近的交易留痕，最新在前。
func (a *Agent) RecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	stored, err := a.store.Load(ctx, a.id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageFailure, err, "读取交易留痕失败")
	}
	if stored == nil {
		return []Transaction{}, nil
	}
	log := stored.TxLog
	out := make([]Transaction, 0, limit)
	for i := len(log) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, Transaction{
			AgentID:   a.id,
			TxHash:    log[i].TxHash,
			Type:      log[i].Type,
			Timestamp: log[i].Timestamp,
		})
	}
	return out, nil
}

// Position 返回持久化的世界坐标，无记录时为默认出生点。
func (a *Agent) Position(ctx context.Context) Position {
	stored, err := a.store.Load(ctx, a.id)
	if err != nil || stored == nil {
		return Position{X: 0, Y: 64, Z: 0}
	}
	return Position{X: stored.X, Y: stored.Y, Z: stored.Z}
}

// SetPosition 持久化世界坐标。
func (a *Agent) SetPosition(ctx context.Context, x, y, z int) {
	if err := a.store.Update(ctx, a.id, record.Update{X: &x, Y: &y, Z: &z}); err != nil {
		a.log.Warn("持久化坐标失败", "error", err)
	}
}

// RunCommand 执行一条指令。进入时置 Processing 并立即持久化；
// 业务校验失败回到 Idle，适配器异常进入 Error，错误文本原样保留。
func (a *Agent) RunCommand(ctx context.Context, cmd Command) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.observer.CommandStarted(a.id, cmd.Name())
	a.setState(ctx, StateProcessing)

	res := a.dispatch(ctx, cmd)
	a.observer.CommandFinished(a.id, cmd.Name(), res.Success, res.Error)
	return res
}

func (a *Agent) dispatch(ctx context.Context, cmd Command) Result {
	switch c := cmd.(type) {
	case SubmitVerification:
		return a.runSubmitVerification(ctx, c)
	case Distribute:
		return a.runDistribute(ctx)
	case Pay:
		return a.runPay(ctx, c)
	case TransferJab:
		return a.runTransferJab(ctx, c)
	case TransferIP:
		return a.runTransferIP(ctx, c)
	case TransferUSDC:
		return a.runTransferUSDC(ctx, c)
	case Commission, Discover:
		a.finishSuccess(ctx)
		return Result{Success: true, Message: "Handled by swarm/API"}
	default:
		return a.failIdle(ctx, "Unknown command: "+cmd.Name())
	}
}

func (a *Agent) runSubmitVerification(ctx context.Context, c SubmitVerification) Result {
	if a.verify == nil || c.IPID == "" || c.MoveHash == "" {
		return a.failIdle(ctx, "Missing ipId/moveHash or KrumpVerify not configured")
	}
	proofHex := c.Proof
	if proofHex == "" {
		proofHex = "0x"
	}
	proof := common.FromHex(proofHex)

	var txHash, txType string
	var err error
	if c.ReceiptID != "" {
		txType = "verifyMoveWithReceipt"
		txHash, err = a.verify.VerifyMoveWithReceipt(ctx, c.IPID, c.MoveHash, proof, c.ReceiptID)
	} else {
		txType = "verifyMove"
		txHash, err = a.verify.VerifyMove(ctx, c.IPID, c.MoveHash, proof)
	}
	if err != nil {
		return a.failError(ctx, err)
	}

	a.appendTx(ctx, txHash, txType)
	a.tasksCompleted++
	a.finishSuccess(ctx)
	return Result{Success: true, TxHash: txHash}
}

func (a *Agent) runDistribute(ctx context.Context) Result {
	if a.verify == nil {
		return a.failIdle(ctx, "KrumpVerify not configured")
	}
	txHash, err := a.verify.Distribute(ctx)
	if err != nil {
		return a.failError(ctx, err)
	}
	a.appendTx(ctx, txHash, "distribute")
	a.finishSuccess(ctx)
	return Result{Success: true, TxHash: txHash}
}

func (a *Agent) runPay(ctx context.Context, c Pay) Result {
	if a.evvm == nil {
		return a.failIdle(ctx, "EVVM/x402 not configured")
	}
	if c.To == "" || c.ReceiptID == "" {
		return a.failIdle(ctx, "Missing to or receiptId")
	}
	amount := amounts.ParseUSDC(c.Amount)
	if amount.Sign() <= 0 {
		return a.failIdle(ctx, "Amount must be positive (e.g. 0.0001)")
	}

	// pay 路径有意不做余额预检：x402 余额在 relayer/EVVM 侧结算。
	txHash, err := a.evvm.Pay(ctx, c.To, amount, c.ReceiptID)
	if err != nil {
		return a.failError(ctx, err)
	}
	a.appendTx(ctx, txHash, "pay")
	a.finishSuccess(ctx)
	return Result{Success: true, TxHash: txHash}
}

func (a *Agent) runTransferJab(ctx context.Context, c TransferJab) Result {
	if a.evvm == nil {
		return a.failIdle(ctx, "EVVM not configured")
	}
	if c.To == "" {
		return a.failIdle(ctx, "Missing to address")
	}
	amount := amounts.ParseJab(c.Amount)
	if amount.Sign() <= 0 {
		return a.failIdle(ctx, "Amount must be positive (e.g. 1 or 0.5)")
	}
	if a.principalBalance.Cmp(amount) < 0 {
		return a.failIdle(ctx, "Insufficient JAB balance")
	}

	txHash, err := a.evvm.TransferPrincipal(ctx, c.To, amount)
	if err != nil {
		return a.failError(ctx, err)
	}
	a.appendTx(ctx, txHash, "transferJab")
	a.finishSuccess(ctx)
	if err := a.refreshLocked(ctx); err != nil {
		a.log.Warn("转账后刷新余额失败", "error", err)
	}
	return Result{Success: true, TxHash: txHash}
}

func (a *Agent) runTransferIP(ctx context.Context, c TransferIP) Result {
	if a.wallet == nil {
		return a.failIdle(ctx, "Wallet not configured")
	}
	if c.To == "" {
		return a.failIdle(ctx, "Missing to address")
	}
	amount := amounts.ParseJab(c.Amount)
	if amount.Sign() <= 0 {
		return a.failIdle(ctx, "Amount must be positive (e.g. 0.01 or 0.5)")
	}
	if a.ipNativeBalance.Cmp(amount) < 0 {
		return a.failIdle(ctx, "Insufficient $IP (native) balance")
	}

	txHash, err := a.wallet.TransferNative(ctx, c.To, amount)
	if err != nil {
		return a.failError(ctx, err)
	}
	a.appendTx(ctx, txHash, "transferIp")
	a.finishSuccess(ctx)
	if err := a.refreshLocked(ctx); err != nil {
		a.log.Warn("转账后刷新余额失败", "error", err)
	}
	return Result{Success: true, TxHash: txHash}
}

func (a *Agent) runTransferUSDC(ctx context.Context, c TransferUSDC) Result {
	if a.wallet == nil || a.usdcToken == "" {
		return a.failIdle(ctx, "USDC.k not configured")
	}
	if c.To == "" {
		return a.failIdle(ctx, "Missing to address")
	}
	amount := amounts.ParseUSDC(c.Amount)
	if amount.Sign() <= 0 {
		return a.failIdle(ctx, "Amount must be positive (e.g. 0.0001 or 1)")
	}
	if a.balance.Cmp(amount) < 0 {
		return a.failIdle(ctx, "Insufficient USDC.k balance")
	}

	txHash, err := a.wallet.TransferToken(ctx, a.usdcToken, c.To, amount)
	if err != nil {
		return a.failError(ctx, err)
	}
	a.appendTx(ctx, txHash, "transferUsdc")
	a.finishSuccess(ctx)
	if err := a.refreshLocked(ctx); err != nil {
		a.log.Warn("转账后刷新余额失败", "error", err)
	}
	return Result{Success: true, TxHash: txHash}
}

// RefreshBalance 重新读取链上余额并持久化缓存。
func (a *Agent) RefreshBalance(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observer.RefreshStarted(a.id)
	err := a.refreshLocked(ctx)
	a.observer.RefreshFinished(a.id, err)
}

func (a *Agent) refreshLocked(ctx context.Context) error {
	addr := a.Address()
	if addr == "" {
		return nil
	}

	if a.wallet != nil {
		native, err := a.wallet.NativeBalance(ctx, addr)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeChainFailure, err, "查询原生余额失败")
		}
		a.ipNativeBalance = native

		if a.usdcToken != "" {
			balance, err := a.wallet.TokenBalance(ctx, a.usdcToken, addr)
			if err != nil {
				return apperrors.Wrap(apperrors.CodeChainFailure, err, "查询 USDC.k 余额失败")
			}
			a.balance = balance
		}
		if a.ipToken != "" {
			balance, err := a.wallet.TokenBalance(ctx, a.ipToken, addr)
			if err != nil {
				return apperrors.Wrap(apperrors.CodeChainFailure, err, "查询 IP 代币余额失败")
			}
			a.ipBalance = balance
		}
	}
	if a.evvm != nil {
		// principal 余额查询失败降级为 0，不阻塞其余余额刷新。
		principal, err := a.evvm.PrincipalBalance(ctx, addr)
		if err != nil {
			principal = new(big.Int)
		}
		a.principalBalance = principal
	}

	balance := a.balance.String()
	ipBalance := a.ipBalance.String()
	ipNative := a.ipNativeBalance.String()
	principal := a.principalBalance.String()
	state := string(a.state)
	if err := a.store.Update(ctx, a.id, record.Update{
		State:            &state,
		Balance:          &balance,
		IPBalance:        &ipBalance,
		IPNativeBalance:  &ipNative,
		PrincipalBalance: &principal,
	}); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageFailure, err, "持久化余额失败")
	}
	return nil
}

func (a *Agent) setState(ctx context.Context, state State) {
	a.state = state
	s := string(state)
	if err := a.store.Update(ctx, a.id, record.Update{State: &s}); err != nil {
		a.log.Warn("持久化状态失败", "error", err)
	}
}

// finishSuccess 回到 Idle 并把任务计数与余额缓存写入记录。
func (a *Agent) finishSuccess(ctx context.Context) {
	a.state = StateIdle
	state := string(StateIdle)
	balance := a.balance.String()
	if err := a.store.Update(ctx, a.id, record.Update{
		State:          &state,
		TasksCompleted: &a.tasksCompleted,
		Balance:        &balance,
	}); err != nil {
		a.log.Warn("持久化指令结果失败", "error", err)
	}
}

func (a *Agent) failIdle(ctx context.Context, message string) Result {
	a.setState(ctx, StateIdle)
	return Result{Success: false, Error: message}
}

func (a *Agent) failError(ctx context.Context, err error) Result {
	a.setState(ctx, StateError)
	return Result{Success: false, Error: err.Error()}
}

func (a *Agent) appendTx(ctx context.Context, txHash, txType string) {
	if txHash == "" {
		return
	}
	if err := a.store.AppendTransaction(ctx, a.id, txHash, txType); err != nil {
		a.log.Warn("记录交易留痕失败", "error", err)
	}
}

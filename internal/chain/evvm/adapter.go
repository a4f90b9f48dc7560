package evvm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"KrumpKraft/internal/chain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// PrincipalTokenAddress is the EVVM principal token (KRUMP / JAB) sentinel
// address on KrumpChain EVVM.
const PrincipalTokenAddress = "0x0000000000000000000000000000000000000001"

const defaultRelayerTimeout = 30 * time.Second

// coreABI covers the EVVM Core entry points the adapter uses.
const coreABI = `[
  {"name":"getNextCurrentSyncNonce","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getBalance","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"getEvvmID","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"pay","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"from","type":"address"},
    {"name":"to_address","type":"address"},
    {"name":"to_identity","type":"string"},
    {"name":"token","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"priorityFee","type":"uint256"},
    {"name":"senderExecutor","type":"address"},
    {"name":"nonce","type":"uint256"},
    {"name":"isAsyncExec","type":"bool"},
    {"name":"signature","type":"bytes"}
  ],"outputs":[]}
]`

// Config describes how to reach EVVM Core and the optional x402 relayer.
type Config struct {
	CoreAddress    string
	X402RelayerURL string
	// EvvmID for KrumpChain (e.g. 1140). When zero, fetched from Core.getEvvmID().
	EvvmID         *big.Int
	RelayerTimeout time.Duration
}

// Adapter 负责 EVVM Core 的 principal token 转账与 x402 支付。
// Relayer 模式下将支付请求 POST 给外部 relayer；principal 转账走
// Core.pay() 并携带 EIP-191 签名（与 EVVM v3 / krumpchainstory 一致）。
type Adapter struct {
	wallet     *chain.Wallet
	cfg        Config
	core       abi.ABI
	coreAddr   common.Address
	httpClient *http.Client
}

// NewAdapter wires a wallet to the configured EVVM Core contract.
func NewAdapter(wallet *chain.Wallet, cfg Config) (*Adapter, error) {
	if wallet == nil {
		return nil, errors.New("未提供钱包")
	}
	if strings.TrimSpace(cfg.CoreAddress) == "" {
		return nil, errors.New("未配置 EVVM Core 合约地址")
	}
	parsed, err := abi.JSON(strings.NewReader(coreABI))
	if err != nil {
		return nil, fmt.Errorf("解析 EVVM Core ABI 失败: %w", err)
	}
	timeout := cfg.RelayerTimeout
	if timeout <= 0 {
		timeout = defaultRelayerTimeout
	}
	return &Adapter{
		wallet:     wallet,
		cfg:        cfg,
		core:       parsed,
		coreAddr:   common.HexToAddress(cfg.CoreAddress),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Address returns the wallet address in hex form.
func (a *Adapter) Address() string {
	return a.wallet.Address().Hex()
}

// PrincipalBalance queries the EVVM Core internal balance for the principal
// token (JAB / KRUMP).
func (a *Adapter) PrincipalBalance(ctx context.Context, addr string) (*big.Int, error) {
	return a.callUint256(ctx, "getBalance", common.HexToAddress(addr), common.HexToAddress(PrincipalTokenAddress))
}

func (a *Adapter) callUint256(ctx context.Context, method string, args ...any) (*big.Int, error) {
	data, err := a.core.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 失败: %w", method, err)
	}
	raw, err := a.wallet.Call(ctx, a.coreAddr, data)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	outputs, err := a.core.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("解码 %s 失败: %w", method, err)
	}
	value, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s 返回类型异常", method)
	}
	return value, nil
}

// evvmID returns the configured EVVM identifier, querying Core.getEvvmID()
// when the config leaves it unset.
func (a *Adapter) evvmID(ctx context.Context) (*big.Int, error) {
	if a.cfg.EvvmID != nil && a.cfg.EvvmID.Sign() > 0 {
		return a.cfg.EvvmID, nil
	}
	return a.callUint256(ctx, "getEvvmID")
}

// TransferPrincipal moves JAB to another address via Core.pay(). Uses the
// sync nonce; the signer is also the executor, so the wallet pays gas once.
func (a *Adapter) TransferPrincipal(ctx context.Context, to string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", errors.New("转账金额必须为正")
	}

	from := a.wallet.Address()
	toAddr := common.HexToAddress(to)
	token := common.HexToAddress(PrincipalTokenAddress)
	priorityFee := new(big.Int)

	evvmID, err := a.evvmID(ctx)
	if err != nil {
		return "", err
	}
	nonce, err := a.callUint256(ctx, "getNextCurrentSyncNonce", from)
	if err != nil {
		return "", err
	}

	payloadHash, err := payPayloadHash(toAddr, token, amount, priorityFee)
	if err != nil {
		return "", err
	}

	// 签名消息: evvmId,core,payloadHash,executor,nonce,isAsyncExec（地址小写）。
	message := strings.Join([]string{
		evvmID.String(),
		strings.ToLower(a.coreAddr.Hex()),
		strings.ToLower(payloadHash.Hex()),
		strings.ToLower(from.Hex()),
		nonce.String(),
		"false",
	}, ",")

	signature, err := a.wallet.SignPersonal([]byte(message))
	if err != nil {
		return "", err
	}

	data, err := a.core.Pack("pay",
		from, toAddr, "", token, amount, priorityFee, from, nonce, false, signature)
	if err != nil {
		return "", fmt.Errorf("编码 pay 失败: %w", err)
	}

	hash, err := a.wallet.SendTx(ctx, a.coreAddr, nil, data)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// payPayloadHash computes keccak256(abi.encode("pay", to, "", token, amount,
// priorityFee)) — the Core pay hash the EVVM signature binds to.
func payPayloadHash(to, token common.Address, amount, priorityFee *big.Int) (common.Hash, error) {
	stringT, _ := abi.NewType("string", "", nil)
	addressT, _ := abi.NewType("address", "", nil)
	uint256T, _ := abi.NewType("uint256", "", nil)
	args := abi.Arguments{
		{Type: stringT},
		{Type: addressT},
		{Type: stringT},
		{Type: addressT},
		{Type: uint256T},
		{Type: uint256T},
	}
	encoded, err := args.Pack("pay", to, "", token, amount, priorityFee)
	if err != nil {
		return common.Hash{}, fmt.Errorf("编码 pay payload 失败: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// Pay routes an x402 payment: through the relayer when configured,
// otherwise the native adapter path (not wired in this build).
func (a *Adapter) Pay(ctx context.Context, to string, amount *big.Int, receiptID string) (string, error) {
	if strings.TrimSpace(a.cfg.X402RelayerURL) != "" {
		return a.payViaRelayer(ctx, amount, receiptID)
	}
	return "", errors.New("Native x402 not implemented: set X402_RELAYER_URL to use the Krump Verify relayer")
}

type relayerRequest struct {
	ReceiptID   string `json:"receiptId"`
	From        string `json:"from"`
	Amount      string `json:"amount"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
}

type relayerResponse struct {
	OK     bool   `json:"ok"`
	TxHash string `json:"txHash"`
	Error  string `json:"error"`
}

func (a *Adapter) payViaRelayer(ctx context.Context, amount *big.Int, receiptID string) (string, error) {
	url := strings.TrimRight(a.cfg.X402RelayerURL, "/") + "/x402/pay"

	now := time.Now().Unix()
	body, err := json.Marshal(relayerRequest{
		ReceiptID:   normalizeReceiptID(receiptID),
		From:        a.wallet.Address().Hex(),
		Amount:      amount.String(),
		ValidAfter:  now,
		ValidBefore: now + 3600,
	})
	if err != nil {
		return "", fmt.Errorf("序列化 relayer 请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("构建 relayer 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("请求 relayer 失败: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var decoded relayerResponse
	decodeErr := json.Unmarshal(raw, &decoded)

	if resp.StatusCode >= http.StatusBadRequest {
		// relayer 的错误信息原样透出，没有则退回状态文本。
		if decodeErr == nil && decoded.Error != "" {
			return "", errors.New(decoded.Error)
		}
		return "", errors.New(http.StatusText(resp.StatusCode))
	}
	if decodeErr != nil {
		return "", fmt.Errorf("解析 relayer 响应失败: %w", decodeErr)
	}
	if !decoded.OK {
		if decoded.Error != "" {
			return "", errors.New(decoded.Error)
		}
		return "", errors.New("relayer 拒绝了支付请求")
	}
	return decoded.TxHash, nil
}

// normalizeReceiptID passes 0x-prefixed identifiers through and hashes
// free-form ones into bytes32 hex, matching the relayer contract.
func normalizeReceiptID(receiptID string) string {
	if strings.HasPrefix(receiptID, "0x") {
		return receiptID
	}
	return crypto.Keccak256Hash([]byte(receiptID)).Hex()
}

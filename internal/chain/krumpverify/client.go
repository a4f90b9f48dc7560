package krumpverify

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"KrumpKraft/internal/chain"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// verifyABI covers the KrumpVerify contract surface the agents call.
const verifyABI = `[
  {"name":"verifyMove","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"ipId","type":"address"},
    {"name":"moveDataHash","type":"bytes32"},
    {"name":"proof","type":"bytes"}
  ],"outputs":[{"name":"","type":"bytes32"}]},
  {"name":"verifyMoveWithReceipt","type":"function","stateMutability":"nonpayable","inputs":[
    {"name":"ipId","type":"address"},
    {"name":"moveDataHash","type":"bytes32"},
    {"name":"proof","type":"bytes"},
    {"name":"paymentReceiptId","type":"bytes32"}
  ],"outputs":[{"name":"","type":"bytes32"}]},
  {"name":"paymentReceipts","type":"function","stateMutability":"view","inputs":[
    {"name":"","type":"bytes32"}
  ],"outputs":[
    {"name":"payer","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"used","type":"bool"}
  ]},
  {"name":"verificationFee","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"treasury","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

// treasuryABI covers the KrumpTreasury distribution entry point.
const treasuryABI = `[
  {"name":"distribute","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"name":"collectFee","type":"function","stateMutability":"nonpayable","inputs":[{"name":"amount","type":"uint256"}],"outputs":[]}
]`

// Config 描述 KrumpVerify 与 KrumpTreasury 合约位置。
// Treasury 地址可留空，distribute 时会从 KrumpVerify.treasury() 解析。
type Config struct {
	VerifyAddress   string
	TreasuryAddress string
}

// Client 封装 Story Aeneid 上 KrumpVerify / KrumpTreasury 的合约调用。
type Client struct {
	wallet       *chain.Wallet
	verify       abi.ABI
	treasury     abi.ABI
	verifyAddr   common.Address
	treasuryAddr common.Address
	hasTreasury  bool
}

// NewClient wires a wallet to the KrumpVerify contract.
func NewClient(wallet *chain.Wallet, cfg Config) (*Client, error) {
	if wallet == nil {
		return nil, errors.New("未提供钱包")
	}
	if strings.TrimSpace(cfg.VerifyAddress) == "" {
		return nil, errors.New("未配置 KrumpVerify 合约地址")
	}
	verify, err := abi.JSON(strings.NewReader(verifyABI))
	if err != nil {
		return nil, fmt.Errorf("解析 KrumpVerify ABI 失败: %w", err)
	}
	treasury, err := abi.JSON(strings.NewReader(treasuryABI))
	if err != nil {
		return nil, fmt.Errorf("解析 KrumpTreasury ABI 失败: %w", err)
	}
	c := &Client{
		wallet:     wallet,
		verify:     verify,
		treasury:   treasury,
		verifyAddr: common.HexToAddress(cfg.VerifyAddress),
	}
	if strings.TrimSpace(cfg.TreasuryAddress) != "" {
		c.treasuryAddr = common.HexToAddress(cfg.TreasuryAddress)
		c.hasTreasury = true
	}
	return c, nil
}

// VerificationFee returns the current on-chain verification fee in USDC.k
// base units.
func (c *Client) VerificationFee(ctx context.Context) (*big.Int, error) {
	raw, err := c.call(ctx, "verificationFee")
	if err != nil {
		return nil, err
	}
	outputs, err := c.verify.Unpack("verificationFee", raw)
	if err != nil {
		return nil, fmt.Errorf("解码 verificationFee 失败: %w", err)
	}
	fee, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("verificationFee 返回类型异常")
	}
	return fee, nil
}

// TreasuryAddress resolves the treasury contract address registered on
// KrumpVerify.
func (c *Client) TreasuryAddress(ctx context.Context) (string, error) {
	raw, err := c.call(ctx, "treasury")
	if err != nil {
		return "", err
	}
	outputs, err := c.verify.Unpack("treasury", raw)
	if err != nil {
		return "", fmt.Errorf("解码 treasury 失败: %w", err)
	}
	addr, ok := outputs[0].(common.Address)
	if !ok {
		return "", errors.New("treasury 返回类型异常")
	}
	return addr.Hex(), nil
}

// PaymentReceiptUsed reports whether the x402 payment receipt has already
// been consumed by a verification.
func (c *Client) PaymentReceiptUsed(ctx context.Context, receiptID string) (bool, error) {
	raw, err := c.call(ctx, "paymentReceipts", common.HexToHash(receiptID))
	if err != nil {
		return false, err
	}
	outputs, err := c.verify.Unpack("paymentReceipts", raw)
	if err != nil {
		return false, fmt.Errorf("解码 paymentReceipts 失败: %w", err)
	}
	used, ok := outputs[2].(bool)
	if !ok {
		return false, errors.New("paymentReceipts 返回类型异常")
	}
	return used, nil
}

// VerifyMove submits a move verification for the IP asset and waits for it
// to be mined. Returns the transaction hash.
func (c *Client) VerifyMove(ctx context.Context, ipID, moveDataHash string, proof []byte) (string, error) {
	data, err := c.verify.Pack("verifyMove",
		common.HexToAddress(ipID), common.HexToHash(moveDataHash), proof)
	if err != nil {
		return "", fmt.Errorf("编码 verifyMove 失败: %w", err)
	}
	hash, err := c.wallet.SendTx(ctx, c.verifyAddr, nil, data)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// VerifyMoveWithReceipt submits a verification backed by an x402 payment
// receipt, letting the contract waive the direct fee pull.
func (c *Client) VerifyMoveWithReceipt(ctx context.Context, ipID, moveDataHash string, proof []byte, receiptID string) (string, error) {
	data, err := c.verify.Pack("verifyMoveWithReceipt",
		common.HexToAddress(ipID), common.HexToHash(moveDataHash), proof, common.HexToHash(receiptID))
	if err != nil {
		return "", fmt.Errorf("编码 verifyMoveWithReceipt 失败: %w", err)
	}
	hash, err := c.wallet.SendTx(ctx, c.verifyAddr, nil, data)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// Distribute triggers the treasury payout, resolving the treasury address
// from KrumpVerify when the config leaves it unset.
func (c *Client) Distribute(ctx context.Context) (string, error) {
	if !c.hasTreasury {
		addr, err := c.TreasuryAddress(ctx)
		if err != nil {
			return "", err
		}
		c.treasuryAddr = common.HexToAddress(addr)
		c.hasTreasury = true
	}
	data, err := c.treasury.Pack("distribute")
	if err != nil {
		return "", fmt.Errorf("编码 distribute 失败: %w", err)
	}
	hash, err := c.wallet.SendTx(ctx, c.treasuryAddr, nil, data)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (c *Client) call(ctx context.Context, method string, args ...any) ([]byte, error) {
	data, err := c.verify.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("编码 %s 失败: %w", method, err)
	}
	raw, err := c.wallet.Call(ctx, c.verifyAddr, data)
	if err != nil {
		return nil, fmt.Errorf("调用 %s 失败: %w", method, err)
	}
	return raw, nil
}

package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// fallbackGasLimit is used when gas estimation fails; generous enough for
// the ERC20 and contract calls this daemon submits.
const fallbackGasLimit = 300_000

// Wallet bundles an RPC connection with a signing key. The chain-facing
// clients (ethereum, evvm, krumpverify) share it for transaction plumbing.
type Wallet struct {
	eth     *ethclient.Client
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewWallet dials the RPC endpoint and derives the wallet address from the
// hex-encoded private key.
func NewWallet(ctx context.Context, rpcURL, privateKeyHex string) (*Wallet, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, errors.New("未配置链 RPC 地址")
	}
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if keyHex == "" {
		return nil, errors.New("未配置钱包私钥")
	}

	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("解析钱包私钥失败: %w", err)
	}

	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}

	return &Wallet{
		eth:     eth,
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Close releases the underlying RPC connection.
func (w *Wallet) Close() {
	if w != nil && w.eth != nil {
		w.eth.Close()
	}
}

// Address returns the wallet's account address.
func (w *Wallet) Address() common.Address {
	return w.address
}

// Backend exposes the underlying client for read-only queries.
func (w *Wallet) Backend() *ethclient.Client {
	return w.eth
}

// ChainID returns the connected chain's identifier, querying it once and
// caching the result.
func (w *Wallet) ChainID(ctx context.Context) (*big.Int, error) {
	if w.chainID != nil {
		return w.chainID, nil
	}
	id, err := w.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	w.chainID = id
	return id, nil
}

// SignPersonal produces an EIP-191 personal_sign signature over message,
// with the recovery byte adjusted to 27/28 as contracts expect.
func (w *Wallet) SignPersonal(message []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(message), w.key)
	if err != nil {
		return nil, fmt.Errorf("签名失败: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// SendTx builds, signs, and submits a transaction, then waits for it to be
// mined. Returns the transaction hash.
func (w *Wallet) SendTx(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	nonce, err := w.eth.PendingNonceAt(ctx, w.address)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询账户 nonce 失败: %w", err)
	}
	gasPrice, err := w.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询 gas 价格失败: %w", err)
	}

	gasLimit, err := w.eth.EstimateGas(ctx, gethcore.CallMsg{
		From:  w.address,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		gasLimit = fallbackGasLimit
	}

	chainID, err := w.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	tx := coretypes.NewTx(&coretypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := w.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("广播交易失败: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, w.eth, signed)
	if err != nil {
		return common.Hash{}, fmt.Errorf("等待交易确认失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return receipt.TxHash, fmt.Errorf("交易回执状态失败: %s", receipt.TxHash)
	}
	return receipt.TxHash, nil
}

// Call performs a read-only contract call against the latest block.
func (w *Wallet) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return w.eth.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
}

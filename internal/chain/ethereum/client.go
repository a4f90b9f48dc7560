package ethereum

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

// erc20ABI covers the subset of the ERC20 surface the agents use
// (USDC.k and the IP token share it).
const erc20ABI = `[
  {"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"approve","type":"function","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// Client is the wallet-backed Story Aeneid client used for native $IP and
// ERC20 token transfers plus balance queries.
type Client struct {
	wallet *chain.Wallet
	erc20  abi.ABI
}

// NewClient wraps a wallet with the ERC20 codec.
func NewClient(wallet *chain.Wallet) (*Client, error) {
	if wallet == nil {
		return nil, errors.New("未提供钱包")
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC20 ABI 失败: %w", err)
	}
	return &Client{wallet: wallet, erc20: parsed}, nil
}

// Address returns the wallet address in hex form.
func (c *Client) Address() string {
	return c.wallet.Address().Hex()
}

// NativeBalance queries the native gas-token balance of addr.
func (c *Client) NativeBalance(ctx context.Context, addr string) (*big.Int, error) {
	balance, err := c.wallet.Backend().BalanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return nil, fmt.Errorf("查询原生余额失败: %w", err)
	}
	return balance, nil
}

// TokenBalance queries the ERC20 balance of addr on the given token contract.
func (c *Client) TokenBalance(ctx context.Context, token, addr string) (*big.Int, error) {
	data, err := c.erc20.Pack("balanceOf", common.HexToAddress(addr))
	if err != nil {
		return nil, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	raw, err := c.wallet.Call(ctx, common.HexToAddress(token), data)
	if err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	outputs, err := c.erc20.Unpack("balanceOf", raw)
	if err != nil {
		return nil, fmt.Errorf("解码 balanceOf 失败: %w", err)
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("balanceOf 返回类型异常")
	}
	return balance, nil
}

// TransferNative sends amount of the native gas token to the destination
// address and waits for the transaction to be mined.
func (c *Client) TransferNative(ctx context.Context, to string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", errors.New("转账金额必须为正")
	}
	hash, err := c.wallet.SendTx(ctx, common.HexToAddress(to), amount, nil)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// TransferToken submits an ERC20 transfer on the token contract and waits
// for it to be mined.
func (c *Client) TransferToken(ctx context.Context, token, to string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", errors.New("转账金额必须为正")
	}
	data, err := c.erc20.Pack("transfer", common.HexToAddress(to), amount)
	if err != nil {
		return "", fmt.Errorf("编码 transfer 失败: %w", err)
	}
	hash, err := c.wallet.SendTx(ctx, common.HexToAddress(token), nil, data)
	if err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

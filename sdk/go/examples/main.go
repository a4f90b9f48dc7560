package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"KrumpKraft/sdk/go/krumpkraft"
)

// 演示如何通过 SDK 查询 swarm 状态并给 treasury 下发一笔 x402 支付。
func main() {
	baseURL := os.Getenv("KRUMPKRAFT_URL")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000"
	}

	client, err := krumpkraft.NewClient(baseURL, nil)
	if err != nil {
		log.Fatalf("创建客户端失败: %v", err)
	}
	if token := os.Getenv("KRUMPKRAFT_API_TOKEN"); token != "" {
		client.SetAuthToken(token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := client.Health(ctx)
	if err != nil {
		log.Fatalf("健康检查失败: %v", err)
	}
	fmt.Printf("daemon 在线，共 %d 个 agent\n", count)

	agents, err := client.ListAgents(ctx)
	if err != nil {
		log.Fatalf("查询 agent 失败: %v", err)
	}
	for _, a := range agents {
		fmt.Printf("%s (%s) state=%s USDC.k=%s\n", a.ID, a.Role, a.State, a.Balance)
	}

	result, err := client.RunCommand(ctx, "treasury_001", "pay", map[string]any{
		"to":        "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		"amount":    "0.0001",
		"receiptId": "demo-receipt-1",
	})
	if err != nil {
		log.Fatalf("下发指令失败: %v", err)
	}
	if result.Success {
		fmt.Printf("支付完成: %s\n", result.TxHash)
	} else {
		fmt.Printf("支付失败: %s\n", result.Error)
	}
}

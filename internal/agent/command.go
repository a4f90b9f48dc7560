package agent

import (
	"fmt"
	"strconv"
)

// Command 是 agent 可执行指令的类型化联合。
// API 与决策循环在边界处通过 ParseCommand 构造，dispatch 不再接受裸 map。
type Command interface {
	// Name 返回指令的外部名称（与 REST command 字段一致）。
	Name() string
}

// TransferUSDC 在 Story Aeneid 上转移 USDC.k（6 位小数）。
type TransferUSDC struct {
	To     string
	Amount string
}

// TransferIP 转移原生 $IP gas 代币（18 位小数）。
type TransferIP struct {
	To     string
	Amount string
}

// TransferJab 通过 EVVM Core 转移 principal token JAB（18 位小数）。
type TransferJab struct {
	To     string
	Amount string
}

// Pay 通过 x402 relayer 完成带回执的支付。
type Pay struct {
	To        string
	Amount    string
	ReceiptID string
}

// SubmitVerification 向 KrumpVerify 提交舞步验证。
type SubmitVerification struct {
	IPID      string
	MoveHash  string
	Proof     string
	ReceiptID string
}

// Distribute 触发 KrumpTreasury 分账。
type Distribute struct{}

// Commission 与 Discover 由 swarm / API 层处理，agent 仅回执。
type Commission struct{}

// Discover 同 Commission，由上层处理。
type Discover struct{}

func (TransferUSDC) Name() string       { return "transferUsdc" }
func (TransferIP) Name() string         { return "transferIp" }
func (TransferJab) Name() string        { return "transferJab" }
func (Pay) Name() string                { return "pay" }
func (SubmitVerification) Name() string { return "submitVerification" }
func (Distribute) Name() string         { return "distribute" }
func (Commission) Name() string         { return "commission" }
func (Discover) Name() string           { return "discover" }

// ParseCommand 将外部指令名与参数表转换为类型化 Command。
// 仅校验指令名；缺参与金额校验留在 RunCommand 中以保持状态机语义。
func ParseCommand(name string, params map[string]any) (Command, error) {
	switch name {
	case "transferUsdc":
		return TransferUSDC{To: stringParam(params, "to"), Amount: amountParam(params, "amount")}, nil
	case "transferIp":
		return TransferIP{To: stringParam(params, "to"), Amount: amountParam(params, "amount")}, nil
	case "transferJab":
		return TransferJab{To: stringParam(params, "to"), Amount: amountParam(params, "amount")}, nil
	case "pay":
		return Pay{
			To:        stringParam(params, "to"),
			Amount:    amountParam(params, "amount"),
			ReceiptID: stringParam(params, "receiptId"),
		}, nil
	case "submitVerification":
		return SubmitVerification{
			IPID:      stringParam(params, "ipId"),
			MoveHash:  stringParam(params, "moveHash"),
			Proof:     stringParam(params, "proof"),
			ReceiptID: stringParam(params, "receiptId"),
		}, nil
	case "distribute":
		return Distribute{}, nil
	case "commission":
		return Commission{}, nil
	case "discover":
		return Discover{}, nil
	default:
		return nil, fmt.Errorf("Unknown command: %s", name)
	}
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	if value, ok := params[key].(string); ok {
		return value
	}
	return ""
}

// amountParam 接受字符串或 JSON 数字形式的金额。
func amountParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	switch value := params[key].(type) {
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case int:
		return strconv.Itoa(value)
	default:
		return ""
	}
}

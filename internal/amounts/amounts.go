package amounts

import (
	"math/big"
	"strings"
)

// USDC.k 在链上采用 6 位小数，1 USDC.k = 1e6 原始单位。
const USDCDecimals = 6

// JAB（EVVM principal token）与原生 $IP 均采用 18 位小数。
const JabDecimals = 18

// ParseAmount 将人类可读的十进制金额解析为指定精度的定点整数。
// 仅接受无符号十进制形式（digits[.digits]），分数、指数与十六进制
// 等 big.Rat 额外支持的写法一律视为无效。解析失败、空字符串或
// 负数返回 0，调用方将 0 视为"无可发送金额"。千分位逗号会被忽略，
// 缩放后四舍五入到最近的最小单位。
func ParseAmount(value string, decimals int) *big.Int {
	cleaned := strings.TrimSpace(strings.ReplaceAll(value, ",", ""))
	if !isDecimal(cleaned) {
		return new(big.Int)
	}

	rat, ok := new(big.Rat).SetString(cleaned)
	if !ok || rat.Sign() < 0 {
		return new(big.Int)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))

	// 四舍五入：num/den 取最近整数。
	num := new(big.Int).Set(scaled.Num())
	den := scaled.Denom()
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rem.Lsh(rem, 1).Cmp(den) >= 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}

// isDecimal 判断 s 是否为纯十进制数字串：至少一位数字，
// 至多一个小数点，不含符号。
func isDecimal(s string) bool {
	hasDigit := false
	hasDot := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			hasDigit = true
		case r == '.' && !hasDot:
			hasDot = true
		default:
			return false
		}
	}
	return hasDigit
}

// ParseUSDC 将十进制金额解析为 USDC.k 的 6 位小数定点整数，
// 支持 0.0001 USDC.k（= 100 原始单位）级别的微支付。
func ParseUSDC(value string) *big.Int {
	return ParseAmount(value, USDCDecimals)
}

// ParseJab 将十进制金额解析为 JAB / 原生 $IP 的 18 位小数定点整数。
func ParseJab(value string) *big.Int {
	return ParseAmount(value, JabDecimals)
}

// FormatAmount 将定点整数格式化为保留 places 位小数的十进制字符串，
// 用于聊天播报与 LLM 上下文。nil 视为 0。
func FormatAmount(raw *big.Int, decimals, places int) string {
	if raw == nil {
		raw = new(big.Int)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	rat := new(big.Rat).SetFrac(raw, scale)
	return rat.FloatString(places)
}

// FormatUSDC 以两位小数展示 USDC.k 金额。
func FormatUSDC(raw *big.Int) string {
	return FormatAmount(raw, USDCDecimals, 2)
}

// FormatJab 以两位小数展示 JAB 金额。
func FormatJab(raw *big.Int) string {
	return FormatAmount(raw, JabDecimals, 2)
}

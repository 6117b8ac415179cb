package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
)

// Transfer 表示一笔指向收款地址的代币转账。
type Transfer struct {
	TxHash string
	From   string
	Amount *big.Int
}

// Indexer 定义了支付台账查询的统一接口。支付通道不携带备注字段，
// 上层通过精确金额匹配识别付款。
type Indexer interface {
	// Transfers 返回代币合约 token 下、指向 to 地址的近期转账。
	Transfers(ctx context.Context, token, to string) ([]Transfer, error)
	Close()
}

// ScaleAmount 将保留六位小数的价格换算为代币最小单位的整数金额。
// 价格字符串形如 "5.004213"，decimals 为代币声明的精度。
func ScaleAmount(price string, decimals int) (*big.Int, error) {
	price = strings.TrimSpace(price)
	if price == "" {
		return nil, fmt.Errorf("价格不能为空")
	}
	negative := strings.HasPrefix(price, "-")
	if negative {
		return nil, fmt.Errorf("价格不能为负数: %s", price)
	}

	whole := price
	frac := ""
	if idx := strings.IndexByte(price, '.'); idx >= 0 {
		whole = price[:idx]
		frac = price[idx+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("价格 %s 的小数位超过代币精度 %d", price, decimals)
	}
	frac = frac + strings.Repeat("0", decimals-len(frac))

	combined := whole + frac
	amount, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("无法解析价格: %s", price)
	}
	return amount, nil
}

// MatchExact 在转账列表中查找金额与期望值完全相等的一笔。
// 任何最小单位的偏差都视为不匹配。
func MatchExact(transfers []Transfer, expected *big.Int) (Transfer, bool) {
	if expected == nil {
		return Transfer{}, false
	}
	for _, transfer := range transfers {
		if transfer.Amount != nil && transfer.Amount.Cmp(expected) == 0 {
			return transfer, true
		}
	}
	return Transfer{}, false
}

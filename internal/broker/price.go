package broker

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// 支付通道不携带备注字段，无法把付款和请求直接关联起来。
// 给基础报价叠加一个微小的随机尾数后，金额本身就成为匹配凭据。
const (
	priceOffsetMin = 0.000001
	priceOffsetMax = 0.009999
)

var (
	priceRandMu sync.Mutex
	priceRand   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// UniquifyPrice 返回 base 加上 [0.000001, 0.009999] 内随机尾数的价格，
// 固定保留六位小数。base 必须为正数。
func UniquifyPrice(base float64) (string, error) {
	if base <= 0 {
		return "", fmt.Errorf("基础报价必须为正数: %f", base)
	}

	priceRandMu.Lock()
	offset := priceOffsetMin + priceRand.Float64()*(priceOffsetMax-priceOffsetMin)
	priceRandMu.Unlock()

	return fmt.Sprintf("%.6f", base+offset), nil
}

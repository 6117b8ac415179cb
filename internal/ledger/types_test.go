package ledger

import (
	"math/big"
	"testing"
)

func TestScaleAmount(t *testing.T) {
	cases := []struct {
		price    string
		decimals int
		want     string
	}{
		{"5.004213", 6, "5004213"},
		{"0.000001", 6, "1"},
		{"1", 6, "1000000"},
		{"1.5", 6, "1500000"},
		{"0.1", 18, "100000000000000000"},
		{".5", 6, "500000"},
	}
	for _, tc := range cases {
		amount, err := ScaleAmount(tc.price, tc.decimals)
		if err != nil {
			t.Fatalf("ScaleAmount(%q, %d) 失败: %v", tc.price, tc.decimals, err)
		}
		if amount.String() != tc.want {
			t.Fatalf("ScaleAmount(%q, %d) = %s, 期望 %s", tc.price, tc.decimals, amount, tc.want)
		}
	}
}

func TestScaleAmountRejectsBadInput(t *testing.T) {
	for _, tc := range []struct {
		price    string
		decimals int
	}{
		{"", 6},
		{"-1.000001", 6},
		{"1.0000001", 6},
		{"abc", 6},
	} {
		if _, err := ScaleAmount(tc.price, tc.decimals); err == nil {
			t.Fatalf("ScaleAmount(%q, %d) 应当报错", tc.price, tc.decimals)
		}
	}
}

func TestMatchExact(t *testing.T) {
	transfers := []Transfer{
		{TxHash: "0x1", Amount: big.NewInt(5004212)},
		{TxHash: "0x2", Amount: big.NewInt(5004213)},
		{TxHash: "0x3", Amount: big.NewInt(5004214)},
	}

	matched, ok := MatchExact(transfers, big.NewInt(5004213))
	if !ok || matched.TxHash != "0x2" {
		t.Fatalf("应命中金额完全一致的转账: %+v ok=%v", matched, ok)
	}

	// 差一个最小单位也不算命中。
	if _, ok := MatchExact(transfers, big.NewInt(5004215)); ok {
		t.Fatal("不存在的金额不应命中")
	}
	if _, ok := MatchExact(nil, big.NewInt(1)); ok {
		t.Fatal("空列表不应命中")
	}
	if _, ok := MatchExact(transfers, nil); ok {
		t.Fatal("期望值为空不应命中")
	}
}

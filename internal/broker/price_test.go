package broker

import (
	"strconv"
	"strings"
	"testing"
)

func TestUniquifyPriceRange(t *testing.T) {
	base := 1.5
	for i := 0; i < 1000; i++ {
		price, err := UniquifyPrice(base)
		if err != nil {
			t.Fatalf("生成唯一报价失败: %v", err)
		}
		value, err := strconv.ParseFloat(price, 64)
		if err != nil {
			t.Fatalf("报价不是合法数字: %q", price)
		}
		if value < base+priceOffsetMin-1e-9 || value > base+priceOffsetMax+1e-9 {
			t.Fatalf("报价超出范围: %q", price)
		}
	}
}

func TestUniquifyPriceSixDecimals(t *testing.T) {
	price, err := UniquifyPrice(0.05)
	if err != nil {
		t.Fatalf("生成唯一报价失败: %v", err)
	}
	parts := strings.Split(price, ".")
	if len(parts) != 2 || len(parts[1]) != 6 {
		t.Fatalf("报价应固定六位小数: %q", price)
	}
}

func TestUniquifyPriceRejectsNonPositiveBase(t *testing.T) {
	if _, err := UniquifyPrice(0); err == nil {
		t.Fatal("基础报价为零时应当报错")
	}
	if _, err := UniquifyPrice(-1); err == nil {
		t.Fatal("基础报价为负时应当报错")
	}
}

func TestUniquifyPriceCollisionRate(t *testing.T) {
	seen := make(map[string]struct{})
	collisions := 0
	const rounds = 10000
	for i := 0; i < rounds; i++ {
		price, err := UniquifyPrice(2.0)
		if err != nil {
			t.Fatalf("生成唯一报价失败: %v", err)
		}
		if _, ok := seen[price]; ok {
			collisions++
		}
		seen[price] = struct{}{}
	}
	// 尾数空间约一万个取值，生日碰撞不可避免，但应远低于全部重复。
	if collisions > rounds/2 {
		t.Fatalf("报价碰撞过多: %d/%d", collisions, rounds)
	}
}

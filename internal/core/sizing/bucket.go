package sizing

import (
	"fmt"
)

// SizeBucket は見積もり規模のTシャツサイズ
type SizeBucket string

const (
	SizeXS  SizeBucket = "XS"
	SizeS   SizeBucket = "S"
	SizeM   SizeBucket = "M"
	SizeL   SizeBucket = "L"
	SizeXL  SizeBucket = "XL"
	SizeXXL SizeBucket = "XXL"
)

// buckets は小さい順に並んだサイズ一覧
var buckets = []SizeBucket{SizeXS, SizeS, SizeM, SizeL, SizeXL, SizeXXL}

// Buckets はサイズ一覧を小さい順に返す
func Buckets() []SizeBucket {
	out := make([]SizeBucket, len(buckets))
	copy(out, buckets)
	return out
}

// Thresholds は XS〜XL の上限（週）。上限は含まない。
// 上限と等しい値は1つ大きいサイズに属し、最後の上限以上は XXL になる。
type Thresholds [5]float64

// DefaultThresholds はデフォルトの区切り（XS<1, S<6, M<12, L<40, XL<60, 60以上はXXL）
var DefaultThresholds = Thresholds{1, 6, 12, 40, 60}

// NewThresholds は単調増加であることを検証して Thresholds を作成する
func NewThresholds(upperBounds ...float64) (Thresholds, error) {
	var t Thresholds
	if len(upperBounds) != len(t) {
		return t, fmt.Errorf("thresholds: expected %d upper bounds, got %d", len(t), len(upperBounds))
	}
	for i, v := range upperBounds {
		if v <= 0 {
			return t, fmt.Errorf("thresholds: bound %d must be positive, got %v", i, v)
		}
		if i > 0 && v <= upperBounds[i-1] {
			return t, fmt.Errorf("thresholds: bounds must be strictly ascending (%v after %v)", v, upperBounds[i-1])
		}
		t[i] = v
	}
	return t, nil
}

// Bucket は週数をサイズに変換する
func (t Thresholds) Bucket(weeks float64) SizeBucket {
	for i, upper := range t {
		if weeks < upper {
			return buckets[i]
		}
	}
	return SizeXXL
}

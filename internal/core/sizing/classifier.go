package sizing

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/mo"
)

// unitToken は数値の直後に現れる期間単位
const unitToken = `((?:man|person)?[\s-]?(?:days?|weeks?|wks?|months?|quarters?|years?|yrs?|sprints?))\b`

const number = `(\d+(?:\.\d+)?)`

// defaultPatterns は優先度順の抽出パターン。
// 各パターンは1つ目のグループに数値、2つ目のグループに単位を持つ。
var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)sum\s+of\s+(?:the\s+)?expected\s+durations?.*?` + number + `\s*` + unitToken),
	regexp.MustCompile(`(?i)(?:total|overall|sum).*?` + number + `\s*` + unitToken),
	regexp.MustCompile(`(?i)(?:\bexpected\b|\bE\b).*?` + number + `\s*` + unitToken),
	regexp.MustCompile(`(?i)` + number + `\s*` + unitToken + `\s*(?:total|overall)`),
}

// unitMultipliers は単位ごとの週換算係数
var unitMultipliers = map[string]float64{
	"day":     0.2,
	"week":    1.0,
	"month":   4.33,
	"quarter": 13.0,
	"year":    52.0,
	"yr":      52.0,
}

// Classifier はレポート本文から合計期間を抽出し、サイズに分類する
type Classifier struct {
	patterns   []*regexp.Regexp
	thresholds Thresholds
}

// Option は Classifier のオプション
type Option func(*Classifier)

// WithThresholds はサイズ区切りを差し替える
func WithThresholds(t Thresholds) Option {
	return func(c *Classifier) {
		c.thresholds = t
	}
}

// NewClassifier は新しい Classifier を作成する
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{
		patterns:   defaultPatterns,
		thresholds: DefaultThresholds,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify は本文から合計期間（週）を抽出する。
// パターンは優先度順に試し、最初にマッチしたパターンの最後のマッチを採用する。
// 見つからない場合は None を返す（エラーではない）。
func (c *Classifier) Classify(text string) mo.Option[float64] {
	for _, pattern := range c.patterns {
		matches := pattern.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			continue
		}

		last := matches[len(matches)-1]
		value, err := strconv.ParseFloat(last[1], 64)
		if err != nil {
			continue
		}
		return mo.Some(value * UnitMultiplier(last[2]))
	}
	return mo.None[float64]()
}

// Bucket は週数をサイズに変換する
func (c *Classifier) Bucket(weeks float64) SizeBucket {
	return c.thresholds.Bucket(weeks)
}

// UnitMultiplier は単位表記を週換算係数に変換する。
// 未知の単位は週とみなして 1.0 を返す。
func UnitMultiplier(unit string) float64 {
	u := strings.ToLower(strings.TrimSpace(unit))
	for _, qualifier := range []string{"man", "person"} {
		if strings.HasPrefix(u, qualifier) {
			u = strings.TrimPrefix(u, qualifier)
			break
		}
	}
	u = strings.TrimLeft(u, " \t-")
	u = strings.TrimSuffix(u, "s")

	if m, ok := unitMultipliers[u]; ok {
		return m
	}
	return 1.0
}

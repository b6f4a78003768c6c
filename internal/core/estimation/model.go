package estimation

import (
	"github.com/samber/mo"

	"github.com/jinford/dev-estimate/internal/core/sizing"
)

// Status は見積もり項目の処理状態
type Status string

const (
	StatusPending            Status = "pending"
	StatusFetching           Status = "fetching"
	StatusGeneratingAnalysis Status = "generating_analysis"
	StatusGeneratingEstimate Status = "generating_estimate"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// statusOrder は前進方向の状態遷移順
var statusOrder = map[Status]int{
	StatusPending:            0,
	StatusFetching:           1,
	StatusGeneratingAnalysis: 2,
	StatusGeneratingEstimate: 3,
	StatusCompleted:          4,
}

// IsTerminal は終端状態かどうかを返す
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo は s から next への遷移が許されるかを返す。
// 前進は1段ずつのみ、Failed は非終端状態からいつでも遷移できる。
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, ok := statusOrder[s]
	if !ok {
		return false
	}
	to, ok := statusOrder[next]
	if !ok {
		return false
	}
	return to == from+1
}

// Progress ラベル
const (
	progressPending            = "Waiting to start"
	progressFetching           = "Fetching content from Confluence/Jira"
	progressGeneratingAnalysis = "Generating analysis notes"
	progressGeneratingEstimate = "Generating PERT estimate"
	progressCompleted          = "Completed"
	progressFailed             = "Failed"
)

// EstimationRequest は1件の見積もり依頼
type EstimationRequest struct {
	URL      string            // Confluence / Jira のURL
	Name     string            // 表示名（バッチ内で一意であることを想定）
	Ballpark mo.Option[string] // 目安となる期間（例: "30 manweeks"）
}

// EstimationResult は1件の見積もり結果スロット
type EstimationResult struct {
	Index             int                `json:"index"`
	Name              string             `json:"name"`
	Status            Status             `json:"status"`
	Progress          string             `json:"progress"`
	SizeBucket        *sizing.SizeBucket `json:"sizeBucket"`
	DurationWeeks     *float64           `json:"durationWeeks"`
	Error             *string            `json:"error"`
	AnalysisAvailable bool               `json:"analysisAvailable"`
	EstimateAvailable bool               `json:"estimateAvailable"`
}

// clone はポインタフィールドを含めて複製する
func (r EstimationResult) clone() EstimationResult {
	out := r
	if r.SizeBucket != nil {
		b := *r.SizeBucket
		out.SizeBucket = &b
	}
	if r.DurationWeeks != nil {
		w := *r.DurationWeeks
		out.DurationWeeks = &w
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}

// Snapshot はセッション全体の結果テーブルの写し
type Snapshot struct {
	SessionID string             `json:"sessionId"`
	Results   []EstimationResult `json:"results"`
}

// Counts は状態ごとの件数を返す
func (s Snapshot) Counts() map[Status]int {
	counts := make(map[Status]int, len(statusOrder)+1)
	for _, r := range s.Results {
		counts[r.Status]++
	}
	return counts
}

// Done はすべての項目が終端状態かどうかを返す
func (s Snapshot) Done() bool {
	for _, r := range s.Results {
		if !r.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// ArtifactKind は生成物の種類
type ArtifactKind string

const (
	ArtifactSource   ArtifactKind = "source"
	ArtifactAnalysis ArtifactKind = "analysis"
	ArtifactEstimate ArtifactKind = "estimate"
)

// ParseArtifactKind は文字列を ArtifactKind に変換する
func ParseArtifactKind(s string) (ArtifactKind, bool) {
	switch k := ArtifactKind(s); k {
	case ArtifactSource, ArtifactAnalysis, ArtifactEstimate:
		return k, true
	}
	return "", false
}

// ArtifactKey は生成物の保存キー
type ArtifactKey struct {
	SessionID string
	ItemName  string
	Kind      ArtifactKind
}

// Document は取得したソースコンテンツ
type Document struct {
	Title   string
	Content string // Markdown
}

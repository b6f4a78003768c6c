package atlassian

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

var (
	jiraKeyPattern = regexp.MustCompile(`(?i)/browse/([A-Z][A-Z0-9]+-\d+)`)

	pageIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[?&]pageId=(\d+)`),
		regexp.MustCompile(`/pages/(\d+)(?:/|$|\?|#)`),
	}
)

// ErrInvalidBaseURL は ATLASSIAN_URL が完全なURLでない場合のエラー
var ErrInvalidBaseURL = errors.New("atlassian base url must be a full URL")

// normalizeRootBase は末尾の "/wiki" を取り除いたサイトのルートURLを返す
func normalizeRootBase(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", ErrInvalidBaseURL
	}
	path := strings.TrimRight(u.Path, "/")
	path = strings.TrimSuffix(path, "/wiki")
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimRight(u.String(), "/"), nil
}

// wikiBase はルートURLに "/wiki" を付けたConfluenceのベースURLを返す
func wikiBase(rootBase string) string {
	return strings.TrimRight(rootBase, "/") + "/wiki"
}

// JiraKey はJira課題URLから課題キーを抽出する
func JiraKey(source string) (string, bool) {
	m := jiraKeyPattern.FindStringSubmatch(source)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

// PageID はConfluenceページURLからページIDを抽出する
func PageID(source string) (string, bool) {
	for _, p := range pageIDPatterns {
		if m := p.FindStringSubmatch(source); m != nil {
			return m[1], true
		}
	}
	return "", false
}

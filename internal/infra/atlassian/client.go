package atlassian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"github.com/jinford/dev-estimate/internal/core/estimation"
)

// DefaultTimeout は1リクエストあたりのデフォルトタイムアウト
const DefaultTimeout = 30 * time.Second

// maxErrorBody はエラー時にメッセージへ含めるレスポンス本文の最大バイト数
const maxErrorBody = 512

// ErrUnsupportedURL はJira課題にもConfluenceページにも該当しないURLのエラー
var ErrUnsupportedURL = errors.New("url is neither a Jira issue nor a Confluence page")

// Client は Confluence ページと Jira 課題を Markdown として取得する
type Client struct {
	rootBase   string
	wikiBase   string
	email      string
	apiToken   string
	httpClient *http.Client
	converter  *md.Converter
	logger     *slog.Logger
}

// ClientOption は Client のオプション
type ClientOption func(*Client)

// WithHTTPClient はHTTPクライアントを差し替える
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout は1リクエストあたりのタイムアウトを設定する
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient = &http.Client{Timeout: d}
	}
}

// WithLogger はロガーを差し替える
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient は新しい Client を作成する。baseURL は "/wiki" の有無を問わない。
func NewClient(baseURL, email, apiToken string, opts ...ClientOption) (*Client, error) {
	root, err := normalizeRootBase(baseURL)
	if err != nil {
		return nil, err
	}

	converter := md.NewConverter("", true, nil)
	converter.Remove("script", "style")

	c := &Client{
		rootBase:   root,
		wikiBase:   wikiBase(root),
		email:      email,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		converter:  converter,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch はURLの種類に応じてJira課題またはConfluenceページを取得する。
// 失敗時は *estimation.FetchError を返す。
func (c *Client) Fetch(ctx context.Context, source string) (estimation.Document, error) {
	doc, err := c.fetch(ctx, source)
	if err != nil {
		return estimation.Document{}, &estimation.FetchError{Source: source, Cause: err}
	}
	return doc, nil
}

// Title はURLが指すページまたは課題のタイトルを返す
func (c *Client) Title(ctx context.Context, source string) (string, error) {
	doc, err := c.Fetch(ctx, source)
	if err != nil {
		return "", err
	}
	return doc.Title, nil
}

func (c *Client) fetch(ctx context.Context, source string) (estimation.Document, error) {
	if key, ok := JiraKey(source); ok {
		return c.fetchJiraIssue(ctx, source, key)
	}
	if id, ok := PageID(source); ok {
		return c.fetchConfluencePage(ctx, id)
	}
	return estimation.Document{}, ErrUnsupportedURL
}

type jiraIssue struct {
	Fields struct {
		Summary   string `json:"summary"`
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
		Project struct {
			Key string `json:"key"`
		} `json:"project"`
		Labels []string `json:"labels"`
	} `json:"fields"`
	RenderedFields struct {
		Description string `json:"description"`
	} `json:"renderedFields"`
}

func (c *Client) fetchJiraIssue(ctx context.Context, source, key string) (estimation.Document, error) {
	endpoint := fmt.Sprintf("%s/rest/api/3/issue/%s?expand=renderedFields,fields", c.rootBase, key)

	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return estimation.Document{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return estimation.Document{}, statusError("jira", resp)
	}

	var issue jiraIssue
	if err := json.NewDecoder(resp.Body).Decode(&issue); err != nil {
		return estimation.Document{}, fmt.Errorf("failed to decode jira issue: %w", err)
	}

	f := issue.Fields
	summary := firstNonEmpty(f.Summary, key)
	labels := "(none)"
	if len(f.Labels) > 0 {
		labels = strings.Join(f.Labels, ", ")
	}
	description := c.toMarkdown(issue.RenderedFields.Description)
	if description == "" {
		description = "_No description_"
	}

	var b strings.Builder
	b.WriteString("# Jira Issue\n\n")
	fmt.Fprintf(&b, "- Link: %s\n", source)
	fmt.Fprintf(&b, "- Key: %s\n", key)
	fmt.Fprintf(&b, "- Project: %s\n", f.Project.Key)
	fmt.Fprintf(&b, "- Type: %s\n", firstNonEmpty(f.IssueType.Name, "Issue"))
	fmt.Fprintf(&b, "- Status: %s\n", firstNonEmpty(f.Status.Name, "Unknown"))
	fmt.Fprintf(&b, "- Labels: %s\n\n", labels)
	fmt.Fprintf(&b, "## Summary\n\n%s\n\n", summary)
	fmt.Fprintf(&b, "## Description\n\n%s\n", description)

	return estimation.Document{Title: summary, Content: b.String()}, nil
}

type confluencePage struct {
	Title string `json:"title"`
	Body  struct {
		Storage struct {
			Value string `json:"value"`
		} `json:"storage"`
	} `json:"body"`
}

func (c *Client) fetchConfluencePage(ctx context.Context, pageID string) (estimation.Document, error) {
	v2 := fmt.Sprintf("%s/api/v2/pages/%s?body-format=storage", c.wikiBase, pageID)
	page, err := c.getPage(ctx, v2)
	if err == nil {
		return c.pageDocument(page), nil
	}
	if ctx.Err() != nil {
		return estimation.Document{}, err
	}
	c.logger.Debug("Confluence v2 APIでの取得に失敗したためv1 APIを使用します", "page_id", pageID, "error", err)

	v1 := fmt.Sprintf("%s/rest/api/content/%s?expand=body.storage,version", c.wikiBase, pageID)
	page, err = c.getPage(ctx, v1)
	if err != nil {
		return estimation.Document{}, err
	}
	return c.pageDocument(page), nil
}

func (c *Client) getPage(ctx context.Context, endpoint string) (confluencePage, error) {
	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return confluencePage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return confluencePage{}, statusError("confluence", resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		return confluencePage{}, fmt.Errorf("confluence returned unexpected content type %q", ct)
	}

	var page confluencePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return confluencePage{}, fmt.Errorf("failed to decode confluence page: %w", err)
	}
	return page, nil
}

func (c *Client) pageDocument(page confluencePage) estimation.Document {
	return estimation.Document{
		Title:   firstNonEmpty(page.Title, "Untitled"),
		Content: c.toMarkdown(page.Body.Storage.Value),
	}
}

func (c *Client) get(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.email, c.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) toMarkdown(html string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	markdown, err := c.converter.ConvertString(html)
	if err != nil {
		c.logger.Warn("HTMLからMarkdownへの変換に失敗したため元のHTMLを使用します", "error", err)
		return html
	}
	return markdown
}

func statusError(system string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("%s fetch failed (status %d)", system, resp.StatusCode)
	}
	return fmt.Errorf("%s fetch failed (status %d): %s", system, resp.StatusCode, msg)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// インターフェース実装の確認
var _ estimation.ContentFetcher = (*Client)(nil)

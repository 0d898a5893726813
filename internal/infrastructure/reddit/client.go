// Package reddit 读取 Reddit 公开 JSON 接口（版规、子版块信息、常用 flair）
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"creditsystem/internal/config"
)

var (
	ErrInvalidSubreddit  = errors.New("子版块名称不合法")
	ErrSubredditNotFound = errors.New("子版块不存在或不可访问")
)

var subredditNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{2,21}$`)

// NormalizeSubreddit 去掉 r/ 前缀并校验名称
func NormalizeSubreddit(name string) (string, error) {
	name = strings.TrimSpace(name)
	name = strings.TrimPrefix(name, "/")
	name = strings.TrimPrefix(strings.TrimPrefix(name, "r/"), "R/")
	if !subredditNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubreddit, name)
	}
	return name, nil
}

type Rule struct {
	Kind            string `json:"kind"`
	ShortName       string `json:"short_name"`
	Description     string `json:"description"`
	ViolationReason string `json:"violation_reason"`
}

type About struct {
	Name              string `json:"display_name"`
	Title             string `json:"title"`
	PublicDescription string `json:"public_description"`
	Subscribers       int64  `json:"subscribers"`
	Over18            bool   `json:"over18"`
	SubmissionType    string `json:"submission_type"`
}

// FlairCount 热门帖子中某个 flair 出现的次数
type FlairCount struct {
	Text  string `json:"text"`
	Count int    `json:"count"`
}

type HTTPError struct {
	Status int
	Body   string
}

func (e HTTPError) Error() string { return fmt.Sprintf("reddit http %d: %s", e.Status, e.Body) }

type Client struct {
	baseURL   string
	userAgent string
	httpc     *http.Client
	retries   int
}

func NewClient(cfg *config.RedditConfig) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		httpc:     &http.Client{Timeout: cfg.Timeout},
		retries:   3,
	}
}

// Rules 获取子版块版规
func (c *Client) Rules(ctx context.Context, subreddit string) ([]Rule, error) {
	name, err := NormalizeSubreddit(subreddit)
	if err != nil {
		return nil, err
	}
	var out struct {
		Rules []Rule `json:"rules"`
	}
	if err := c.getJSON(ctx, "/r/"+name+"/about/rules.json", nil, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

func (c *Client) About(ctx context.Context, subreddit string) (*About, error) {
	name, err := NormalizeSubreddit(subreddit)
	if err != nil {
		return nil, err
	}
	var out struct {
		Kind string `json:"kind"`
		Data About  `json:"data"`
	}
	if err := c.getJSON(ctx, "/r/"+name+"/about.json", nil, &out); err != nil {
		return nil, err
	}
	// 不存在的子版块会返回搜索结果列表而不是 t5
	if out.Kind != "t5" {
		return nil, fmt.Errorf("%w: %s", ErrSubredditNotFound, name)
	}
	return &out.Data, nil
}

// PopularFlairs 统计热门帖子的 flair，按出现次数降序
func (c *Client) PopularFlairs(ctx context.Context, subreddit string, limit int) ([]FlairCount, error) {
	name, err := NormalizeSubreddit(subreddit)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var out struct {
		Data struct {
			Children []struct {
				Data struct {
					LinkFlairText string `json:"link_flair_text"`
				} `json:"data"`
			} `json:"children"`
		} `json:"data"`
	}
	q := url.Values{"limit": {fmt.Sprint(limit)}}
	if err := c.getJSON(ctx, "/r/"+name+"/hot.json", q, &out); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, child := range out.Data.Children {
		text := strings.TrimSpace(child.Data.LinkFlairText)
		if text != "" {
			counts[text]++
		}
	}
	flairs := make([]FlairCount, 0, len(counts))
	for text, n := range counts {
		flairs = append(flairs, FlairCount{Text: text, Count: n})
	}
	sort.Slice(flairs, func(i, j int) bool {
		if flairs[i].Count != flairs[j].Count {
			return flairs[i].Count > flairs[j].Count
		}
		return flairs[i].Text < flairs[j].Text
	})
	return flairs, nil
}

// getJSON 429 和 5xx 做有限次退避重试
func (c *Client) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var last error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(250*attempt) * time.Millisecond):
			}
		}

		retry, err := c.do(ctx, u, v)
		if err == nil {
			return nil
		}
		last = err
		if !retry {
			break
		}
	}
	return last
}

func (c *Client) do(ctx context.Context, u string, v any) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	// Reddit 要求带可识别的 UA，否则容易被限流
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	res, err := c.httpc.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("请求 reddit 失败: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusOK:
		if err := json.NewDecoder(res.Body).Decode(v); err != nil {
			return false, fmt.Errorf("解析 reddit 响应失败: %w", err)
		}
		return false, nil
	case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusForbidden:
		return false, ErrSubredditNotFound
	}

	body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	herr := HTTPError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	return res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500, herr
}

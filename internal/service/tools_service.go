package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"creditsystem/internal/config"
	"creditsystem/internal/infrastructure/ai"
	"creditsystem/internal/infrastructure/metrics"
	"creditsystem/internal/infrastructure/reddit"
	"creditsystem/internal/logging"
)

const (
	ToolRuleCheck        = "rule_check"
	ToolSubredditSuggest = "subreddit_suggest"
	ToolAnomalyDetect    = "anomaly_detect"
	ToolFlairSuggest     = "flair_suggest"
)

const maxSubredditSuggestions = 5

// RedditReader 工具服务需要的 Reddit 只读接口
type RedditReader interface {
	Rules(ctx context.Context, subreddit string) ([]reddit.Rule, error)
	About(ctx context.Context, subreddit string) (*reddit.About, error)
	PopularFlairs(ctx context.Context, subreddit string, limit int) ([]reddit.FlairCount, error)
}

type ToolRequest struct {
	UsageNo   string `json:"usage_no" binding:"omitempty,max=64"`
	Title     string `json:"title" binding:"required,max=300"`
	Body      string `json:"body" binding:"max=40000"`
	Subreddit string `json:"subreddit" binding:"omitempty,max=24"`
}

type ToolResponse struct {
	Tool          string `json:"tool"`
	Degraded      bool   `json:"degraded"`
	Result        any    `json:"result"`
	CreditsSpent  int64  `json:"credits_spent"`
	Balance       int64  `json:"balance"`
	TransactionNo string `json:"transaction_no"`
}

type RuleViolation struct {
	Rule   string `json:"rule"`
	Reason string `json:"reason"`
}

type RuleCheckResult struct {
	Subreddit    string          `json:"subreddit"`
	Verdict      string          `json:"verdict"`
	Findings     []Finding       `json:"findings"`
	Violations   []RuleViolation `json:"violations"`
	Suggestions  []string        `json:"suggestions"`
	RulesChecked int             `json:"rules_checked"`
}

type SubredditSuggestion struct {
	Name        string `json:"name"`
	Reason      string `json:"reason,omitempty"`
	Subscribers int64  `json:"subscribers,omitempty"`
	Over18      bool   `json:"over18,omitempty"`
}

type SubredditSuggestResult struct {
	Suggestions []SubredditSuggestion `json:"suggestions"`
}

type AnomalyResult struct {
	RiskScore int       `json:"risk_score"`
	Risk      string    `json:"risk"`
	Findings  []Finding `json:"findings"`
	Signals   []string  `json:"signals"`
}

type FlairResult struct {
	Subreddit  string   `json:"subreddit"`
	Flair      string   `json:"flair"`
	Reason     string   `json:"reason,omitempty"`
	Candidates []string `json:"candidates"`
}

// ToolsService AI 工具：先扣积分，再调用上游；上游失败时返回确定性的降级结果
type ToolsService struct {
	ledger          *LedgerService
	completer       ai.Completer
	reddit          RedditReader
	costs           map[string]int64
	refundOnFailure bool
	logger          logging.Logger
	metrics         *metrics.LedgerMetrics
}

func NewToolsService(ledger *LedgerService, completer ai.Completer, rd RedditReader, cfg *config.Config, logger logging.Logger, m *metrics.LedgerMetrics) *ToolsService {
	if completer == nil {
		completer = ai.DisabledCompleter{}
	}
	return &ToolsService{
		ledger:          ledger,
		completer:       completer,
		reddit:          rd,
		costs:           cfg.Tools.Costs,
		refundOnFailure: cfg.Tools.RefundOnUpstreamFailure,
		logger:          logger.With("component", "ToolsService"),
		metrics:         m,
	}
}

// Run 执行一次 AI 工具调用
func (s *ToolsService) Run(ctx context.Context, accountID, tool string, req ToolRequest) (*ToolResponse, error) {
	cost, ok := s.costs[tool]
	if !ok {
		return nil, fmt.Errorf("%w: 未知工具 %s", ErrValidation, tool)
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: title 不能为空", ErrValidation)
	}
	if tool == ToolRuleCheck || tool == ToolFlairSuggest {
		name, err := reddit.NormalizeSubreddit(req.Subreddit)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		req.Subreddit = name
	}

	// 扣费成功后才允许调用外部服务；返回时账户锁已释放
	spend, err := s.ledger.SpendAIToolCredits(ctx, SpendRequest{
		AccountID: accountID,
		UsageNo:   req.UsageNo,
		Tool:      tool,
		Cost:      cost,
	})
	if err != nil {
		return nil, err
	}

	var (
		result      any
		upstreamErr error
	)
	switch tool {
	case ToolRuleCheck:
		result, upstreamErr = s.ruleCheck(ctx, req)
	case ToolSubredditSuggest:
		result, upstreamErr = s.subredditSuggest(ctx, req)
	case ToolAnomalyDetect:
		result, upstreamErr = s.anomalyDetect(ctx, req)
	case ToolFlairSuggest:
		result, upstreamErr = s.flairSuggest(ctx, req)
	default:
		upstreamErr = fmt.Errorf("工具 %s 未实现", tool)
	}

	resp := &ToolResponse{
		Tool:          tool,
		Result:        result,
		CreditsSpent:  cost,
		Balance:       spend.NewBalance,
		TransactionNo: spend.TransactionNo,
	}
	if upstreamErr == nil {
		return resp, nil
	}

	s.metrics.UpstreamFallbackTotal.WithLabelValues(tool).Inc()
	s.logger.Warn(ctx, "AI 工具上游失败", "account_id", accountID, "tool", tool, "refund", s.refundOnFailure, "error", upstreamErr)

	if !s.refundOnFailure {
		resp.Degraded = true
		return resp, nil
	}

	// 请求可能已因上游超时被取消，退款不能跟着取消
	if _, err := s.ledger.RefundToolSpend(context.WithoutCancel(ctx), accountID, spend.TransactionNo); err != nil {
		s.logger.Error(ctx, "上游失败后退款失败，需人工处理", "account_id", accountID, "transaction_no", spend.TransactionNo, "error", err)
		return nil, fmt.Errorf("%w: 退款失败: %v", ErrUpstreamUnavailable, err)
	}
	return nil, ErrUpstreamUnavailable
}

func (s *ToolsService) ruleCheck(ctx context.Context, req ToolRequest) (any, error) {
	result := &RuleCheckResult{
		Subreddit:   req.Subreddit,
		Findings:    checkPostContent(req.Title, req.Body),
		Violations:  []RuleViolation{},
		Suggestions: []string{},
	}
	finish := func() *RuleCheckResult {
		result.Verdict = stricterVerdict(verdictFromFindings(result.Findings), result.Verdict)
		return result
	}

	rules, err := s.reddit.Rules(ctx, req.Subreddit)
	if err != nil {
		if errors.Is(err, reddit.ErrSubredditNotFound) {
			result.Findings = append(result.Findings, Finding{Code: "subreddit_not_found", Severity: SeverityError, Message: "子版块不存在或不可访问"})
			return finish(), nil
		}
		return finish(), fmt.Errorf("获取版规失败: %w", err)
	}
	result.RulesChecked = len(rules)
	result.Findings = append(result.Findings, checkAgainstRules(rules, req.Title, req.Body)...)

	var rulesText strings.Builder
	for i, r := range rules {
		fmt.Fprintf(&rulesText, "%d. %s: %s\n", i+1, r.ShortName, r.Description)
	}
	var out struct {
		Verdict    string          `json:"verdict"`
		Violations []RuleViolation `json:"violations"`
		Tips       []string        `json:"suggestions"`
	}
	err = s.completeJSON(ctx,
		`You review Reddit posts against subreddit rules. Reply with JSON: {"verdict":"pass|warn|fail","violations":[{"rule":"","reason":""}],"suggestions":[""]}.`,
		fmt.Sprintf("Subreddit: r/%s\nRules:\n%s\nTitle: %s\nBody:\n%s", req.Subreddit, rulesText.String(), req.Title, req.Body),
		&out)
	if err != nil {
		return finish(), err
	}

	switch out.Verdict {
	case "pass", "warn", "fail":
		result.Verdict = out.Verdict
	}
	if out.Violations != nil {
		result.Violations = out.Violations
	}
	if out.Tips != nil {
		result.Suggestions = out.Tips
	}
	return finish(), nil
}

func (s *ToolsService) subredditSuggest(ctx context.Context, req ToolRequest) (any, error) {
	fallback := func() *SubredditSuggestResult {
		names := suggestSubredditsByKeyword(req.Title, req.Body, maxSubredditSuggestions)
		res := &SubredditSuggestResult{Suggestions: make([]SubredditSuggestion, 0, len(names))}
		for _, n := range names {
			res.Suggestions = append(res.Suggestions, SubredditSuggestion{Name: n})
		}
		return res
	}

	var out struct {
		Subreddits []SubredditSuggestion `json:"subreddits"`
	}
	err := s.completeJSON(ctx,
		`You recommend subreddits for a Reddit post. Reply with JSON: {"subreddits":[{"name":"","reason":""}]}. Use names without the r/ prefix. At most 5.`,
		fmt.Sprintf("Title: %s\nBody:\n%s", req.Title, req.Body),
		&out)
	if err != nil {
		return fallback(), err
	}

	res := &SubredditSuggestResult{Suggestions: []SubredditSuggestion{}}
	seen := make(map[string]bool)
	for _, sug := range out.Subreddits {
		name, err := reddit.NormalizeSubreddit(sug.Name)
		if err != nil || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true

		// 过滤模型编造的子版块；Reddit 本身不可用时保留未校验的建议
		about, err := s.reddit.About(ctx, name)
		switch {
		case errors.Is(err, reddit.ErrSubredditNotFound):
			continue
		case err == nil:
			sug.Subscribers = about.Subscribers
			sug.Over18 = about.Over18
		}
		sug.Name = name
		res.Suggestions = append(res.Suggestions, sug)
		if len(res.Suggestions) == maxSubredditSuggestions {
			break
		}
	}
	if len(res.Suggestions) == 0 {
		return fallback(), nil
	}
	return res, nil
}

func (s *ToolsService) anomalyDetect(ctx context.Context, req ToolRequest) (any, error) {
	findings := detectAnomalies(req.Title, req.Body)
	result := &AnomalyResult{Findings: findings, Signals: []string{}}
	result.RiskScore = riskScore(findings)
	result.Risk = riskLevel(result.RiskScore)

	var out struct {
		Risk    string   `json:"risk"`
		Signals []string `json:"signals"`
	}
	err := s.completeJSON(ctx,
		`You detect spam, manipulation and low-quality signals in Reddit posts. Reply with JSON: {"risk":"low|medium|high","signals":[""]}.`,
		fmt.Sprintf("Title: %s\nBody:\n%s", req.Title, req.Body),
		&out)
	if err != nil {
		return result, err
	}

	if out.Signals != nil {
		result.Signals = out.Signals
	}
	// 模型只能调高风险等级，确定性检查的结论不会被覆盖
	rank := map[string]int{"low": 0, "medium": 1, "high": 2}
	if r, ok := rank[out.Risk]; ok && r > rank[result.Risk] {
		result.Risk = out.Risk
	}
	return result, nil
}

func (s *ToolsService) flairSuggest(ctx context.Context, req ToolRequest) (any, error) {
	result := &FlairResult{Subreddit: req.Subreddit, Candidates: []string{}}

	flairs, err := s.reddit.PopularFlairs(ctx, req.Subreddit, 50)
	if err != nil && !errors.Is(err, reddit.ErrSubredditNotFound) {
		result.Flair = suggestFlairByKeyword(nil, req.Title, req.Body)
		return result, fmt.Errorf("获取 flair 失败: %w", err)
	}
	for _, f := range flairs {
		result.Candidates = append(result.Candidates, f.Text)
	}
	result.Flair = suggestFlairByKeyword(result.Candidates, req.Title, req.Body)
	if len(result.Candidates) == 0 {
		// 没有可选 flair 时不需要模型参与
		return result, nil
	}

	var out struct {
		Flair  string `json:"flair"`
		Reason string `json:"reason"`
	}
	err = s.completeJSON(ctx,
		`You pick the best post flair for a Reddit post. Choose exactly one of the candidates. Reply with JSON: {"flair":"","reason":""}.`,
		fmt.Sprintf("Subreddit: r/%s\nCandidates: %s\nTitle: %s\nBody:\n%s", req.Subreddit, strings.Join(result.Candidates, " | "), req.Title, req.Body),
		&out)
	if err != nil {
		return result, err
	}
	for _, c := range result.Candidates {
		if strings.EqualFold(c, strings.TrimSpace(out.Flair)) {
			result.Flair = c
			result.Reason = out.Reason
			break
		}
	}
	return result, nil
}

func (s *ToolsService) completeJSON(ctx context.Context, system, user string, v any) error {
	raw, err := s.completer.Complete(ctx, system, user)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("解析 AI 响应失败: %w", err)
	}
	return nil
}

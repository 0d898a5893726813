package service

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"creditsystem/internal/infrastructure/reddit"
)

// 规则检查结果等级
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

type Finding struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Rule     string `json:"rule,omitempty"`
}

var (
	linkPattern        = regexp.MustCompile(`(?i)\bhttps?://[^\s)\]]+`)
	shortenerPattern   = regexp.MustCompile(`(?i)\b(bit\.ly|tinyurl\.com|t\.co|goo\.gl|ow\.ly|is\.gd|buff\.ly|cutt\.ly)/`)
	punctuationPattern = regexp.MustCompile(`[!?]{3,}`)
	wordPattern        = regexp.MustCompile(`[a-z0-9]+`)
)

var spamPhrases = []string{
	"click here",
	"buy now",
	"limited time",
	"free money",
	"dm me",
	"act now",
	"100% guaranteed",
	"check out my",
	"use my code",
	"promo code",
	"discount code",
	"link in bio",
}

const (
	minTitleRunes = 15
	maxTitleRunes = 300
	maxLinks      = 3
)

// checkPostContent 通用的标题、正文检查，不依赖子版块
func checkPostContent(title, body string) []Finding {
	var findings []Finding
	n := utf8.RuneCountInString(strings.TrimSpace(title))
	switch {
	case n > maxTitleRunes:
		findings = append(findings, Finding{Code: "title_too_long", Severity: SeverityError, Message: "标题超过 300 个字符，Reddit 会拒绝发布"})
	case n < minTitleRunes:
		findings = append(findings, Finding{Code: "title_too_short", Severity: SeverityWarn, Message: "标题过短，建议写清楚帖子内容"})
	}
	if isShouting(title) {
		findings = append(findings, Finding{Code: "title_shouting", Severity: SeverityWarn, Message: "标题大写字母过多"})
	}
	if punctuationPattern.MatchString(title) {
		findings = append(findings, Finding{Code: "excessive_punctuation", Severity: SeverityWarn, Message: "标题包含连续的感叹号或问号"})
	}
	if strings.TrimSpace(body) == "" {
		findings = append(findings, Finding{Code: "empty_body", Severity: SeverityInfo, Message: "正文为空"})
	}
	return findings
}

// detectAnomalies 垃圾内容信号
func detectAnomalies(title, body string) []Finding {
	text := title + "\n" + body
	lower := strings.ToLower(text)
	var findings []Finding

	for _, p := range spamPhrases {
		if strings.Contains(lower, p) {
			findings = append(findings, Finding{Code: "spam_phrase", Severity: SeverityWarn, Message: "包含推广用语: " + p})
		}
	}

	links := linkPattern.FindAllString(text, -1)
	switch {
	case len(links) > maxLinks:
		findings = append(findings, Finding{Code: "link_heavy", Severity: SeverityWarn, Message: "链接数量过多"})
	case len(links) > 0 && len(wordPattern.FindAllString(lower, -1)) < 20:
		findings = append(findings, Finding{Code: "link_only", Severity: SeverityWarn, Message: "内容主要是链接，缺少正文"})
	}
	if shortenerPattern.MatchString(text) {
		findings = append(findings, Finding{Code: "url_shortener", Severity: SeverityError, Message: "使用了短链接服务，通常会被自动删除"})
	}
	if hasRepeatedRun(text, 6) {
		findings = append(findings, Finding{Code: "repeated_chars", Severity: SeverityWarn, Message: "包含大量重复字符"})
	}
	if isShouting(text) {
		findings = append(findings, Finding{Code: "shouting", Severity: SeverityWarn, Message: "大写字母比例过高"})
	}
	if punctuationPattern.MatchString(text) {
		findings = append(findings, Finding{Code: "excessive_punctuation", Severity: SeverityWarn, Message: "包含连续的感叹号或问号"})
	}
	if hasDuplicateLines(body, 3) {
		findings = append(findings, Finding{Code: "duplicate_lines", Severity: SeverityWarn, Message: "同一行内容重复出现"})
	}
	return findings
}

// checkAgainstRules 按版规关键字做确定性匹配
func checkAgainstRules(rules []reddit.Rule, title, body string) []Finding {
	text := title + "\n" + body
	lower := strings.ToLower(text)
	links := len(linkPattern.FindAllString(text, -1))
	promo := false
	for _, p := range spamPhrases {
		if strings.Contains(lower, p) {
			promo = true
			break
		}
	}

	var findings []Finding
	for _, r := range rules {
		ruleText := strings.ToLower(r.ShortName + " " + r.Description)

		if containsAny(ruleText, "self-promo", "self promo", "promotion", "advertis", "spam") && (links > 0 || promo) {
			findings = append(findings, Finding{Code: "possible_self_promotion", Severity: SeverityWarn, Message: "帖子包含链接或推广用语，可能违反自我推广规则", Rule: r.ShortName})
		}
		if strings.Contains(ruleText, "link") && containsAny(ruleText, "no link", "no links", "not allowed", "prohibited") && links > 0 {
			findings = append(findings, Finding{Code: "links_restricted", Severity: SeverityError, Message: "该版块限制发布链接", Rule: r.ShortName})
		}
		if strings.Contains(ruleText, "title") && containsAny(ruleText, "descriptive", "clickbait", "vague") &&
			utf8.RuneCountInString(strings.TrimSpace(title)) < minTitleRunes {
			findings = append(findings, Finding{Code: "title_not_descriptive", Severity: SeverityWarn, Message: "版规要求标题具有描述性", Rule: r.ShortName})
		}
		if strings.Contains(ruleText, "flair") {
			findings = append(findings, Finding{Code: "flair_required", Severity: SeverityInfo, Message: "该版块要求设置 flair", Rule: r.ShortName})
		}
		if strings.Contains(ruleText, "english") && nonASCIILetterRatio(text) > 0.5 {
			findings = append(findings, Finding{Code: "language", Severity: SeverityWarn, Message: "该版块要求使用英语", Rule: r.ShortName})
		}
	}
	return findings
}

// verdictFromFindings error -> fail，warn -> warn，否则 pass
func verdictFromFindings(findings []Finding) string {
	verdict := "pass"
	for _, f := range findings {
		switch f.Severity {
		case SeverityError:
			return "fail"
		case SeverityWarn:
			verdict = "warn"
		}
	}
	return verdict
}

func stricterVerdict(a, b string) string {
	rank := map[string]int{"pass": 0, "warn": 1, "fail": 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func riskScore(findings []Finding) int {
	score := 0
	for _, f := range findings {
		switch f.Severity {
		case SeverityError:
			score += 40
		case SeverityWarn:
			score += 15
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

func riskLevel(score int) string {
	switch {
	case score >= 50:
		return "high"
	case score >= 20:
		return "medium"
	default:
		return "low"
	}
}

// 关键字到子版块的静态映射，AI 不可用时使用
var subredditKeywords = []struct {
	words      []string
	subreddits []string
}{
	{[]string{"golang", "go"}, []string{"golang"}},
	{[]string{"python", "django", "flask"}, []string{"Python", "learnpython"}},
	{[]string{"javascript", "typescript", "react", "node"}, []string{"javascript", "webdev"}},
	{[]string{"startup", "saas", "founder", "mvp"}, []string{"startups", "SaaS", "Entrepreneur"}},
	{[]string{"marketing", "seo", "growth"}, []string{"marketing", "SEO"}},
	{[]string{"ai", "gpt", "llm", "chatgpt"}, []string{"artificial", "ChatGPT"}},
	{[]string{"workout", "fitness", "gym"}, []string{"Fitness"}},
	{[]string{"recipe", "cooking", "cook"}, []string{"Cooking"}},
	{[]string{"game", "gaming", "steam"}, []string{"gaming"}},
	{[]string{"invest", "investing", "stocks", "budget"}, []string{"personalfinance", "investing"}},
}

var defaultSubreddits = []string{"NoStupidQuestions", "AskReddit"}

func suggestSubredditsByKeyword(title, body string, limit int) []string {
	tokens := tokenize(title + " " + body)
	seen := make(map[string]bool)
	var out []string
	for _, entry := range subredditKeywords {
		if !tokens.any(entry.words...) {
			continue
		}
		for _, s := range entry.subreddits {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	if len(out) == 0 {
		out = append(out, defaultSubreddits...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// suggestFlairByKeyword candidates 按热门程度排序
func suggestFlairByKeyword(candidates []string, title, body string) string {
	tokens := tokenize(title + " " + body)
	for _, c := range candidates {
		words := wordPattern.FindAllString(strings.ToLower(c), -1)
		if len(words) > 0 && tokens.any(words...) {
			return c
		}
	}

	question := strings.Contains(title, "?")
	if question {
		for _, c := range candidates {
			if containsAny(strings.ToLower(c), "question", "help", "ask") {
				return c
			}
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	if question {
		return "Question"
	}
	return "Discussion"
}

type tokenSet map[string]struct{}

func tokenize(s string) tokenSet {
	set := make(tokenSet)
	for _, w := range wordPattern.FindAllString(strings.ToLower(s), -1) {
		set[w] = struct{}{}
	}
	return set
}

func (t tokenSet) any(words ...string) bool {
	for _, w := range words {
		if _, ok := t[w]; ok {
			return true
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// isShouting 至少 8 个字母且大写超过 70%
func isShouting(s string) bool {
	letters, upper := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) && r < unicode.MaxASCII {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 8 && float64(upper)/float64(letters) > 0.7
}

func hasRepeatedRun(s string, n int) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev && !unicode.IsSpace(r) {
			run++
			if run >= n {
				return true
			}
			continue
		}
		prev, run = r, 1
	}
	return false
}

func hasDuplicateLines(body string, n int) bool {
	counts := make(map[string]int)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		counts[line]++
		if counts[line] >= n {
			return true
		}
	}
	return false
}

func nonASCIILetterRatio(s string) float64 {
	letters, other := 0, 0
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if r > unicode.MaxASCII {
			other++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(other) / float64(letters)
}

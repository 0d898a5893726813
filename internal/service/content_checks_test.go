package service

import (
	"strings"
	"testing"

	"creditsystem/internal/infrastructure/reddit"

	"github.com/stretchr/testify/assert"
)

func findingCodes(findings []Finding) []string {
	codes := make([]string, 0, len(findings))
	for _, f := range findings {
		codes = append(codes, f.Code)
	}
	return codes
}

func TestCheckPostContent(t *testing.T) {
	tests := []struct {
		name  string
		title string
		body  string
		want  []string
	}{
		{"短标题空正文", "Hi", "", []string{"title_too_short", "empty_body"}},
		{"超长标题", strings.Repeat("a", 301), "body", []string{"title_too_long"}},
		{"全大写", "WHAT IS GOING ON HERE", "body", []string{"title_shouting"}},
		{"连续标点", "Does anyone know why???", "body", []string{"excessive_punctuation"}},
		{"正常", "How do I structure a Go service", "Some details here", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := findingCodes(checkPostContent(tt.title, tt.body))
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestDetectAnomalies(t *testing.T) {
	codes := findingCodes(detectAnomalies("Great deal", "click here http://bit.ly/x"))
	assert.Contains(t, codes, "spam_phrase")
	assert.Contains(t, codes, "link_only")
	assert.Contains(t, codes, "url_shortener")

	codes = findingCodes(detectAnomalies("Question", "same line\nsame line\nsame line"))
	assert.Contains(t, codes, "duplicate_lines")

	codes = findingCodes(detectAnomalies("heyyyyyy", ""))
	assert.Contains(t, codes, "repeated_chars")

	assert.Empty(t, detectAnomalies("How do I structure a Go service", "I have a small API and want advice."))
}

func TestCheckAgainstRules(t *testing.T) {
	rules := []reddit.Rule{
		{ShortName: "No self-promotion", Description: "No spam"},
		{ShortName: "No links", Description: "Links are not allowed"},
		{ShortName: "Use flair", Description: "Every post needs flair"},
	}
	codes := findingCodes(checkAgainstRules(rules, "My new project", "see http://example.com"))
	assert.ElementsMatch(t, []string{"possible_self_promotion", "links_restricted", "flair_required"}, codes)

	codes = findingCodes(checkAgainstRules(rules[:2], "How do I structure a Go service", "plain text"))
	assert.Empty(t, codes)
}

func TestVerdictAndRisk(t *testing.T) {
	warn := Finding{Severity: SeverityWarn}
	fail := Finding{Severity: SeverityError}
	info := Finding{Severity: SeverityInfo}

	assert.Equal(t, "pass", verdictFromFindings(nil))
	assert.Equal(t, "pass", verdictFromFindings([]Finding{info}))
	assert.Equal(t, "warn", verdictFromFindings([]Finding{info, warn}))
	assert.Equal(t, "fail", verdictFromFindings([]Finding{warn, fail}))

	assert.Equal(t, "fail", stricterVerdict("warn", "fail"))
	assert.Equal(t, "fail", stricterVerdict("fail", "pass"))

	assert.Equal(t, 0, riskScore([]Finding{info}))
	assert.Equal(t, 30, riskScore([]Finding{warn, warn}))
	assert.Equal(t, 100, riskScore([]Finding{fail, fail, fail}))

	assert.Equal(t, "high", riskLevel(100))
	assert.Equal(t, "medium", riskLevel(20))
	assert.Equal(t, "low", riskLevel(19))
}

func TestKeywordSuggestions(t *testing.T) {
	assert.Equal(t, []string{"golang", "startups", "SaaS"}, suggestSubredditsByKeyword("Building a SaaS in golang", "", 3))
	assert.Equal(t, defaultSubreddits, suggestSubredditsByKeyword("zzz", "", 5))

	assert.Equal(t, "Help", suggestFlairByKeyword([]string{"Discussion", "Help"}, "How do I fix this?", ""))
	assert.Equal(t, "Showcase", suggestFlairByKeyword([]string{"Discussion", "Showcase"}, "Showcase: my app", ""))
	assert.Equal(t, "Question", suggestFlairByKeyword(nil, "Why?", ""))
	assert.Equal(t, "Discussion", suggestFlairByKeyword(nil, "Thoughts on Go", ""))
}

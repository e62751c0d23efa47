package complexity

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/traceforge/traceforge/assistant/pkg/models"
)

// Lexicons are matched as lower-cased substrings, Chinese and English.
var (
	aggregationTerms = []string{
		"统计", "汇总", "总计", "合计", "平均", "总数", "多少", "排名", "排行", "趋势", "占比", "分布",
		"sum", "total", "average", "count", "how many", "trend", "rank", "distribution",
	}
	comparisonTerms = []string{
		"对比", "比较", "相比", "差异", "环比", "同比", "高于", "低于", "哪个更",
		"compare", "versus", " vs ", "difference", "higher than", "lower than",
	}
	timeTerms = []string{
		"今天", "昨天", "本周", "上周", "本月", "上月", "上个月", "今年", "去年", "最近", "季度", "年度", "期间",
		"today", "yesterday", "this week", "last week", "this month", "last month", "this year", "recent", "quarter",
	}
	negationTerms = []string{
		"不是", "不合格", "没有", "未完成", "未检", "除了", "排除",
		"not ", "no ", "except", "without", "exclude",
	}
	conditionalTerms = []string{
		"如果", "假如", "若是", "要是", "的话", "一旦", "只要",
		"if ", "when ", "unless", "in case",
	}
	reasoningTerms = []string{
		"分析", "原因", "为什么", "为何", "预测", "建议", "评估", "影响", "根因", "优化",
		"analyze", "analyse", "why", "predict", "recommend", "root cause", "impact", "evaluate",
	}
	stepTerms = []string{
		"然后", "接着", "之后", "再", "并且", "同时", "另外", "最后", "第一", "第二",
		"then", "after that", "and also", "finally", "first", "second",
	}

	timeRangePattern = regexp.MustCompile(`\d{4}[-/年]\d{1,2}([-/月]\d{1,2})?|近\d+[天周月年]|过去\d+|last \d+ (days|weeks|months)`)
	entityPattern    = regexp.MustCompile(`(?i)\b(?:[A-Z]{1,4}-?\d{4,}(?:-\d+)*|SUP-?\d+|CUS-?\d+|PRD-?\d+|WH-?\d+)\b`)
	questionPattern  = regexp.MustCompile(`[?？]|吗|呢`)
)

// ExtractFeatures computes the deterministic features of a query.
func ExtractFeatures(tok Tokenizer, input string, qctx models.QueryContext) models.QueryFeatures {
	lower := " " + strings.ToLower(input) + " "
	f := models.QueryFeatures{
		TokenCount:       tok.CountTokens(input),
		CharCount:        utf8.RuneCountInString(input),
		HasAggregation:   containsAny(lower, aggregationTerms),
		HasComparison:    containsAny(lower, comparisonTerms),
		HasTimeRange:     containsAny(lower, timeTerms) || timeRangePattern.MatchString(lower),
		HasNegation:      containsAny(lower, negationTerms),
		HasConditional:   containsAny(lower, conditionalTerms),
		HasReasoning:     containsAny(lower, reasoningTerms),
		ContextTurns:     qctx.ContextTurns,
		HasPendingIntent: qctx.HasPendingIntent,
	}

	seen := map[string]struct{}{}
	for _, m := range entityPattern.FindAllString(input, -1) {
		seen[strings.ToUpper(m)] = struct{}{}
	}
	f.EntityCount = len(seen)

	steps := 0
	for _, t := range stepTerms {
		if strings.Contains(lower, t) {
			steps++
		}
	}
	clauses := strings.Count(input, "，") + strings.Count(input, ",") + strings.Count(input, "；") + strings.Count(input, ";")
	f.MultiStep = (steps >= 1 && clauses >= 1) || steps >= 2

	f.QuestionCount = len(questionPattern.FindAllString(input, -1))
	return f
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// featureDim is the length of FeatureVector's output.
const featureDim = 14

// FeatureVector normalises features to [0,1] for the classifier.
func FeatureVector(f models.QueryFeatures) []float64 {
	return []float64{
		capRatio(float64(f.TokenCount), 100),
		capRatio(float64(f.CharCount), 200),
		boolf(f.HasAggregation),
		boolf(f.HasComparison),
		boolf(f.HasTimeRange),
		capRatio(float64(f.EntityCount), 5),
		boolf(f.HasNegation),
		boolf(f.HasConditional),
		boolf(f.HasReasoning),
		boolf(f.MultiStep),
		capRatio(float64(f.QuestionCount), 3),
		capRatio(float64(f.ContextTurns), 10),
		boolf(f.HasPendingIntent),
		1, // bias feature
	}
}

// RuleScore is the deterministic complexity estimate in [0,1].
func RuleScore(f models.QueryFeatures) float64 {
	s := 0.15 * capRatio(float64(f.TokenCount), 60)
	if f.HasAggregation {
		s += 0.15
	}
	if f.HasComparison {
		s += 0.15
	}
	if f.HasTimeRange {
		s += 0.05
	}
	s += 0.10 * capRatio(float64(f.EntityCount), 3)
	if f.HasNegation {
		s += 0.05
	}
	if f.HasConditional {
		s += 0.10
	}
	if f.HasReasoning {
		s += 0.15
	}
	if f.MultiStep {
		s += 0.15
	}
	if f.QuestionCount > 1 {
		s += 0.05
	}
	s += 0.01 * float64(min(f.ContextTurns, 5))
	if f.HasPendingIntent {
		// A pending collection makes the turn most likely a slot answer.
		s -= 0.10
	}
	return clamp01(s)
}

func capRatio(v, limit float64) float64 {
	if v >= limit {
		return 1
	}
	if v <= 0 {
		return 0
	}
	return v / limit
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

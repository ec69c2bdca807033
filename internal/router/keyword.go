// Package router implements the query classifiers that pick a task's
// processing path.
package router

import (
	"context"
	"regexp"
	"strings"

	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/coordinator"
)

var segmentationKeywords = []string{
	"segment", "segmentation", "compare customers", "customer comparison", "cohort",
	"target group", "control group", "high-value customers", "high value customers",
	" vs ", " vs. ", " versus ", "compared with", "compared to",
	"客户细分", "客户对比", "分析客群", "目标客群", "对照组", "高价值客户", "客群特征", "客户行为", "年龄段",
	"普通客户", "客户特征", "对比不同", "存款行为",
}

var directKeywords = []string{
	"show", "list", "how many", "count", "sum", "total", "average", "top", "which", "what is",
	"查询", "统计", "多少", "列出", "显示", "平均",
}

var (
	compareWords = []string{"compare", "comparison", "对比", "比较"}
	ageWord      = regexp.MustCompile(`\bage[ds]?\b|年龄|岁`)
)

// KeywordClassifier routes by bilingual keyword sets. It is deterministic
// and never fails: a request matching nothing is a direct query.
type KeywordClassifier struct{}

// Classify implements coordinator.QueryClassifier.
func (KeywordClassifier) Classify(_ context.Context, req coordinator.Request, _ []conversation.Turn) coordinator.TaskKind {
	return ClassifyText(req.Text)
}

// ClassifyText applies the keyword rules to text.
func ClassifyText(text string) coordinator.TaskKind {
	t := " " + strings.ToLower(strings.Join(strings.Fields(text), " ")) + " "

	if containsAny(t, compareWords) && ageWord.MatchString(t) {
		return coordinator.KindSegmentationComparison
	}
	if containsAny(t, segmentationKeywords) {
		return coordinator.KindSegmentationComparison
	}
	return coordinator.KindDirectQuery
}

// IsDirect reports whether text carries an explicit direct-query keyword.
func IsDirect(text string) bool {
	return containsAny(strings.ToLower(text), directKeywords)
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

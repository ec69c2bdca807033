package router

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/basket/go-analyst/internal/conversation"
	"github.com/basket/go-analyst/internal/coordinator"
	"github.com/basket/go-analyst/internal/engine"
)

func TestClassifyText(t *testing.T) {
	tests := []struct {
		text string
		want coordinator.TaskKind
	}{
		{"customers under 25 vs customers over 50, compare product holding rate", coordinator.KindSegmentationComparison},
		{"show me top customers", coordinator.KindDirectQuery},
		{"Segment our high-value customers", coordinator.KindSegmentationComparison},
		{"urban customers compared with rural customers", coordinator.KindSegmentationComparison},
		{"compare customers by age", coordinator.KindSegmentationComparison},
		{"compare average balance by branch", coordinator.KindDirectQuery},
		{"对比不同年龄的客户", coordinator.KindSegmentationComparison},
		{"分析客群特征", coordinator.KindSegmentationComparison},
		{"VIP和普通客户有什么区别", coordinator.KindSegmentationComparison},
		{"总结一下年轻人的客户特征", coordinator.KindSegmentationComparison},
		{"对比不同城市的理财产品持有率", coordinator.KindSegmentationComparison},
		{"看看退休人群的存款行为", coordinator.KindSegmentationComparison},
		{"查询上个月的交易总额", coordinator.KindDirectQuery},
		{"hello there", coordinator.KindDirectQuery},
		{"", coordinator.KindDirectQuery},
	}
	for _, tc := range tests {
		t.Run(tc.text, func(t *testing.T) {
			if got := ClassifyText(tc.text); got != tc.want {
				t.Fatalf("ClassifyText(%q) = %s, want %s", tc.text, got, tc.want)
			}
			got := KeywordClassifier{}.Classify(context.Background(), coordinator.Request{Text: tc.text}, nil)
			if !got.Valid() {
				t.Fatalf("undefined kind %q", got)
			}
		})
	}
}

func TestLLMClassifier(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		reply string
		err   error
		want  coordinator.TaskKind
		calls int32
	}{
		{"model decides ambiguous request", "young savers against older savers please", `{"task_kind":"segmentation_comparison"}`, nil, coordinator.KindSegmentationComparison, 1},
		{"fenced reply", "hello there", "```json\n{\"task_kind\": \"direct_query\"}\n```", nil, coordinator.KindDirectQuery, 1},
		{"model error falls back", "young savers against older savers", "", errors.New("503"), coordinator.KindDirectQuery, 1},
		{"keyword comparison skips model", "students vs retirees", "", nil, coordinator.KindSegmentationComparison, 0},
		{"keyword direct skips model", "how many customers", "", nil, coordinator.KindDirectQuery, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			m := engine.ModelFunc(func(_ context.Context, p engine.Prompt) (string, error) {
				calls.Add(1)
				if !strings.Contains(p.User, tc.text) {
					t.Errorf("prompt lost the request: %q", p.User)
				}
				return tc.reply, tc.err
			})
			c := &LLMClassifier{Model: m}
			got := c.Classify(context.Background(), coordinator.Request{Text: tc.text}, nil)
			if got != tc.want {
				t.Fatalf("kind = %s, want %s", got, tc.want)
			}
			if calls.Load() != tc.calls {
				t.Fatalf("model calls = %d, want %d", calls.Load(), tc.calls)
			}
		})
	}
}

func TestLLMClassifier_InvalidAnswerFallsBack(t *testing.T) {
	m := engine.ModelFunc(func(context.Context, engine.Prompt) (string, error) {
		return `{"task_kind":"forecast"}`, nil
	})
	c := &LLMClassifier{Model: m}
	got := c.Classify(context.Background(), coordinator.Request{Text: "tell me something"}, []conversation.Turn{{Ordinal: 1, Request: "count customers"}})
	if got != coordinator.KindDirectQuery {
		t.Fatalf("kind = %s", got)
	}
}

func TestNew(t *testing.T) {
	if _, ok := New("keyword", nil, nil).(KeywordClassifier); !ok {
		t.Fatal("expected keyword classifier")
	}
	if _, ok := New("llm", nil, nil).(KeywordClassifier); !ok {
		t.Fatal("llm without a model should fall back to keywords")
	}
	m := engine.ModelFunc(func(context.Context, engine.Prompt) (string, error) { return "", nil })
	if _, ok := New("llm", m, nil).(*LLMClassifier); !ok {
		t.Fatal("expected llm classifier")
	}
}

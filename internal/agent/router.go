package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/llm"
	"github.com/kb-agent/backend/internal/metrics"
	"github.com/kb-agent/backend/pkg/logger"
)

type Router struct {
	gen      llm.Generator
	keywords []string
	window   int
}

func NewRouter(gen llm.Generator, keywords []string, window int) *Router {
	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}
	return &Router{gen: gen, keywords: lowered, window: window}
}

// Classify never fails. A configured keyword in the query always wins and
// skips the model call; otherwise an unusable model reply means OFF_TOPIC.
func (r *Router) Classify(ctx context.Context, query string, history []llm.Message) Intent {
	if kw, ok := r.matchKeyword(query); ok {
		logger.Debug("Intent forced by keyword", zap.String("keyword", kw))
		metrics.IntentTotal.WithLabelValues(string(IntentKnowledge), "keyword").Inc()
		return IntentKnowledge
	}

	out, err := r.gen.Invoke(ctx, routerMessages(query, history, r.window))
	if err != nil {
		logger.Warn("Intent classification failed", zap.Error(err))
		metrics.IntentTotal.WithLabelValues(string(IntentOffTopic), "fallback").Inc()
		return IntentOffTopic
	}

	intent, ok := ParseIntent(out)
	if !ok {
		logger.Debug("Unrecognized classifier output", zap.String("output", out))
		metrics.IntentTotal.WithLabelValues(string(IntentOffTopic), "fallback").Inc()
		return IntentOffTopic
	}

	metrics.IntentTotal.WithLabelValues(string(intent), "model").Inc()
	return intent
}

func (r *Router) matchKeyword(query string) (string, bool) {
	q := strings.ToLower(query)
	for _, k := range r.keywords {
		if strings.Contains(q, k) {
			return k, true
		}
	}
	return "", false
}

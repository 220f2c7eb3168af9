package agent

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/llm"
	"github.com/kb-agent/backend/pkg/logger"
)

const maxRefinedRunes = 512

type Refiner struct {
	gen    llm.Generator
	window int
}

func NewRefiner(gen llm.Generator, window int) *Refiner {
	return &Refiner{gen: gen, window: window}
}

// Refine returns a standalone search query. Without history there is
// nothing to resolve and the query is returned as is; so is any failure.
func (r *Refiner) Refine(ctx context.Context, query string, history []llm.Message) string {
	if len(history) == 0 || r.window <= 0 {
		return query
	}

	out, err := r.gen.Invoke(ctx, refineMessages(query, history, r.window))
	if err != nil {
		logger.Warn("Query refinement failed", zap.Error(err))
		return query
	}

	refined := cleanRefined(out)
	if refined == "" || utf8.RuneCountInString(refined) > maxRefinedRunes {
		return query
	}
	return refined
}

func cleanRefined(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, prefix := range []string{"query:", "search query:", "refined query:"} {
			if strings.HasPrefix(strings.ToLower(line), prefix) {
				line = strings.TrimSpace(line[len(prefix):])
			}
		}
		return strings.Trim(line, "\"'` ")
	}
	return ""
}

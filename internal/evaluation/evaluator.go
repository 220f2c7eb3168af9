// Package evaluation scores the router and the retrieval gateway against a
// labelled dataset, so changes to keywords, prompts or KnowledgeConfig can be
// compared run to run.
package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/agent"
	"github.com/kb-agent/backend/internal/llm"
	"github.com/kb-agent/backend/internal/retrieval"
	"github.com/kb-agent/backend/pkg/logger"
)

var ErrEmptyDataset = errors.New("evaluation dataset is empty")

type Classifier interface {
	Classify(ctx context.Context, query string, history []llm.Message) agent.Intent
}

type Evaluator struct {
	router    Classifier
	retriever agent.Retriever
	config    agent.ConfigSource
}

type Dataset struct {
	Items []DatasetItem `json:"items"`
}

// DatasetItem is one labelled query. ExpectedTitles may be empty for
// queries that should not retrieve anything (greetings, off-topic).
type DatasetItem struct {
	Query          string       `json:"query"`
	ExpectedIntent agent.Intent `json:"expected_intent"`
	ExpectedTitles []string     `json:"expected_titles"`
}

type ItemResult struct {
	Query         string       `json:"query"`
	Intent        agent.Intent `json:"intent"`
	IntentCorrect bool         `json:"intent_correct"`
	Titles        []string     `json:"titles"`
	// Rank is the 1-based position of the first expected title, 0 if none.
	Rank          int     `json:"rank"`
	TopSimilarity float64 `json:"top_similarity"`
	Error         string  `json:"error,omitempty"`
}

type Report struct {
	TotalQueries     int          `json:"total_queries"`
	IntentAccuracy   float64      `json:"intent_accuracy"`
	RetrievalQueries int          `json:"retrieval_queries"`
	HitRate          float64      `json:"hit_rate"`
	MeanRecipRank    float64      `json:"mean_reciprocal_rank"`
	AvgTopSimilarity float64      `json:"avg_top_similarity"`
	Items            []ItemResult `json:"items"`
}

func NewEvaluator(router Classifier, retriever agent.Retriever, config agent.ConfigSource) *Evaluator {
	return &Evaluator{
		router:    router,
		retriever: retriever,
		config:    config,
	}
}

func LoadDataset(data []byte) (*Dataset, error) {
	var dataset Dataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}
	if len(dataset.Items) == 0 {
		return nil, ErrEmptyDataset
	}
	return &dataset, nil
}

func (e *Evaluator) EvaluateItem(ctx context.Context, item DatasetItem) ItemResult {
	res := ItemResult{Query: item.Query, Titles: []string{}}

	res.Intent = e.router.Classify(ctx, item.Query, nil)
	res.IntentCorrect = item.ExpectedIntent == "" || res.Intent == item.ExpectedIntent

	cfg := e.config.Get()
	results, err := e.retriever.Search(ctx, item.Query, cfg.MaxDocuments, cfg.SimilarityThreshold)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	for i, r := range results {
		res.Titles = append(res.Titles, r.Title)
		if res.Rank == 0 && matchesAny(r, item.ExpectedTitles) {
			res.Rank = i + 1
		}
	}
	if len(results) > 0 {
		res.TopSimilarity = results[0].Similarity
	}
	return res
}

func (e *Evaluator) Run(ctx context.Context, dataset *Dataset) (*Report, error) {
	if dataset == nil || len(dataset.Items) == 0 {
		return nil, ErrEmptyDataset
	}

	logger.Info("Running dataset evaluation", zap.Int("items", len(dataset.Items)))

	report := &Report{
		TotalQueries: len(dataset.Items),
		Items:        make([]ItemResult, 0, len(dataset.Items)),
	}

	var correct, hits, withResults int
	var recipRank, topSim float64

	for i, item := range dataset.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := e.EvaluateItem(ctx, item)
		report.Items = append(report.Items, res)

		if res.IntentCorrect {
			correct++
		}
		if res.Error != "" {
			logger.Warn("Evaluation item failed", zap.Int("index", i), zap.String("error", res.Error))
		}
		if len(res.Titles) > 0 {
			withResults++
			topSim += res.TopSimilarity
		}
		if len(item.ExpectedTitles) > 0 {
			report.RetrievalQueries++
			if res.Rank > 0 {
				hits++
				recipRank += 1 / float64(res.Rank)
			}
		}
	}

	report.IntentAccuracy = float64(correct) / float64(report.TotalQueries)
	if report.RetrievalQueries > 0 {
		report.HitRate = float64(hits) / float64(report.RetrievalQueries)
		report.MeanRecipRank = recipRank / float64(report.RetrievalQueries)
	}
	if withResults > 0 {
		report.AvgTopSimilarity = topSim / float64(withResults)
	}

	logger.Info("Dataset evaluation completed",
		zap.Int("total", report.TotalQueries),
		zap.Float64("intent_accuracy", report.IntentAccuracy),
		zap.Float64("hit_rate", report.HitRate),
		zap.Float64("mrr", report.MeanRecipRank),
	)

	return report, nil
}

// Summary renders the report for logs and terminals.
func (r *Report) Summary() string {
	return fmt.Sprintf(`Evaluation Report
=================

Total Queries: %d
Intent Accuracy: %.1f%%

Retrieval (%d labelled queries):
- Hit Rate: %.1f%%
- Mean Reciprocal Rank: %.3f
- Avg Top Similarity: %.3f
`,
		r.TotalQueries,
		r.IntentAccuracy*100,
		r.RetrievalQueries,
		r.HitRate*100,
		r.MeanRecipRank,
		r.AvgTopSimilarity,
	)
}

// matchesAny compares titles case-insensitively and accepts ingested parts
// ("Guide (part 2/3)" matches "Guide").
func matchesAny(r retrieval.SearchResult, titles []string) bool {
	got := strings.ToLower(strings.TrimSpace(r.Title))
	for _, want := range titles {
		want = strings.ToLower(strings.TrimSpace(want))
		if want == "" {
			continue
		}
		if got == want || strings.HasPrefix(got, want+" (part ") {
			return true
		}
	}
	return false
}

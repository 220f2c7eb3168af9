package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kb-agent/backend/internal/knowledge"
	"github.com/kb-agent/backend/internal/llm"
	"github.com/kb-agent/backend/internal/metrics"
	"github.com/kb-agent/backend/internal/retrieval"
	"github.com/kb-agent/backend/internal/storage/models"
	"github.com/kb-agent/backend/internal/thinktag"
	"github.com/kb-agent/backend/pkg/logger"
)

const DefaultApology = "Sorry, something went wrong while generating the answer. Please try again."

type Retriever interface {
	Search(ctx context.Context, query string, limit int, minSimilarity float64) ([]retrieval.SearchResult, error)
}

type ConfigSource interface {
	Get() models.KnowledgeConfig
}

type Options struct {
	Keywords      []string
	RouterWindow  int
	HistoryWindow int
	Apology       string
}

type Orchestrator struct {
	gen           llm.Generator
	router        *Router
	refiner       *Refiner
	retriever     Retriever
	config        ConfigSource
	historyWindow int
	apology       string
}

// NewOrchestrator wires the turn pipeline. gen should be an llm.Gate when it
// is shared with other turns.
func NewOrchestrator(gen llm.Generator, retriever Retriever, config ConfigSource, opts Options) *Orchestrator {
	if opts.Apology == "" {
		opts.Apology = DefaultApology
	}
	if opts.RouterWindow < 0 {
		opts.RouterWindow = 0
	}
	return &Orchestrator{
		gen:           gen,
		router:        NewRouter(gen, opts.Keywords, opts.RouterWindow),
		refiner:       NewRefiner(gen, opts.RouterWindow),
		retriever:     retriever,
		config:        config,
		historyWindow: opts.HistoryWindow,
		apology:       opts.Apology,
	}
}

// Run executes one turn, streaming tokens to sink. The returned error is
// non-nil only for ErrValidation and for ctx cancellation; a failed
// generation ends the turn in StateError with the apology as its answer.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink Sink) (res *Result, err error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrValidation)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeThinking
	}
	if mode != ModeFast && mode != ModeThinking {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrValidation, req.Mode)
	}

	t := &turn{
		ctx:    ctx,
		sink:   sink,
		log:    logger.With(zap.String("mode", string(mode))),
		result: &Result{Mode: mode, State: StateStart, Sources: []models.Source{}},
		start:  time.Now(),
	}

	defer func() {
		if r := recover(); r != nil {
			t.log.Error("Agent turn panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			// A sink that panicked is not called again.
			if t.inSink {
				t.sink = nil
				t.inSink = false
			}
			t.fail(fmt.Errorf("panic: %v", r), o.apology)
			res, err = t.finish(), nil
		}
	}()

	if mode == ModeFast {
		err = o.runFast(t, query, req.History)
	} else {
		err = o.runThinking(t, query, req.History)
	}

	switch {
	case err == nil:
		t.transition(StateDone)
	case ctx.Err() != nil:
		t.log.Info("Agent turn cancelled", zap.Error(ctx.Err()))
		t.result.Err = ctx.Err()
		t.transition(StateError)
		return t.finish(), ctx.Err()
	default:
		t.log.Error("Agent turn failed", zap.String("state", string(t.result.State)), zap.Error(err))
		t.fail(err, o.apology)
	}
	return t.finish(), nil
}

func (o *Orchestrator) runFast(t *turn, query string, history []llm.Message) error {
	excerpts := o.retrieve(t, query)
	t.transition(StateGenerate)
	return o.generate(t, knowledgeMessages(query, excerpts, history, o.historyWindow))
}

func (o *Orchestrator) runThinking(t *turn, query string, history []llm.Message) error {
	t.transition(StateIntent)
	t.reason("Analyzing the question...")

	intent := o.router.Classify(t.ctx, query, history)
	t.result.Intent = intent
	t.reason(fmt.Sprintf("Intent identified: %s", intent))

	switch intent {
	case IntentGreeting:
		t.transition(StateGreeting)
		t.transition(StateGenerate)
		return o.generate(t, greetingMessages(query))
	case IntentOffTopic:
		t.transition(StateOffTopic)
		t.transition(StateGenerate)
		return o.generate(t, offTopicMessages(query))
	}

	t.transition(StateKnowledge)
	t.transition(StateRefine)
	refined := o.refiner.Refine(t.ctx, query, history)
	t.result.RefinedQuery = refined
	if refined != query {
		t.reason(fmt.Sprintf("Refined search query: %s", refined))
	} else {
		t.reason("Using the question as the search query.")
	}

	t.reason("Searching the knowledge base...")
	excerpts := o.retrieve(t, refined)
	if n := len(t.result.Sources); n > 0 {
		titles := make([]string, 0, n)
		for _, s := range t.result.Sources {
			titles = append(titles, s.Title)
		}
		t.reason(fmt.Sprintf("Found %d relevant document(s): %s", n, strings.Join(titles, "; ")))
	} else {
		t.reason("No relevant documents found; answering without the knowledge base.")
	}

	t.transition(StateGenerate)
	return o.generate(t, knowledgeMessages(query, excerpts, history, o.historyWindow))
}

// retrieve runs RETRIEVE and ASSEMBLE. Every failure degrades to an empty
// context.
func (o *Orchestrator) retrieve(t *turn, query string) string {
	t.transition(StateRetrieve)
	cfg := o.config.Get()

	results, err := o.retriever.Search(t.ctx, query, cfg.MaxDocuments, cfg.SimilarityThreshold)
	if err != nil {
		reason := "search"
		switch {
		case errors.Is(err, retrieval.ErrStoreNotReady):
			reason = "not_ready"
		case errors.Is(err, retrieval.ErrEmbeddingUnavailable):
			reason = "embedding_unavailable"
		}
		metrics.RetrievalErrors.WithLabelValues(reason).Inc()
		t.log.Warn("Retrieval failed, continuing without context", zap.String("reason", reason), zap.Error(err))
		results = nil
	}

	t.transition(StateAssemble)
	excerpts, sources := knowledge.Assemble(results, cfg.MaxContextLength)
	t.result.Sources = sources
	return excerpts
}

func (o *Orchestrator) generate(t *turn, messages []llm.Message) error {
	stream, err := o.gen.Stream(t.ctx, messages)
	if err != nil {
		return fmt.Errorf("failed to start generation: %w", err)
	}
	defer stream.Close()

	for {
		token, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to receive token: %w", err)
		}
		if token == "" {
			continue
		}
		t.answer(token)
		if t.ctx.Err() != nil {
			return t.ctx.Err()
		}
	}

	if strings.TrimSpace(t.answerText.String()) == "" {
		return fmt.Errorf("%w: empty response", llm.ErrGeneration)
	}
	return nil
}

// turn is the per-request state: the trace markers, the transcript and the
// result being built.
type turn struct {
	ctx    context.Context
	sink   Sink
	log    *zap.Logger
	result *Result
	start  time.Time

	traceOpen  bool
	inSink     bool
	transcript strings.Builder
	answerText strings.Builder
}

func (t *turn) emit(s string) {
	t.transcript.WriteString(s)
	if t.sink != nil && t.ctx.Err() == nil {
		t.inSink = true
		t.sink(s)
		t.inSink = false
	}
}

func (t *turn) reason(line string) {
	if !t.traceOpen {
		t.emit(thinktag.OpenTag)
		t.traceOpen = true
	}
	t.result.Trace = append(t.result.Trace, line)
	t.emit(line + "\n")
}

func (t *turn) closeTrace() {
	if t.traceOpen {
		t.emit(thinktag.CloseTag)
		t.traceOpen = false
	}
}

func (t *turn) answer(token string) {
	t.closeTrace()
	t.answerText.WriteString(token)
	t.emit(token)
}

func (t *turn) transition(to State) {
	t.log.Debug("Agent state transition",
		zap.String("from", string(t.result.State)),
		zap.String("to", string(to)),
	)
	t.result.State = to
}

// fail replaces the answer with the apology. Already streamed tokens stay.
func (t *turn) fail(err error, apology string) {
	t.result.Err = err
	t.closeTrace()
	if t.answerText.Len() > 0 {
		t.emit("\n\n")
	}
	t.emit(apology)
	t.answerText.Reset()
	t.answerText.WriteString(apology)
	t.transition(StateError)
}

func (t *turn) finish() *Result {
	t.closeTrace()
	t.result.Answer = t.answerText.String()
	t.result.Transcript = t.transcript.String()

	elapsed := time.Since(t.start)
	metrics.TurnDuration.WithLabelValues(string(t.result.Mode), string(t.result.State)).Observe(elapsed.Seconds())
	t.log.Info("Agent turn finished",
		zap.String("state", string(t.result.State)),
		zap.String("intent", string(t.result.Intent)),
		zap.Int("sources", len(t.result.Sources)),
		zap.Duration("elapsed", elapsed),
	)
	return t.result
}

package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-agent/backend/internal/knowledge"
	"github.com/kb-agent/backend/internal/llm"
	"github.com/kb-agent/backend/internal/llm/llmtest"
	"github.com/kb-agent/backend/internal/retrieval"
	"github.com/kb-agent/backend/internal/storage/memory"
	"github.com/kb-agent/backend/internal/storage/models"
	"github.com/kb-agent/backend/internal/thinktag"
)

var testKeywords = []string{"knowledge base", "documentation"}

type staticConfig models.KnowledgeConfig

func (c staticConfig) Get() models.KnowledgeConfig { return models.KnowledgeConfig(c) }

var defaultKnowledge = staticConfig{MaxDocuments: 5, SimilarityThreshold: 0.3, MaxContextLength: 4000}

type recordingRetriever struct {
	mu      sync.Mutex
	queries []string
	results []retrieval.SearchResult
	err     error
	panic   bool
}

func (r *recordingRetriever) Search(_ context.Context, query string, _ int, _ float64) ([]retrieval.SearchResult, error) {
	r.mu.Lock()
	r.queries = append(r.queries, query)
	r.mu.Unlock()
	if r.panic {
		panic("index exploded")
	}
	return r.results, r.err
}

// scriptedModel answers the router with label, the refiner with refined and
// streams a reply that names the prompt it was given.
func scriptedModel(label, refined string) *llmtest.Fake {
	return &llmtest.Fake{
		InvokeFunc: func(msgs []llm.Message) (string, error) {
			switch llmtest.System(msgs) {
			case routerPrompt:
				return label, nil
			case refinePrompt:
				return refined, nil
			}
			return "", errors.New("unexpected invoke")
		},
		StreamFunc: func(msgs []llm.Message) (llmtest.Script, error) {
			system := llmtest.System(msgs)
			switch {
			case system == greetingPrompt:
				return llmtest.Script{Tokens: llmtest.Words("Hello! Ask me about the knowledge base.")}, nil
			case system == offTopicPrompt:
				return llmtest.Script{Tokens: llmtest.Words("Sorry, I can only help with the knowledge base.")}, nil
			case strings.Contains(system, "[1] "):
				return llmtest.Script{Tokens: llmtest.Words("Grounded answer [1].")}, nil
			default:
				return llmtest.Script{Tokens: llmtest.Words("Ungrounded answer.")}, nil
			}
		},
	}
}

type collector struct {
	tokens []string
}

func (c *collector) sink(tok string) { c.tokens = append(c.tokens, tok) }
func (c *collector) text() string    { return strings.Join(c.tokens, "") }

func newOrchestrator(gen llm.Generator, r Retriever) *Orchestrator {
	return NewOrchestrator(gen, r, defaultKnowledge, Options{
		Keywords:      testKeywords,
		RouterWindow:  4,
		HistoryWindow: 10,
	})
}

func TestParseIntent(t *testing.T) {
	tests := []struct {
		in   string
		want Intent
		ok   bool
	}{
		{"GREETING", IntentGreeting, true},
		{"knowledge", IntentKnowledge, true},
		{"Label: off-topic.", IntentOffTopic, true},
		{"off topic", IntentOffTopic, true},
		{"KNOWLEDGE, not GREETING", IntentKnowledge, true},
		{"I think GREETING or maybe KNOWLEDGE", IntentGreeting, true},
		{"not GREETING, KNOWLEDGE", IntentKnowledge, true},
		{"This isn't GREETING.\nKNOWLEDGE", IntentKnowledge, true},
		{"Greetings!", IntentGreeting, true},
		{"no idea", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseIntent(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("", ModeThinking)
	require.NoError(t, err)
	assert.Equal(t, ModeThinking, m)

	m, err = ParseMode(" FAST ", ModeThinking)
	require.NoError(t, err)
	assert.Equal(t, ModeFast, m)

	_, err = ParseMode("turbo", ModeThinking)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRouterKeywordOverride(t *testing.T) {
	gen := scriptedModel("GREETING", "")
	r := NewRouter(gen, testKeywords, 4)

	assert.Equal(t, IntentKnowledge, r.Classify(context.Background(), "Hi! What does the DOCUMENTATION say?", nil))
	assert.Equal(t, 0, gen.InvokeCount())

	assert.Equal(t, IntentGreeting, r.Classify(context.Background(), "hi there", nil))
	assert.Equal(t, 1, gen.InvokeCount())
}

func TestRouterFailures(t *testing.T) {
	failing := &llmtest.Fake{InvokeFunc: func([]llm.Message) (string, error) { return "", errors.New("down") }}
	r := NewRouter(failing, testKeywords, 4)

	assert.Equal(t, IntentOffTopic, r.Classify(context.Background(), "what is milvus", nil))
	assert.Equal(t, IntentKnowledge, r.Classify(context.Background(), "search the knowledge base", nil))

	garbled := NewRouter(scriptedModel("banana", ""), testKeywords, 4)
	assert.Equal(t, IntentOffTopic, garbled.Classify(context.Background(), "what is milvus", nil))
}

func TestRouterUsesHistoryWindow(t *testing.T) {
	gen := scriptedModel("KNOWLEDGE", "")
	r := NewRouter(gen, nil, 2)
	history := []llm.Message{llm.User("a"), llm.Assistant("b"), llm.User("c"), llm.Assistant("d")}

	r.Classify(context.Background(), "and then?", history)
	calls := gen.Calls()
	require.Len(t, calls, 1)
	msgs := calls[0].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "c", msgs[1].Content)
	assert.Equal(t, "d", msgs[2].Content)
	assert.Equal(t, "and then?", msgs[3].Content)
}

func TestRefiner(t *testing.T) {
	history := []llm.Message{llm.User("tell me about milvus"), llm.Assistant("Milvus is a vector database.")}
	ctx := context.Background()

	r := NewRefiner(scriptedModel("", "Query: \"milvus index types\"\nextra"), 4)
	assert.Equal(t, "milvus index types", r.Refine(ctx, "what index types does it have?", history))

	assert.Equal(t, "no history", r.Refine(ctx, "no history", nil))

	empty := NewRefiner(scriptedModel("", "   "), 4)
	assert.Equal(t, "original", empty.Refine(ctx, "original", history))

	failing := NewRefiner(&llmtest.Fake{InvokeFunc: func([]llm.Message) (string, error) { return "", errors.New("down") }}, 4)
	assert.Equal(t, "original", failing.Refine(ctx, "original", history))

	long := NewRefiner(scriptedModel("", strings.Repeat("x", maxRefinedRunes+1)), 4)
	assert.Equal(t, "original", long.Refine(ctx, "original", history))
}

func TestScenarioGreeting(t *testing.T) {
	retriever := &recordingRetriever{}
	o := newOrchestrator(scriptedModel("GREETING", ""), retriever)
	var out collector

	res, err := o.Run(context.Background(), Request{Query: "hello", Mode: ModeThinking}, out.sink)
	require.NoError(t, err)

	assert.Equal(t, IntentGreeting, res.Intent)
	assert.Equal(t, StateDone, res.State)
	assert.Empty(t, retriever.queries)
	assert.Empty(t, res.Sources)
	assert.NotEmpty(t, res.Answer)

	parsed := thinktag.ParseFinal(out.text())
	assert.Equal(t, res.Answer, parsed.Answer)
	require.Len(t, parsed.Segments, 1)
	assert.Contains(t, parsed.Segments[0], "Intent identified: GREETING")
	assert.Equal(t, out.text(), res.Transcript)
}

func TestScenarioKnowledge(t *testing.T) {
	ctx := context.Background()
	gw := retrieval.NewGateway(memory.NewVectorStore(), letterEmbedder{})
	docs := knowledge.NewService(gw, knowledge.NewConfigStore(models.KnowledgeConfig(defaultKnowledge), nil))
	doc, err := docs.Create(ctx, knowledge.DocumentInput{Title: "Milvus", Content: "Milvus is a vector database for similarity search."})
	require.NoError(t, err)

	o := newOrchestrator(scriptedModel("KNOWLEDGE", ""), gw)
	var out collector
	res, err := o.Run(ctx, Request{Query: "what is Milvus", Mode: ModeThinking}, out.sink)
	require.NoError(t, err)

	assert.Equal(t, IntentKnowledge, res.Intent)
	assert.Equal(t, StateDone, res.State)
	require.NotEmpty(t, res.Sources)
	assert.Equal(t, doc.ID, res.Sources[0].ID)
	assert.GreaterOrEqual(t, res.Sources[0].Similarity, defaultKnowledge.SimilarityThreshold)
	assert.Equal(t, "Grounded answer [1].", res.Answer)
	assert.Equal(t, "what is Milvus", res.RefinedQuery)

	assert.Equal(t, []string{
		"Analyzing the question...",
		"Intent identified: KNOWLEDGE",
		"Using the question as the search query.",
		"Searching the knowledge base...",
		"Found 1 relevant document(s): Milvus",
	}, res.Trace)

	text := out.text()
	assert.True(t, strings.HasPrefix(text, thinktag.OpenTag))
	closeAt := strings.Index(text, thinktag.CloseTag)
	answerAt := strings.Index(text, "Grounded")
	assert.Equal(t, closeAt+len(thinktag.CloseTag), answerAt, "trace closes right before the first answer token")
}

func TestScenarioOffTopic(t *testing.T) {
	retriever := &recordingRetriever{}
	o := newOrchestrator(scriptedModel("OFF_TOPIC", ""), retriever)
	var out collector

	res, err := o.Run(context.Background(), Request{Query: "write me a sorting algorithm"}, out.sink)
	require.NoError(t, err)

	assert.Equal(t, IntentOffTopic, res.Intent)
	assert.Empty(t, retriever.queries)
	assert.Contains(t, res.Answer, "Sorry, I can only help")
	assert.Equal(t, ModeThinking, res.Mode)
}

func TestKeywordForcesRetrieval(t *testing.T) {
	retriever := &recordingRetriever{}
	o := newOrchestrator(scriptedModel("GREETING", ""), retriever)

	res, err := o.Run(context.Background(), Request{Query: "hello, what is in the knowledge base?"}, nil)
	require.NoError(t, err)
	assert.Equal(t, IntentKnowledge, res.Intent)
	assert.Equal(t, []string{"hello, what is in the knowledge base?"}, retriever.queries)
	assert.Equal(t, "Ungrounded answer.", res.Answer)
}

func TestRefinedQueryIsSearched(t *testing.T) {
	retriever := &recordingRetriever{}
	o := newOrchestrator(scriptedModel("KNOWLEDGE", "milvus index types"), retriever)
	history := []llm.Message{llm.User("tell me about milvus"), llm.Assistant("It is a vector database.")}

	res, err := o.Run(context.Background(), Request{Query: "which indexes does it support?", History: history}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"milvus index types"}, retriever.queries)
	assert.Equal(t, "milvus index types", res.RefinedQuery)
	assert.Contains(t, res.Trace, "Refined search query: milvus index types")
}

func TestFastMode(t *testing.T) {
	retriever := &recordingRetriever{results: []retrieval.SearchResult{{ID: "d1", Title: "Doc", Text: "body", Similarity: 0.8}}}
	gen := scriptedModel("GREETING", "ignored")
	o := newOrchestrator(gen, retriever)
	var out collector

	res, err := o.Run(context.Background(), Request{Query: "hello", Mode: ModeFast}, out.sink)
	require.NoError(t, err)

	assert.Equal(t, 0, gen.InvokeCount())
	assert.Equal(t, []string{"hello"}, retriever.queries)
	assert.Equal(t, Intent(""), res.Intent)
	assert.Empty(t, res.Trace)
	assert.NotContains(t, out.text(), thinktag.OpenTag)
	assert.Equal(t, "Grounded answer [1].", res.Answer)
	assert.Equal(t, []models.Source{{ID: "d1", Title: "Doc", Similarity: 0.8}}, res.Sources)
}

func TestRetrievalFailureDegrades(t *testing.T) {
	retriever := &recordingRetriever{err: retrieval.ErrStoreNotReady}
	o := newOrchestrator(scriptedModel("KNOWLEDGE", ""), retriever)

	res, err := o.Run(context.Background(), Request{Query: "what is milvus"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Empty(t, res.Sources)
	assert.Equal(t, "Ungrounded answer.", res.Answer)
	assert.Contains(t, res.Trace, "No relevant documents found; answering without the knowledge base.")
}

func TestGenerationFailureApologizes(t *testing.T) {
	gen := scriptedModel("KNOWLEDGE", "")
	gen.StreamFunc = func([]llm.Message) (llmtest.Script, error) {
		return llmtest.Script{Tokens: []string{"Partial "}, Err: errors.New("connection reset")}, nil
	}
	o := NewOrchestrator(gen, &recordingRetriever{}, defaultKnowledge, Options{Apology: "Oops."})
	var out collector

	res, err := o.Run(context.Background(), Request{Query: "what is milvus"}, out.sink)
	require.NoError(t, err)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, "Oops.", res.Answer)
	require.Error(t, res.Err)

	parsed := thinktag.ParseFinal(out.text())
	assert.False(t, parsed.InsideReasoning)
	assert.True(t, strings.HasSuffix(parsed.Answer, "Oops."))
	assert.NotEmpty(t, res.Trace, "the emitted trace is kept")
}

func TestGenerationStartFailureClosesTrace(t *testing.T) {
	gen := scriptedModel("GREETING", "")
	gen.StreamFunc = func([]llm.Message) (llmtest.Script, error) {
		return llmtest.Script{}, errors.New("model offline")
	}
	o := newOrchestrator(gen, &recordingRetriever{})
	var out collector

	res, err := o.Run(context.Background(), Request{Query: "hello"}, out.sink)
	require.NoError(t, err)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, DefaultApology, res.Answer)

	parsed := thinktag.ParseFinal(out.text())
	assert.Equal(t, DefaultApology, parsed.Answer)
	assert.Len(t, parsed.Segments, 1)
}

func TestEmptyGenerationIsAnError(t *testing.T) {
	gen := scriptedModel("GREETING", "")
	gen.StreamFunc = func([]llm.Message) (llmtest.Script, error) {
		return llmtest.Script{Tokens: []string{"", "  "}}, nil
	}
	res, err := newOrchestrator(gen, &recordingRetriever{}).Run(context.Background(), Request{Query: "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateError, res.State)
	assert.ErrorIs(t, res.Err, llm.ErrGeneration)
}

func TestPanicIsRecovered(t *testing.T) {
	o := newOrchestrator(scriptedModel("KNOWLEDGE", ""), &recordingRetriever{panic: true})

	res, err := o.Run(context.Background(), Request{Query: "what is milvus"}, nil)
	require.NoError(t, err)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, DefaultApology, res.Answer)
}

func TestPanickingSinkIsNotCalledAgain(t *testing.T) {
	o := newOrchestrator(scriptedModel("GREETING", ""), &recordingRetriever{})

	calls := 0
	sink := func(string) {
		calls++
		panic("client went away")
	}

	var res *Result
	var err error
	require.NotPanics(t, func() {
		res, err = o.Run(context.Background(), Request{Query: "hello"}, sink)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateError, res.State)
	assert.Equal(t, DefaultApology, res.Answer)
	assert.Contains(t, res.Transcript, DefaultApology)
}

func TestValidation(t *testing.T) {
	o := newOrchestrator(scriptedModel("GREETING", ""), &recordingRetriever{})

	_, err := o.Run(context.Background(), Request{Query: "   "}, nil)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = o.Run(context.Background(), Request{Query: "hi", Mode: "turbo"}, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCancellationStopsEmission(t *testing.T) {
	gen := scriptedModel("GREETING", "")
	gen.StreamFunc = func([]llm.Message) (llmtest.Script, error) {
		return llmtest.Script{Tokens: []string{"one ", "two ", "three"}}, nil
	}
	o := newOrchestrator(gen, &recordingRetriever{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out collector
	sink := func(tok string) {
		out.sink(tok)
		if tok == "one " {
			cancel()
		}
	}

	res, err := o.Run(ctx, Request{Query: "hello"}, sink)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, StateError, res.State)
	assert.NotContains(t, out.text(), "two")
	assert.NotContains(t, out.text(), DefaultApology)
}

func TestGateSerializesTurns(t *testing.T) {
	gate := llm.NewGate(scriptedModel("GREETING", ""))
	o := newOrchestrator(gate, &recordingRetriever{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Run(context.Background(), Request{Query: "hello"}, nil)
			assert.NoError(t, err)
			assert.Equal(t, StateDone, res.State)
		}()
	}
	wg.Wait()
}

// letterEmbedder embeds text as letter frequencies.
type letterEmbedder struct{}

func (letterEmbedder) Ready() bool { return true }

func (letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
		}
	}
	return vec, nil
}

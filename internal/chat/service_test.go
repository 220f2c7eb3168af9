package chat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-agent/backend/internal/agent"
	"github.com/kb-agent/backend/internal/llm"
	"github.com/kb-agent/backend/internal/llm/llmtest"
	"github.com/kb-agent/backend/internal/retrieval"
	"github.com/kb-agent/backend/internal/storage/memory"
	"github.com/kb-agent/backend/internal/storage/models"
	"github.com/kb-agent/backend/internal/thinktag"
)

type noResults struct{}

func (noResults) Search(context.Context, string, int, float64) ([]retrieval.SearchResult, error) {
	return nil, nil
}

type fixedConfig struct{}

func (fixedConfig) Get() models.KnowledgeConfig {
	return models.KnowledgeConfig{MaxDocuments: 3, SimilarityThreshold: 0.3, MaxContextLength: 1000}
}

func newTestService(t *testing.T, gen *llmtest.Fake) (*Service, *memory.MessageStore) {
	t.Helper()
	store := memory.NewMessageStore()
	orch := agent.NewOrchestrator(gen, noResults{}, fixedConfig{}, agent.Options{RouterWindow: 4, HistoryWindow: 10})
	return NewService(store, store, orch, Config{HistoryWindow: 10}), store
}

func greetingModel() *llmtest.Fake {
	return &llmtest.Fake{
		InvokeFunc: func([]llm.Message) (string, error) { return "GREETING", nil },
		StreamFunc: func([]llm.Message) (llmtest.Script, error) {
			return llmtest.Script{Tokens: llmtest.Words("Hi there!")}, nil
		},
	}
}

func TestStreamPersistsBothMessages(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, greetingModel())

	var streamed strings.Builder
	resp, err := svc.Stream(ctx, StreamRequest{Query: "  hello  "}, func(tok string) { streamed.WriteString(tok) })
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID)
	assert.Equal(t, agent.IntentGreeting, resp.Result.Intent)

	msgs, err := svc.History(ctx, resp.SessionID, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, streamed.String(), msgs[1].Content)
	assert.Equal(t, "Hi there!", thinktag.ParseFinal(msgs[1].Content).Answer)

	turns, err := svc.Turns(ctx, resp.SessionID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "GREETING", turns[0].Intent)
	assert.Equal(t, "DONE", turns[0].State)
}

func TestStreamPassesVisibleHistory(t *testing.T) {
	ctx := context.Background()
	gen := greetingModel()
	svc, _ := newTestService(t, gen)

	first, err := svc.Stream(ctx, StreamRequest{Query: "hello"}, nil)
	require.NoError(t, err)
	_, err = svc.Stream(ctx, StreamRequest{SessionID: first.SessionID, Query: "hello again"}, nil)
	require.NoError(t, err)

	var routerCall []llm.Message
	for _, c := range gen.Calls() {
		if !c.Stream {
			routerCall = c.Messages
		}
	}
	require.Len(t, routerCall, 4)
	assert.Equal(t, llm.User("hello"), routerCall[1])
	assert.Equal(t, llm.Assistant("Hi there!"), routerCall[2])
	assert.Equal(t, llm.User("hello again"), routerCall[3])
}

func TestStreamValidation(t *testing.T) {
	svc, store := newTestService(t, greetingModel())
	ctx := context.Background()

	_, err := svc.Stream(ctx, StreamRequest{SessionID: "s", Query: " "}, nil)
	assert.ErrorIs(t, err, agent.ErrValidation)

	_, err = svc.Stream(ctx, StreamRequest{SessionID: "s", Query: "hi", Mode: "turbo"}, nil)
	assert.ErrorIs(t, err, agent.ErrValidation)

	_, err = svc.Stream(ctx, StreamRequest{SessionID: "s", Query: strings.Repeat("x", 5001)}, nil)
	assert.ErrorIs(t, err, agent.ErrValidation)

	msgs, err := store.List(ctx, "s", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "rejected requests store nothing")
}

func TestStreamGenerationFailureStoresApology(t *testing.T) {
	gen := greetingModel()
	gen.StreamFunc = func([]llm.Message) (llmtest.Script, error) { return llmtest.Script{}, errors.New("offline") }
	svc, _ := newTestService(t, gen)

	resp, err := svc.Stream(context.Background(), StreamRequest{SessionID: "s1", Query: "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, agent.StateError, resp.Result.State)

	msgs, err := svc.History(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, agent.DefaultApology, thinktag.ParseFinal(msgs[1].Content).Answer)
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, greetingModel())

	resp, err := svc.Stream(ctx, StreamRequest{SessionID: "s1", Query: "hello"}, nil)
	require.NoError(t, err)

	before, err := svc.History(ctx, resp.SessionID, 0)
	require.NoError(t, err)

	n, err := svc.Archive(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	after, err := svc.History(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, after)

	archived, err := svc.Archived(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, archived, 2)
	for i := range before {
		assert.Equal(t, before[i], archived[i].Message)
	}
}

func TestNewSessionID(t *testing.T) {
	assert.Equal(t, "abc", NewSessionID(" abc "))
	a, b := NewSessionID(""), NewSessionID("")
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestSessionSurvivesArchive(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, greetingModel())

	_, err := svc.Session(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = svc.Stream(ctx, StreamRequest{SessionID: "s1", Query: "hello"}, nil)
	require.NoError(t, err)

	_, err = svc.Archive(ctx, "s1")
	require.NoError(t, err)

	session, err := svc.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", session.ID)
}

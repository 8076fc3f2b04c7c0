package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"continuity-agent/internal/domain"
)

type fetchCall struct {
	userID  string
	exclude string
	since   time.Duration
	limit   int
}

type fakeRepo struct {
	history    []domain.Exchange
	historyErr error

	appended  []domain.Exchange
	appendErr error

	awaiting    bool
	awaitingErr error
	setErr      error

	fetchCalls []fetchCall
	setCalls   []bool
}

func (f *fakeRepo) FetchHistory(_ context.Context, userID, exclude string, since time.Duration, limit int) ([]domain.Exchange, error) {
	f.fetchCalls = append(f.fetchCalls, fetchCall{userID: userID, exclude: exclude, since: since, limit: limit})
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history, nil
}

func (f *fakeRepo) AppendExchange(_ context.Context, ex domain.Exchange) (string, error) {
	if f.appendErr != nil {
		return "", f.appendErr
	}
	f.appended = append(f.appended, ex)
	return "log-1", nil
}

func (f *fakeRepo) SetAwaitingChoice(_ context.Context, _ string, awaiting bool) error {
	f.setCalls = append(f.setCalls, awaiting)
	return f.setErr
}

func (f *fakeRepo) AwaitingChoice(_ context.Context, _ string) (bool, error) {
	return f.awaiting, f.awaitingErr
}

type chatCall struct {
	model  string
	system string
	user   string
}

type fakeLLM struct {
	reply string
	err   error
	calls []chatCall
}

func (f *fakeLLM) Chat(_ context.Context, model string, messages []domain.ChatMessage) (string, error) {
	call := chatCall{model: model}
	for _, m := range messages {
		switch m.Role {
		case "system":
			call.system = m.Content
		case "user":
			call.user = m.Content
		}
	}
	f.calls = append(f.calls, call)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type upsertCall struct {
	id   string
	text string
	meta domain.IndexMetadata
}

type fakeIndex struct {
	err   error
	calls []upsertCall
}

func (f *fakeIndex) Upsert(_ context.Context, id, text string, meta domain.IndexMetadata) error {
	f.calls = append(f.calls, upsertCall{id: id, text: text, meta: meta})
	return f.err
}

type fakeParams struct {
	values map[string]string
	err    error
	calls  []string
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	f.calls = append(f.calls, name)
	if f.err != nil {
		return "", f.err
	}
	return f.values[name], nil
}

type rateLimitError struct{ status int }

func (e *rateLimitError) Error() string       { return "upstream status" }
func (e *rateLimitError) HTTPStatusCode() int { return e.status }

func newTestService(t *testing.T, repo *fakeRepo, llm *fakeLLM, index *fakeIndex) *ChatService {
	t.Helper()
	params := &fakeParams{values: map[string]string{
		"/app/knowledge_base":      "internal tooling notes",
		"/app/config/openai_model": "gpt-4o-mini",
	}}
	s, err := NewChatService(repo, llm, index, params, "/app")
	require.NoError(t, err)
	return s
}

func priorThread(age time.Duration, n int) []domain.Exchange {
	// Most recent first, matching the repository contract.
	history := make([]domain.Exchange, 0, n)
	for i := 0; i < n; i++ {
		history = append(history, domain.Exchange{
			ConversationID: "conv-prior",
			UserID:         "user-1",
			Message:        "how do goroutines work",
			Reply:          "they are lightweight threads",
			Category:       domain.CategoryLearn,
			CreatedAt:      time.Now().Add(-age - time.Duration(i)*time.Minute),
		})
	}
	return history
}

func TestNewChatService_Validation(t *testing.T) {
	repo := &fakeRepo{}
	llm := &fakeLLM{}
	index := &fakeIndex{}
	params := &fakeParams{}

	_, err := NewChatService(nil, llm, index, params, "/app")
	require.Error(t, err)
	_, err = NewChatService(repo, nil, index, params, "/app")
	require.Error(t, err)
	_, err = NewChatService(repo, llm, nil, params, "/app")
	require.Error(t, err)
	_, err = NewChatService(repo, llm, index, nil, "/app")
	require.Error(t, err)
	_, err = NewChatService(repo, llm, index, params, "  ")
	require.Error(t, err)
}

func TestHandleTurn_EmptyMessage(t *testing.T) {
	s := newTestService(t, &fakeRepo{}, &fakeLLM{}, &fakeIndex{})

	_, err := s.HandleTurn(context.Background(), TurnInput{Message: "   "})

	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInvalidInput, ucErr.Code)
	require.Equal(t, "empty_message", ucErr.Reason)
}

func TestHandleTurn_AnonymousUserSkipsHistory(t *testing.T) {
	restore := newConversationID
	newConversationID = func() string { return "conv-new" }
	defer func() { newConversationID = restore }()

	repo := &fakeRepo{}
	llm := &fakeLLM{reply: "a mutex guards shared state"}
	index := &fakeIndex{}
	s := newTestService(t, repo, llm, index)

	out, err := s.HandleTurn(context.Background(), TurnInput{Message: "what is a mutex"})
	require.NoError(t, err)

	require.Empty(t, repo.fetchCalls)
	require.Equal(t, "a mutex guards shared state", out.Reply)
	require.Equal(t, domain.CategoryQuestion, out.Category)
	require.Equal(t, "log-1", out.LogID)
	require.Equal(t, "conv-new", out.ConversationID)

	require.Len(t, llm.calls, 1)
	require.Equal(t, "gpt-4o-mini", llm.calls[0].model)
	require.Contains(t, llm.calls[0].system, "internal tooling notes")
	require.NotContains(t, llm.calls[0].system, "previous conversation history")
	require.Equal(t, "what is a mutex", llm.calls[0].user)
}

func TestHandleTurn_OffersContinuationForRecentThread(t *testing.T) {
	repo := &fakeRepo{history: priorThread(2*time.Hour, 3)}
	llm := &fakeLLM{reply: "goroutines and scheduling"}
	index := &fakeIndex{}
	s := newTestService(t, repo, llm, index)

	out, err := s.HandleTurn(context.Background(), TurnInput{Message: "what is a mutex", UserID: "user-1"})
	require.NoError(t, err)

	require.Equal(t, domain.CategoryContinuationOffer, out.Category)
	require.Contains(t, out.Reply, "learning session with me 2 hours ago")
	require.Contains(t, out.Reply, "1. Continue the previous topic")
	require.Equal(t, []bool{true}, repo.setCalls)

	// The only completion call is the summarizer; the offer text is templated.
	require.Len(t, llm.calls, 1)
	require.Equal(t, summaryInstruction, llm.calls[0].system)

	require.Len(t, repo.fetchCalls, 1)
	require.Equal(t, offerLookback, repo.fetchCalls[0].since)
	require.Equal(t, offerHistoryLimit, repo.fetchCalls[0].limit)
	require.NotEmpty(t, repo.fetchCalls[0].exclude)

	require.Len(t, repo.appended, 1)
	require.Equal(t, domain.CategoryContinuationOffer, repo.appended[0].Category)
}

func TestHandleTurn_NoOfferWhenThreadTooSmall(t *testing.T) {
	repo := &fakeRepo{history: priorThread(2*time.Hour, 1)}
	llm := &fakeLLM{reply: "a mutex guards shared state"}
	s := newTestService(t, repo, llm, &fakeIndex{})

	out, err := s.HandleTurn(context.Background(), TurnInput{Message: "what is a mutex", UserID: "user-1"})
	require.NoError(t, err)

	require.Equal(t, domain.CategoryQuestion, out.Category)
	require.Empty(t, repo.setCalls)
}

func TestHandleTurn_NoOfferWhenThreadStale(t *testing.T) {
	repo := &fakeRepo{history: priorThread(30*time.Hour, 3)}
	llm := &fakeLLM{reply: "a mutex guards shared state"}
	s := newTestService(t, repo, llm, &fakeIndex{})

	out, err := s.HandleTurn(context.Background(), TurnInput{Message: "what is a mutex", UserID: "user-1"})
	require.NoError(t, err)

	require.Equal(t, domain.CategoryQuestion, out.Category)
	require.Empty(t, repo.setCalls)
}

func TestHandleTurn_ContinueChoiceResumesPriorThread(t *testing.T) {
	repo := &fakeRepo{history: priorThread(2*time.Hour, 3), awaiting: true}
	llm := &fakeLLM{reply: "picking up from goroutines"}
	s := newTestService(t, repo, llm, &fakeIndex{})

	out, err := s.HandleTurn(context.Background(), TurnInput{
		Message:        "yes, continue please",
		UserID:         "user-1",
		ConversationID: "conv-current",
	})
	require.NoError(t, err)

	// Flag was consumed: read once, cleared once.
	require.Equal(t, []bool{false}, repo.setCalls)

	require.Equal(t, "picking up from goroutines", out.Reply)
	// The resume decision keeps the classifier's label.
	require.Equal(t, domain.CategoryOther, out.Category)

	final := llm.calls[len(llm.calls)-1]
	require.Contains(t, final.system, "Continue from where the previous conversation left off.")
	require.Contains(t, final.system, "Previous conversation context:")
	require.Contains(t, final.system, "how do goroutines work")
}

func TestHandleTurn_FreshChoiceAnswersWithoutEnrichment(t *testing.T) {
	repo := &fakeRepo{history: priorThread(2*time.Hour, 3), awaiting: true}
	llm := &fakeLLM{reply: "sure, new topic"}
	s := newTestService(t, repo, llm, &fakeIndex{})

	out, err := s.HandleTurn(context.Background(), TurnInput{
		Message:        "start fresh",
		UserID:         "user-1",
		ConversationID: "conv-current",
	})
	require.NoError(t, err)

	require.Equal(t, []bool{false}, repo.setCalls)
	require.Empty(t, repo.fetchCalls)
	require.Len(t, llm.calls, 1)
	require.NotContains(t, llm.calls[0].system, "previous conversation history")
	require.Equal(t, "sure, new topic", out.Reply)
}

func TestHandleTurn_OngoingConversationUsesCompressedContext(t *testing.T) {
	repo := &fakeRepo{history: priorThread(time.Hour, 3)}
	llm := &fakeLLM{reply: "building on that"}
	s := newTestService(t, repo, llm, &fakeIndex{})

	_, err := s.HandleTurn(context.Background(), TurnInput{
		Message:        "and what about deadlocks",
		UserID:         "user-1",
		ConversationID: "conv-current",
	})
	require.NoError(t, err)

	require.Len(t, repo.fetchCalls, 1)
	require.Equal(t, ongoingHistoryLimit, repo.fetchCalls[0].limit)
	require.Equal(t, "conv-current", repo.fetchCalls[0].exclude)

	final := llm.calls[len(llm.calls)-1]
	require.Contains(t, final.system, "Previous conversation summary:")
	require.NotContains(t, final.system, "Previous conversation context:")
	require.Contains(t, final.system, "Conversation history:")
	require.Contains(t, final.system, "User (query 1): how do goroutines work")
}

func TestHandleTurn_HistoryFetchFailureDegradesToBasePrompt(t *testing.T) {
	repo := &fakeRepo{historyErr: errors.New("throttled")}
	llm := &fakeLLM{reply: "answered anyway"}
	s := newTestService(t, repo, llm, &fakeIndex{})

	out, err := s.HandleTurn(context.Background(), TurnInput{Message: "what is a mutex", UserID: "user-1"})
	require.NoError(t, err)
	require.Equal(t, "answered anyway", out.Reply)
	require.Equal(t, domain.CategoryQuestion, out.Category)
}

func TestHandleTurn_IndexFailureDoesNotFailTurn(t *testing.T) {
	repo := &fakeRepo{}
	llm := &fakeLLM{reply: "a mutex guards shared state"}
	index := &fakeIndex{err: errors.New("embedding timeout")}
	s := newTestService(t, repo, llm, index)

	out, err := s.HandleTurn(context.Background(), TurnInput{Message: "what is a mutex"})
	require.NoError(t, err)
	require.Equal(t, "log-1", out.LogID)
	require.Equal(t, "a mutex guards shared state", out.Reply)
	require.Len(t, index.calls, 1)
}

func TestHandleTurn_IndexesExchangeMetadata(t *testing.T) {
	repo := &fakeRepo{}
	llm := &fakeLLM{reply: "ok"}
	index := &fakeIndex{}
	s := newTestService(t, repo, llm, index)

	out, err := s.HandleTurn(context.Background(), TurnInput{
		Message:        "what is a mutex",
		UserID:         "user-1",
		ConversationID: "conv-current",
	})
	require.NoError(t, err)

	require.Len(t, index.calls, 1)
	require.Equal(t, out.LogID, index.calls[0].id)
	require.Equal(t, "what is a mutex", index.calls[0].text)
	require.Equal(t, domain.IndexMetadata{
		Category:       domain.CategoryQuestion,
		ConversationID: "conv-current",
		UserID:         "user-1",
	}, index.calls[0].meta)
}

func TestHandleTurn_RateLimitedCompletion(t *testing.T) {
	repo := &fakeRepo{}
	llm := &fakeLLM{err: &rateLimitError{status: 429}}
	s := newTestService(t, repo, llm, &fakeIndex{})

	_, err := s.HandleTurn(context.Background(), TurnInput{Message: "what is a mutex"})

	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorRateLimited, ucErr.Code)
	require.Equal(t, "openai_rate_limited", ucErr.Reason)
	require.Empty(t, repo.appended)
}

func TestHandleTurn_UpstreamCompletionError(t *testing.T) {
	llm := &fakeLLM{err: errors.New("connection reset")}
	s := newTestService(t, &fakeRepo{}, llm, &fakeIndex{})

	_, err := s.HandleTurn(context.Background(), TurnInput{Message: "what is a mutex"})

	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorUpstream, ucErr.Code)
	require.Equal(t, "openai_error", ucErr.Reason)
}

func TestHandleTurn_PersistenceFailure(t *testing.T) {
	repo := &fakeRepo{appendErr: errors.New("conditional check failed")}
	llm := &fakeLLM{reply: "ok"}
	s := newTestService(t, repo, llm, &fakeIndex{})

	_, err := s.HandleTurn(context.Background(), TurnInput{Message: "what is a mutex"})

	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInternal, ucErr.Code)
	require.Equal(t, "dynamodb_write_error", ucErr.Reason)
}

func TestHandleTurn_ConfigLoadFailure(t *testing.T) {
	params := &fakeParams{err: errors.New("access denied")}
	s, err := NewChatService(&fakeRepo{}, &fakeLLM{}, &fakeIndex{}, params, "/app")
	require.NoError(t, err)

	_, err = s.HandleTurn(context.Background(), TurnInput{Message: "hello"})

	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInternal, ucErr.Code)
	require.Equal(t, "ssm_load_error", ucErr.Reason)
}

func TestHandleTurn_ConfigLoadedOnce(t *testing.T) {
	params := &fakeParams{values: map[string]string{
		"/app/knowledge_base":      "kb",
		"/app/config/openai_model": "gpt-4o-mini",
	}}
	s, err := NewChatService(&fakeRepo{}, &fakeLLM{reply: "ok"}, &fakeIndex{}, params, "/app/")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.HandleTurn(context.Background(), TurnInput{Message: "hello there friend"})
		require.NoError(t, err)
	}
	require.Len(t, params.calls, 2)
	require.Equal(t, "/app/knowledge_base", params.calls[0])
}

func TestUserContext(t *testing.T) {
	repo := &fakeRepo{history: priorThread(2*time.Hour, 3)}
	llm := &fakeLLM{reply: "goroutines and scheduling"}
	s := newTestService(t, repo, llm, &fakeIndex{})

	summary, wouldOffer, err := s.UserContext(context.Background(), "user-1")
	require.NoError(t, err)
	require.True(t, wouldOffer)
	require.True(t, summary.HasContext)
	require.Equal(t, domain.CategoryLearn, summary.DominantCategory)
	require.Equal(t, 3, summary.MessageCount)
}

func TestUserContext_EmptyUserID(t *testing.T) {
	s := newTestService(t, &fakeRepo{}, &fakeLLM{}, &fakeIndex{})

	_, _, err := s.UserContext(context.Background(), " ")

	var ucErr *Error
	require.ErrorAs(t, err, &ucErr)
	require.Equal(t, ErrorInvalidInput, ucErr.Code)
	require.Equal(t, "empty_user_id", ucErr.Reason)
}

func TestUserContext_NoHistory(t *testing.T) {
	s := newTestService(t, &fakeRepo{}, &fakeLLM{}, &fakeIndex{})

	summary, wouldOffer, err := s.UserContext(context.Background(), "user-1")
	require.NoError(t, err)
	require.False(t, wouldOffer)
	require.False(t, summary.HasContext)
}

func TestRenderHistory_ReversesIntoOldestFirst(t *testing.T) {
	history := []domain.Exchange{
		{Message: "newest", Reply: "r3"},
		{Message: "middle", Reply: "r2"},
		{Message: "oldest", Reply: "r1"},
	}
	rendered := renderHistory(history)
	require.True(t, strings.Index(rendered, "oldest") < strings.Index(rendered, "middle"))
	require.True(t, strings.Index(rendered, "middle") < strings.Index(rendered, "newest"))
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"continuity-agent/internal/classify"
	"continuity-agent/internal/domain"
)

const (
	// Lookback window for prior-conversation retrieval.
	offerLookback       = 7 * 24 * time.Hour
	offerHistoryLimit   = 20
	ongoingHistoryLimit = 5
	minOfferExchanges   = 2
)

const summaryInstruction = "Analyze this conversation and provide a brief 1-2 sentence summary " +
	"of the main topic or area of discussion. Respond with just the summary, " +
	"focusing on the key topic or learning area."

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

// HistoryRepository persists exchanges and the per-user continuation flag.
// FetchHistory returns exchanges most recent first, within the lookback
// window, excluding the given conversation.
type HistoryRepository interface {
	FetchHistory(ctx context.Context, userID, excludeConversationID string, since time.Duration, limit int) ([]domain.Exchange, error)
	AppendExchange(ctx context.Context, ex domain.Exchange) (string, error)
	SetAwaitingChoice(ctx context.Context, userID string, awaiting bool) error
	AwaitingChoice(ctx context.Context, userID string) (bool, error)
}

// VectorIndex is fire-and-forget from the orchestrator's perspective.
type VectorIndex interface {
	Upsert(ctx context.Context, id, text string, meta domain.IndexMetadata) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// turnDecision records which path the orchestrator took; used only to pick
// the category label attached to the resulting exchange.
type turnDecision int

const (
	decisionFresh turnDecision = iota
	decisionOfferContinuation
	decisionResumePrior
)

func (d turnDecision) categoryFor(classified domain.Category) domain.Category {
	if d == decisionOfferContinuation {
		return domain.CategoryContinuationOffer
	}
	return classified
}

// ChatService is the turn orchestrator: per inbound message it decides
// between offering continuation, resuming a prior thread, and answering
// fresh, then persists and indexes the resulting exchange.
type ChatService struct {
	repo        HistoryRepository
	llm         LLMClient
	index       VectorIndex
	params      ParamGetter
	paramPrefix string
	analyzer    *ContextAnalyzer
	logger      *slog.Logger

	cacheMu       sync.RWMutex
	cacheLoaded   bool
	knowledgeBase string
	openaiModel   string
}

type TurnInput struct {
	Message        string
	UserID         string
	ConversationID string
}

type TurnOutput struct {
	Reply          string
	Category       domain.Category
	LogID          string
	ConversationID string
}

func NewChatService(repo HistoryRepository, llm LLMClient, index VectorIndex, params ParamGetter, paramPrefix string) (*ChatService, error) {
	if repo == nil {
		return nil, errors.New("usecase: history repository must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if index == nil {
		return nil, errors.New("usecase: vector index must not be nil")
	}
	if params == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	s := &ChatService{
		repo:        repo,
		llm:         llm,
		index:       index,
		params:      params,
		paramPrefix: paramPrefix,
		logger:      slog.Default(),
	}
	s.analyzer = NewContextAnalyzer(s.summarize, defaultRecencyThreshold, time.Now)
	return s, nil
}

// HandleTurn runs the per-turn decision tree. It fails only on empty input,
// a completion failure, or a persistence failure; every enrichment step
// degrades silently.
func (s *ChatService) HandleTurn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return TurnOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return TurnOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	userID := strings.TrimSpace(in.UserID)
	convID := strings.TrimSpace(in.ConversationID)
	isNew := convID == ""
	if isNew {
		convID = newConversationID()
	}

	classified := classify.Classify(message)
	decision := decisionFresh
	var reply string

	if isNew && userID != "" {
		if summary, ok := s.offerContext(ctx, userID, convID); ok {
			decision = decisionOfferContinuation
			reply = buildOffer(summary, message)
			if err := s.repo.SetAwaitingChoice(ctx, userID, true); err != nil {
				s.logger.Warn("failed to set continuation flag", "user_id", userID, "err", err)
			}
		}
	}

	if decision != decisionOfferContinuation {
		var err error
		decision, reply, err = s.freshTurn(ctx, message, userID, convID, isNew)
		if err != nil {
			return TurnOutput{}, err
		}
	}

	category := decision.categoryFor(classified)
	logID, err := s.repo.AppendExchange(ctx, domain.Exchange{
		ConversationID: convID,
		UserID:         userID,
		Message:        message,
		Reply:          reply,
		Category:       category,
	})
	if err != nil {
		return TurnOutput{}, newError(ErrorInternal, "dynamodb_write_error", err)
	}

	// Discoverability of past messages is not worth failing the turn.
	if err := s.index.Upsert(ctx, logID, message, domain.IndexMetadata{
		Category:       category,
		ConversationID: convID,
		UserID:         userID,
	}); err != nil {
		s.logger.Warn("vector index upsert failed", "log_id", logID, "err", err)
	}

	return TurnOutput{
		Reply:          reply,
		Category:       category,
		LogID:          logID,
		ConversationID: convID,
	}, nil
}

// UserContext reports the analyzer verdict for a user: what prior context
// exists and whether a new conversation would trigger a continuation offer.
func (s *ChatService) UserContext(ctx context.Context, userID string) (domain.ContextSummary, bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.ContextSummary{}, false, newError(ErrorInvalidInput, "empty_user_id", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return domain.ContextSummary{}, false, newError(ErrorInternal, "ssm_load_error", err)
	}
	history, err := s.repo.FetchHistory(ctx, userID, "", offerLookback, offerHistoryLimit)
	if err != nil {
		return domain.ContextSummary{}, false, newError(ErrorInternal, "dynamodb_history_error", err)
	}
	summary := s.analyzer.Analyze(ctx, history)
	wouldOffer := summary.HasContext && summary.IsRecent && summary.MessageCount >= minOfferExchanges
	return summary, wouldOffer, nil
}

// offerContext fetches the lookback history and decides whether the prior
// context justifies a continuation offer. Fetch failures skip the offer
// rather than failing the turn.
func (s *ChatService) offerContext(ctx context.Context, userID, convID string) (domain.ContextSummary, bool) {
	history, err := s.repo.FetchHistory(ctx, userID, convID, offerLookback, offerHistoryLimit)
	if err != nil {
		s.logger.Warn("history fetch for continuation offer failed", "user_id", userID, "err", err)
		return domain.ContextSummary{}, false
	}
	summary := s.analyzer.Analyze(ctx, history)
	if summary.HasContext && summary.IsRecent && summary.MessageCount >= minOfferExchanges {
		return summary, true
	}
	return domain.ContextSummary{}, false
}

// freshTurn handles every non-offer path: resuming a prior thread when the
// user accepted an offer, enriching an ongoing conversation with compressed
// context, or answering with the bare base prompt.
func (s *ChatService) freshTurn(ctx context.Context, message, userID, convID string, isNew bool) (turnDecision, string, error) {
	decision := decisionFresh
	prompt := s.basePrompt()

	if s.consumeAwaitingChoice(ctx, userID) {
		if classify.DetectIntent(message) == classify.IntentContinue {
			if summary := s.resumeContext(ctx, userID, convID); summary.HasContext {
				decision = decisionResumePrior
				prompt = composePrompt(message, "", &summary, s.resumePrompt(), true)
			}
		}
		// A fresh-start choice, or anything unrecognized, answers without
		// enrichment.
	} else if !isNew && userID != "" {
		history, err := s.repo.FetchHistory(ctx, userID, convID, offerLookback, ongoingHistoryLimit)
		if err != nil {
			s.logger.Warn("history fetch for ongoing context failed", "user_id", userID, "err", err)
		} else if len(history) > 0 {
			summary := s.analyzer.Analyze(ctx, history)
			if summary.HasContext {
				prompt = composePrompt(message, renderHistory(history), &summary, s.basePrompt(), false)
			}
		}
	}

	reply, err := s.llm.Chat(ctx, s.model(), []domain.ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: message},
	})
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return decision, "", newError(ErrorRateLimited, "openai_rate_limited", err)
		}
		return decision, "", newError(ErrorUpstream, "openai_error", err)
	}
	return decision, reply, nil
}

// consumeAwaitingChoice reports whether the user has an outstanding
// continuation offer, clearing the flag so it is evaluated exactly once.
func (s *ChatService) consumeAwaitingChoice(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	awaiting, err := s.repo.AwaitingChoice(ctx, userID)
	if err != nil {
		s.logger.Warn("continuation flag read failed", "user_id", userID, "err", err)
		return false
	}
	if !awaiting {
		return false
	}
	if err := s.repo.SetAwaitingChoice(ctx, userID, false); err != nil {
		s.logger.Warn("continuation flag clear failed", "user_id", userID, "err", err)
	}
	return true
}

func (s *ChatService) resumeContext(ctx context.Context, userID, convID string) domain.ContextSummary {
	history, err := s.repo.FetchHistory(ctx, userID, convID, offerLookback, offerHistoryLimit)
	if err != nil {
		s.logger.Warn("history fetch for resume failed", "user_id", userID, "err", err)
		return domain.ContextSummary{}
	}
	return s.analyzer.Analyze(ctx, history)
}

// renderHistory formats fetched exchanges (most recent first) through the
// bounded conversation memory, oldest first.
func renderHistory(history []domain.Exchange) string {
	mem := NewConversationMemory(defaultMemoryPairs)
	for i := len(history) - 1; i >= 0; i-- {
		mem.AddTurn(history[i].Message, history[i].Reply)
	}
	return mem.Render()
}

func (s *ChatService) summarize(ctx context.Context, conversationText string) (string, error) {
	return s.llm.Chat(ctx, s.model(), []domain.ChatMessage{
		{Role: "system", Content: summaryInstruction},
		{Role: "user", Content: conversationText},
	})
}

func (s *ChatService) basePrompt() string {
	return promptTemplate{
		Role:          assistantRole,
		Rules:         assistantRules,
		KnowledgeBase: s.knowledgeBase,
	}.Render()
}

func (s *ChatService) resumePrompt() string {
	return promptTemplate{
		Role:          resumeRole,
		Rules:         assistantRules,
		KnowledgeBase: s.knowledgeBase,
	}.Render()
}

func (s *ChatService) model() string {
	return s.openaiModel
}

func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	knowledgeBase, err := s.params.GetParameter(ctx, s.paramPrefix+"/knowledge_base")
	if err != nil {
		return fmt.Errorf("usecase: load knowledge base: %w", err)
	}
	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}

	s.knowledgeBase = knowledgeBase
	s.openaiModel = model
	s.cacheLoaded = true
	return nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newConversationID = func() string {
	return uuid.NewString()
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"continuity-agent/internal/domain"
	"continuity-agent/internal/usecase"
)

// TurnService is the slice of the chat usecase the handler needs.
type TurnService interface {
	HandleTurn(ctx context.Context, in usecase.TurnInput) (usecase.TurnOutput, error)
	UserContext(ctx context.Context, userID string) (domain.ContextSummary, bool, error)
}

type Handler struct {
	service TurnService
}

func NewHandler(service TurnService) (*Handler, error) {
	if service == nil {
		return nil, errors.New("handler: turn service must not be nil")
	}
	return &Handler{service: service}, nil
}

type chatRequest struct {
	Message        string `json:"message"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

type chatResponse struct {
	Reply          string `json:"reply"`
	Category       string `json:"category"`
	LogID          string `json:"logId"`
	ConversationID string `json:"conversationId"`
}

type contextResponse struct {
	ShouldOfferContinuation bool            `json:"shouldOfferContinuation"`
	Context                 *contextPayload `json:"context"`
}

type contextPayload struct {
	IsRecent         bool   `json:"isRecent"`
	LastActivity     string `json:"lastActivity"`
	TimeSinceLast    string `json:"timeSinceLast"`
	DominantCategory string `json:"dominantCategory"`
	MessageCount     int    `json:"messageCount"`
	Summary          string `json:"summary"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Handle routes API Gateway proxy events: POST /chat runs a turn, GET
// /context/{userId} exposes the analyzer verdict for debugging.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := correlationID(event.Headers)

	if event.HTTPMethod == http.MethodGet && strings.HasPrefix(event.Path, "/context/") {
		return h.handleContext(ctx, event, correlationID), nil
	}
	return h.handleChat(ctx, event, correlationID), nil
}

func (h *Handler) handleChat(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	var req chatRequest
	if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
		return errorResult(http.StatusBadRequest, usecase.ErrorInvalidInput, "malformed_body", correlationID)
	}

	out, err := h.service.HandleTurn(ctx, usecase.TurnInput{
		Message:        req.Message,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		return errorResultFor(err, correlationID)
	}

	return jsonResult(http.StatusOK, chatResponse{
		Reply:          out.Reply,
		Category:       string(out.Category),
		LogID:          out.LogID,
		ConversationID: out.ConversationID,
	}, correlationID)
}

func (h *Handler) handleContext(ctx context.Context, event events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	userID := strings.TrimPrefix(event.Path, "/context/")

	summary, wouldOffer, err := h.service.UserContext(ctx, userID)
	if err != nil {
		return errorResultFor(err, correlationID)
	}

	resp := contextResponse{ShouldOfferContinuation: wouldOffer}
	if summary.HasContext {
		resp.Context = &contextPayload{
			IsRecent:         summary.IsRecent,
			LastActivity:     summary.LastActivity.UTC().Format(time.RFC3339),
			TimeSinceLast:    summary.TimeSinceLast.Round(time.Second).String(),
			DominantCategory: string(summary.DominantCategory),
			MessageCount:     summary.MessageCount,
			Summary:          summary.Summary,
		}
	}
	return jsonResult(http.StatusOK, resp, correlationID)
}

func errorResultFor(err error, correlationID string) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return errorResult(http.StatusInternalServerError, usecase.ErrorInternal, "unexpected_error", correlationID)
	}
	return errorResult(statusFor(ucErr.Code), ucErr.Code, ucErr.Reason, correlationID)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func jsonResult(status int, body any, correlationID string) events.APIGatewayProxyResponse {
	encoded, err := json.Marshal(body)
	if err != nil {
		return errorResult(http.StatusInternalServerError, usecase.ErrorInternal, "encode_error", correlationID)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       string(encoded),
	}
}

func errorResult(status int, code usecase.ErrorCode, reason, correlationID string) events.APIGatewayProxyResponse {
	encoded, _ := json.Marshal(errorResponse{Error: string(code), Reason: reason})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       string(encoded),
	}
}

func responseHeaders(correlationID string) map[string]string {
	return map[string]string{
		"Content-Type":     "application/json",
		"X-Correlation-Id": correlationID,
	}
}

// correlationID returns the caller-provided correlation id (header lookup
// is case-insensitive) or generates one.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "X-Correlation-Id") && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return uuid.NewString()
}

// Command local runs the chat service as a plain HTTP server for
// development, wrapping the same Lambda handler the deployed function uses.
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"continuity-agent/handler"
	"continuity-agent/internal/integrations/openai"
	"continuity-agent/internal/integrations/paramstore"
	"continuity-agent/internal/integrations/vectorindex"
	"continuity-agent/internal/repository"
	"continuity-agent/internal/usecase"
)

func main() {
	// Missing .env is fine; the variables may already be exported.
	_ = godotenv.Load()

	ctx := context.Background()

	stateTable := mustEnv("STATE_TABLE")
	vectorTable := mustEnv("VECTOR_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	embeddingModel := envStr("EMBEDDING_MODEL", "text-embedding-3-small")
	addr := envStr("LISTEN_ADDR", ":8080")

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	dynamoClient := awsdynamodb.NewFromConfig(cfg)
	historyClient, err := repository.New(dynamoClient, stateTable)
	if err != nil {
		slog.Error("failed to create history client", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	index, err := vectorindex.New(dynamoClient, vectorTable, openaiClient, embeddingModel)
	if err != nil {
		slog.Error("failed to create vector index", "err", err)
		os.Exit(1)
	}
	chatService, err := usecase.NewChatService(historyClient, openaiClient, index, ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewHandler(chatService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	slog.Info("listening", "addr", addr)
	if err := http.ListenAndServe(addr, proxy(h)); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

// proxy adapts plain HTTP requests to the API Gateway event shape so both
// entrypoints share one handler.
func proxy(h *handler.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		headers := make(map[string]string, len(r.Header))
		for k := range r.Header {
			headers[k] = r.Header.Get(k)
		}

		resp, err := h.Handle(r.Context(), events.APIGatewayProxyRequest{
			HTTPMethod: r.Method,
			Path:       r.URL.Path,
			Headers:    headers,
			Body:       string(body),
		})
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.WriteString(w, resp.Body)
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envStr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

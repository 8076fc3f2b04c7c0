package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"continuity-agent/internal/domain"
)

const (
	// All embeddings share one partition; volume here is one item per chat
	// turn, well under a partition's practical limits.
	embeddingPK = "EMB"
	skPrefixDoc = "DOC#"

	documentTTL = 30 * 24 * time.Hour
)

type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Embedder turns text into an embedding vector for the given model.
type Embedder interface {
	Embed(ctx context.Context, model, input string) ([]float64, error)
}

// Match is a similarity search hit.
type Match struct {
	ID         string
	Text       string
	Metadata   domain.IndexMetadata
	Similarity float64
}

// Index stores message embeddings in DynamoDB and ranks similarity
// client-side with cosine distance.
type Index struct {
	api       dynamodbAPI
	tableName string
	embedder  Embedder
	model     string
}

func New(api dynamodbAPI, tableName string, embedder Embedder, model string) (*Index, error) {
	if api == nil {
		return nil, errors.New("vectorindex: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("vectorindex: table name must not be empty")
	}
	if embedder == nil {
		return nil, errors.New("vectorindex: embedder must not be nil")
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("vectorindex: embedding model must not be empty")
	}
	return &Index{api: api, tableName: tableName, embedder: embedder, model: model}, nil
}

// Upsert embeds the text and writes the document. Replaces any previous
// document with the same id.
func (x *Index) Upsert(ctx context.Context, id, text string, meta domain.IndexMetadata) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("vectorindex: Upsert: id is required")
	}
	vec, err := x.embedder.Embed(ctx, x.model, text)
	if err != nil {
		return fmt.Errorf("vectorindex: Upsert embed: %w", err)
	}
	encoded, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("vectorindex: Upsert encode vector: %w", err)
	}

	_, err = x.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(x.tableName),
		Item: map[string]types.AttributeValue{
			"PK":             &types.AttributeValueMemberS{Value: embeddingPK},
			"SK":             &types.AttributeValueMemberS{Value: skPrefixDoc + id},
			"text":           &types.AttributeValueMemberS{Value: text},
			"embedding":      &types.AttributeValueMemberS{Value: string(encoded)},
			"category":       &types.AttributeValueMemberS{Value: string(meta.Category)},
			"conversationId": &types.AttributeValueMemberS{Value: meta.ConversationID},
			"userId":         &types.AttributeValueMemberS{Value: meta.UserID},
			"ttl":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Add(documentTTL).Unix())},
		},
	})
	if err != nil {
		return fmt.Errorf("vectorindex: Upsert put: %w", err)
	}
	return nil
}

// QuerySimilar embeds the query text and returns the n most similar
// documents by cosine similarity.
func (x *Index) QuerySimilar(ctx context.Context, text string, n int) ([]Match, error) {
	if n <= 0 {
		n = 5
	}
	queryVec, err := x.embedder.Embed(ctx, x.model, text)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: QuerySimilar embed: %w", err)
	}

	out, err := x.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(x.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: embeddingPK},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixDoc},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("vectorindex: QuerySimilar query: %w", err)
	}

	matches := make([]Match, 0, len(out.Items))
	for _, item := range out.Items {
		m, vec, err := itemToMatch(item)
		if err != nil {
			return nil, fmt.Errorf("vectorindex: QuerySimilar unmarshal: %w", err)
		}
		m.Similarity = cosineSimilarity(queryVec, vec)
		matches = append(matches, m)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches, nil
}

func itemToMatch(item map[string]types.AttributeValue) (Match, []float64, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return Match{}, nil, err
	}
	text, err := strAttr(item, "text")
	if err != nil {
		return Match{}, nil, err
	}
	encoded, err := strAttr(item, "embedding")
	if err != nil {
		return Match{}, nil, err
	}
	var vec []float64
	if err := json.Unmarshal([]byte(encoded), &vec); err != nil {
		return Match{}, nil, fmt.Errorf("vectorindex: decode vector: %w", err)
	}
	category, _ := strAttr(item, "category")
	conversationID, _ := strAttr(item, "conversationId")
	userID, _ := strAttr(item, "userId")

	return Match{
		ID:   strings.TrimPrefix(sk, skPrefixDoc),
		Text: text,
		Metadata: domain.IndexMetadata{
			Category:       domain.Category(category),
			ConversationID: conversationID,
			UserID:         userID,
		},
	}, vec, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("vectorindex: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("vectorindex: attribute %q is not a string", key)
	}
	return s.Value, nil
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"continuity-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skSession   = "SESSION#"

	exchangeTTL = 30 * 24 * time.Hour
	// The session flag only needs to outlive one offer/answer round trip.
	sessionTTL = time.Hour
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client wraps a DynamoDB table holding exchanges and per-user session
// state.
type Client struct {
	api       dynamodbAPI
	tableName string
}

func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// userPK returns the partition key for a known user's exchanges.
func userPK(userID string) string {
	return "USER#" + userID
}

// convPK keys anonymous exchanges by conversation instead.
func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

func msgSK(ts time.Time) string {
	return skPrefixMsg + ts.UTC().Format(time.RFC3339Nano)
}

// FetchHistory returns a user's exchanges within the lookback window, most
// recent first, excluding the given conversation. The limit bounds the page
// DynamoDB examines; the window and exclusion filters run server-side on
// that page.
func (c *Client) FetchHistory(ctx context.Context, userID, excludeConversationID string, since time.Duration, limit int) ([]domain.Exchange, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("repository: FetchHistory: user id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	cutoff := time.Now().UTC().Add(-since).Format(time.RFC3339Nano)
	filter := "createdAt >= :cutoff"
	values := map[string]types.AttributeValue{
		":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
		":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		":cutoff": &types.AttributeValueMemberS{Value: cutoff},
	}
	if excludeConversationID != "" {
		filter += " AND conversationId <> :exclude"
		values[":exclude"] = &types.AttributeValueMemberS{Value: excludeConversationID}
	}

	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(c.tableName),
		KeyConditionExpression:    aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:          aws.String(filter),
		ExpressionAttributeValues: values,
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: FetchHistory query: %w", err)
	}

	exchanges := make([]domain.Exchange, 0, len(out.Items))
	for _, item := range out.Items {
		ex, err := itemToExchange(item)
		if err != nil {
			return nil, fmt.Errorf("repository: FetchHistory unmarshal: %w", err)
		}
		exchanges = append(exchanges, ex)
	}
	return exchanges, nil
}

// AppendExchange persists a completed exchange and returns its generated id.
func (c *Client) AppendExchange(ctx context.Context, ex domain.Exchange) (string, error) {
	if strings.TrimSpace(ex.ConversationID) == "" {
		return "", errors.New("repository: AppendExchange: conversation id is required")
	}
	if strings.TrimSpace(ex.Message) == "" {
		return "", errors.New("repository: AppendExchange: message is required")
	}

	ex = completeExchange(ex)
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                exchangeItem(ex),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if err != nil {
		return "", fmt.Errorf("repository: AppendExchange: %w", err)
	}
	return ex.ID, nil
}

// SetAwaitingChoice records whether the user has an unanswered continuation
// offer.
func (c *Client) SetAwaitingChoice(ctx context.Context, userID string, awaiting bool) error {
	if strings.TrimSpace(userID) == "" {
		return errors.New("repository: SetAwaitingChoice: user id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":             &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK":             &types.AttributeValueMemberS{Value: skSession},
			"awaitingChoice": &types.AttributeValueMemberBOOL{Value: awaiting},
			"ttl":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Add(sessionTTL).Unix())},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetAwaitingChoice: %w", err)
	}
	return nil
}

// AwaitingChoice reports the continuation flag; a missing session item
// means no offer is outstanding.
func (c *Client) AwaitingChoice(ctx context.Context, userID string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, errors.New("repository: AwaitingChoice: user id is required")
	}
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(userID)},
			"SK": &types.AttributeValueMemberS{Value: skSession},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: AwaitingChoice get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return false, nil
	}
	v, ok := out.Item["awaitingChoice"]
	if !ok {
		return false, nil
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, errors.New("repository: AwaitingChoice: awaitingChoice is not a bool")
	}
	return b.Value, nil
}

// completeExchange fills keys, id, and timestamps on a caller-built
// exchange. Anonymous exchanges are keyed by conversation so they are never
// swept into another user's history.
func completeExchange(ex domain.Exchange) domain.Exchange {
	now := time.Now().UTC()
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = now
	}
	if ex.UserID != "" {
		ex.PK = userPK(ex.UserID)
	} else {
		ex.PK = convPK(ex.ConversationID)
	}
	ex.SK = msgSK(ex.CreatedAt)
	ex.TTL = now.Add(exchangeTTL).Unix()
	return ex
}

func exchangeItem(ex domain.Exchange) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: ex.PK},
		"SK":             &types.AttributeValueMemberS{Value: ex.SK},
		"id":             &types.AttributeValueMemberS{Value: ex.ID},
		"conversationId": &types.AttributeValueMemberS{Value: ex.ConversationID},
		"userId":         &types.AttributeValueMemberS{Value: ex.UserID},
		"message":        &types.AttributeValueMemberS{Value: ex.Message},
		"reply":          &types.AttributeValueMemberS{Value: ex.Reply},
		"category":       &types.AttributeValueMemberS{Value: string(ex.Category)},
		"createdAt":      &types.AttributeValueMemberS{Value: ex.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"ttl":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", ex.TTL)},
	}
}

func itemToExchange(item map[string]types.AttributeValue) (domain.Exchange, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Exchange{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Exchange{}, err
	}
	message, err := strAttr(item, "message")
	if err != nil {
		return domain.Exchange{}, err
	}
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Exchange{}, err
	}
	createdAtRaw, err := strAttr(item, "createdAt")
	if err != nil {
		return domain.Exchange{}, err
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtRaw)
	if err != nil {
		return domain.Exchange{}, fmt.Errorf("repository: parse createdAt: %w", err)
	}
	id, _ := strAttr(item, "id")           // allow empty
	userID, _ := strAttr(item, "userId")   // allow empty
	reply, _ := strAttr(item, "reply")     // allow empty
	category, _ := strAttr(item, "category")

	return domain.Exchange{
		PK:             pk,
		SK:             sk,
		ID:             id,
		ConversationID: conversationID,
		UserID:         userID,
		Message:        message,
		Reply:          reply,
		Category:       domain.Category(category),
		CreatedAt:      createdAt,
	}, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDB key layout. All delivered ids for one (channel, category) share a
// partition; the sort key zero-pads the numeric id so lexical order matches
// message order and a descending query returns the most recent first.
const (
	pkChannel  = "CHANNEL#"
	pkCategory = "#CATEGORY#"
	skMessage  = "MSG#"
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// deliveredItem is the stored record. Keys and TTL are set separately.
type deliveredItem struct {
	Channel     string `dynamodbav:"channel"`
	Category    string `dynamodbav:"category"`
	MessageID   string `dynamodbav:"messageId"`
	DeliveredAt int64  `dynamodbav:"deliveredAt"`
}

// DynamoStore implements Store on a DynamoDB table with PK/SK string keys
// and a TTL attribute named expiresAt.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	ttl       time.Duration
}

// Compile-time interface check.
var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore. ttl <= 0 uses DefaultTTL.
func NewDynamoStore(client DynamoAPI, tableName string, ttl time.Duration) *DynamoStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &DynamoStore{client: client, tableName: tableName, ttl: ttl}
}

func partitionKey(channel, category string) string {
	return pkChannel + channel + pkCategory + category
}

// sortKey zero-pads numeric ids to 20 digits; non-numeric ids are used as-is.
func sortKey(messageID string) string {
	if n, err := strconv.ParseUint(messageID, 10, 64); err == nil {
		return fmt.Sprintf("%s%020d", skMessage, n)
	}
	return skMessage + messageID
}

// Recent queries the partition in descending sort-key order, paging until
// limit ids are collected or the partition is exhausted.
func (s *DynamoStore) Recent(ctx context.Context, channel, category string, limit int) ([]string, error) {
	pk := partitionKey(channel, category)
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
			":sk": &types.AttributeValueMemberS{Value: skMessage},
		},
		ProjectionExpression: aws.String("messageId"),
		ScanIndexForward:     aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}

	var ids []string
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s: %w", pk, err)
		}
		var items []deliveredItem
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal PK=%s: %w", pk, err)
		}
		for _, item := range items {
			ids = append(ids, item.MessageID)
			if limit > 0 && len(ids) >= limit {
				return ids, nil
			}
		}
		if result.LastEvaluatedKey == nil {
			return ids, nil
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
}

// Put writes the delivered record with PK, SK, and an expiresAt TTL.
func (s *DynamoStore) Put(ctx context.Context, entry Entry) error {
	item, err := attributevalue.MarshalMap(deliveredItem{
		Channel:     entry.Channel,
		Category:    entry.Category,
		MessageID:   entry.MessageID,
		DeliveredAt: entry.DeliveredAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	pk := partitionKey(entry.Channel, entry.Category)
	sk := sortKey(entry.MessageID)
	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(entry.DeliveredAt.Add(s.ttl).Unix(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/fpang/channel-relay/internal/retry"
)

// DynamoDB key layout. The journal lives in a single partition of the
// dedup table; post volume is bounded by the retention TTL.
const (
	pkJournal = "JOURNAL#TELEGRAM"
	skPost    = "POST#"

	// batchSize is the BatchWriteItem request limit.
	batchSize = 25

	// maxBatchAttempts bounds retries of unprocessed batch items.
	maxBatchAttempts = 5
)

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// postItem is the stored record. Keys and TTL are set separately.
type postItem struct {
	Chat      string `dynamodbav:"chat"`
	Username  string `dynamodbav:"username"`
	MessageID int64  `dynamodbav:"messageId"`
	PostedAt  int64  `dynamodbav:"postedAt"`
	Body      string `dynamodbav:"body"`
}

// DynamoStore implements Store on the relay's DynamoDB table.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
	retention time.Duration
	backoff   retry.Backoff
	now       func() time.Time
}

// Compile-time interface check.
var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore. retention <= 0 uses DefaultRetention.
func NewDynamoStore(client DynamoAPI, tableName string, retention time.Duration) *DynamoStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		retention: retention,
		backoff:   retry.Fixed(200 * time.Millisecond),
		now:       time.Now,
	}
}

func postSortKey(chat string, id int64) string {
	return fmt.Sprintf("%s%s#%020d", skPost, chat, id)
}

// Load queries the journal partition. TTL deletion lags, so expired items
// are filtered out explicitly.
func (s *DynamoStore) Load(ctx context.Context) ([]Post, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :sk)"),
		FilterExpression:       aws.String("expiresAt > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":  &types.AttributeValueMemberS{Value: pkJournal},
			":sk":  &types.AttributeValueMemberS{Value: skPost},
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(s.now().Unix(), 10)},
		},
		ConsistentRead: aws.Bool(true),
	}

	var posts []Post
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s: %w", pkJournal, err)
		}
		var items []postItem
		if err := attributevalue.UnmarshalListOfMaps(result.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal PK=%s: %w", pkJournal, err)
		}
		for _, item := range items {
			p := Post{Chat: item.Chat, Username: item.Username}
			if err := json.Unmarshal([]byte(item.Body), &p.Message); err != nil {
				return nil, fmt.Errorf("decode journal post %s/%d: %w", item.Chat, item.MessageID, err)
			}
			posts = append(posts, p)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	Sort(posts)
	return posts, nil
}

// Save writes posts in BatchWriteItem chunks, resubmitting unprocessed items.
func (s *DynamoStore) Save(ctx context.Context, posts []Post) error {
	requests := make([]types.WriteRequest, 0, len(posts))
	for _, p := range posts {
		item, err := s.marshal(p)
		if err != nil {
			return err
		}
		requests = append(requests, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}

	for start := 0; start < len(requests); start += batchSize {
		end := min(start+batchSize, len(requests))
		if err := s.writeBatch(ctx, requests[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoStore) marshal(p Post) (map[string]types.AttributeValue, error) {
	body, err := json.Marshal(p.Message)
	if err != nil {
		return nil, fmt.Errorf("encode journal post %d: %w", p.Message.ID, err)
	}
	item, err := attributevalue.MarshalMap(postItem{
		Chat:      p.Chat,
		Username:  p.Username,
		MessageID: p.Message.ID,
		PostedAt:  p.Message.Timestamp.Unix(),
		Body:      string(body),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	item["PK"] = &types.AttributeValueMemberS{Value: pkJournal}
	item["SK"] = &types.AttributeValueMemberS{Value: postSortKey(p.Chat, p.Message.ID)}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(p.Message.Timestamp.Add(s.retention).Unix(), 10)}
	return item, nil
}

func (s *DynamoStore) writeBatch(ctx context.Context, batch []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{s.tableName: batch}
	for attempt := 1; ; attempt++ {
		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return fmt.Errorf("BatchWriteItem PK=%s: %w", pkJournal, err)
		}
		left := len(out.UnprocessedItems[s.tableName])
		if left == 0 {
			return nil
		}
		if attempt >= maxBatchAttempts {
			return fmt.Errorf("BatchWriteItem PK=%s: %d items unprocessed after %d attempts", pkJournal, left, attempt)
		}
		log.Debug().Int("unprocessed", left).Int("attempt", attempt).Msg("Retrying unprocessed journal items")
		if err := retry.Sleep(ctx, s.backoff(attempt)); err != nil {
			return err
		}
		pending = out.UnprocessedItems
	}
}

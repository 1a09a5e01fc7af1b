package dedup

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type failingStore struct{ err error }

func (f failingStore) Recent(context.Context, string, string, int) ([]string, error) {
	return nil, f.err
}

func (f failingStore) Put(context.Context, Entry) error { return f.err }

func TestMinLimit(t *testing.T) {
	if MinLimit(50) != 100 {
		t.Errorf("expected 100, got %d", MinLimit(50))
	}
}

func TestCache_LoadFailureIsEmpty(t *testing.T) {
	c := NewCache(failingStore{err: errors.New("table missing")})
	idx := c.Load(context.Background(), "100", "BrandA", 10)
	if idx == nil || len(idx) != 0 {
		t.Errorf("expected empty non-nil index, got %v", idx)
	}
	c.Remember(context.Background(), "100", "BrandA", "1") // logged, not returned
}

func TestCache_NilStore(t *testing.T) {
	c := NewCache(nil)
	if idx := c.Load(context.Background(), "a", "b", 5); len(idx) != 0 {
		t.Errorf("expected empty index")
	}
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sub", "dedup.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	for i := 1; i <= 5; i++ {
		err := store.Put(ctx, Entry{Channel: "100", Category: "BrandA", MessageID: strconv.Itoa(i), DeliveredAt: base.Add(time.Duration(i) * time.Minute)})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	// Same id again is idempotent.
	if err := store.Put(ctx, Entry{Channel: "100", Category: "BrandA", MessageID: "5", DeliveredAt: base.Add(time.Hour)}); err != nil {
		t.Fatalf("Put duplicate: %v", err)
	}
	if err := store.Put(ctx, Entry{Channel: "100", Category: "BrandB", MessageID: "99", DeliveredAt: base}); err != nil {
		t.Fatal(err)
	}

	ids, err := store.Recent(ctx, "100", "BrandA", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	want := []string{"5", "4", "3"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %s, want %s", i, ids[i], want[i])
		}
	}

	c := NewCache(store)
	idx := c.Load(ctx, "100", "BrandB", 10)
	if !idx.Contains("99") || idx.Contains("5") {
		t.Errorf("index must be scoped by category: %v", idx)
	}
}

// fakeDynamo stores items per partition and answers descending queries.
type fakeDynamo struct {
	items    []map[string]types.AttributeValue
	queryErr error
	lastQ    *dynamodb.QueryInput
	pageSize int
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.items = append([]map[string]types.AttributeValue{in.Item}, f.items...)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.lastQ = in
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	pk := in.ExpressionAttributeValues[":pk"].(*types.AttributeValueMemberS).Value
	var matched []map[string]types.AttributeValue
	for _, item := range f.items {
		if item["PK"].(*types.AttributeValueMemberS).Value == pk {
			matched = append(matched, item)
		}
	}
	start := 0
	if in.ExclusiveStartKey != nil {
		start, _ = strconv.Atoi(in.ExclusiveStartKey["offset"].(*types.AttributeValueMemberN).Value)
	}
	end := len(matched)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}
	out := &dynamodb.QueryOutput{Items: matched[start:end]}
	if end < len(matched) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"offset": &types.AttributeValueMemberN{Value: strconv.Itoa(end)}}
	}
	return out, nil
}

func TestDynamoStore_PutAndRecent(t *testing.T) {
	fake := &fakeDynamo{pageSize: 2}
	store := NewDynamoStore(fake, "relay-dedup", time.Hour)
	ctx := context.Background()

	at := time.Unix(1700000000, 0)
	for _, id := range []string{"7", "8", "9"} {
		if err := store.Put(ctx, Entry{Channel: "-1001", Category: "BrandA", MessageID: id, DeliveredAt: at}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	item := fake.items[0]
	if got := item["SK"].(*types.AttributeValueMemberS).Value; got != "MSG#00000000000000000009" {
		t.Errorf("unexpected sort key: %s", got)
	}
	if got := item["PK"].(*types.AttributeValueMemberS).Value; got != "CHANNEL#-1001#CATEGORY#BrandA" {
		t.Errorf("unexpected partition key: %s", got)
	}
	if got := item["expiresAt"].(*types.AttributeValueMemberN).Value; got != strconv.FormatInt(at.Add(time.Hour).Unix(), 10) {
		t.Errorf("unexpected expiresAt: %s", got)
	}

	ids, err := store.Recent(ctx, "-1001", "BrandA", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(ids) != 3 || ids[0] != "9" {
		t.Errorf("unexpected ids across pages: %v", ids)
	}
	if aws.ToBool(fake.lastQ.ScanIndexForward) {
		t.Error("expected descending query")
	}

	ids, _ = store.Recent(ctx, "-1001", "BrandA", 1)
	if len(ids) != 1 {
		t.Errorf("limit not honoured: %v", ids)
	}
}

func TestDynamoStore_QueryError(t *testing.T) {
	fake := &fakeDynamo{queryErr: errors.New("throttled")}
	c := NewCache(NewDynamoStore(fake, "t", 0))
	if idx := c.Load(context.Background(), "a", "b", 10); len(idx) != 0 {
		t.Errorf("expected empty index on query failure")
	}
}

func TestSortKey_NonNumeric(t *testing.T) {
	if sortKey("abc") != "MSG#abc" {
		t.Errorf("unexpected sort key: %s", sortKey("abc"))
	}
}

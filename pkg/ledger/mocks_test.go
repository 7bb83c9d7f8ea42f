package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"

	"github.com/lexflow/lexflow/pkg/approval"
)

var errMockUnavailable = errors.New("mock store unavailable")

// mockRedisClient implements the parts of redis.Cmdable the ledger uses,
// including the insert and compare-and-set scripts.
type mockRedisClient struct {
	redis.Cmdable

	mu      sync.Mutex
	strings map[string]string
	sets    map[string]map[string]struct{}
	down    bool
	// indexErr fails the insert script at the batch index step. Scripts
	// abort as a whole, so nothing is written.
	indexErr error
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{
		strings: make(map[string]string),
		sets:    make(map[string]map[string]struct{}),
	}
}

func (m *mockRedisClient) Ping(_ context.Context) *redis.StatusCmd {
	if m.down {
		return redis.NewStatusResult("", errMockUnavailable)
	}
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockRedisClient) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return redis.NewStringResult("", errMockUnavailable)
	}
	value, ok := m.strings[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (m *mockRedisClient) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return redis.NewCmdResult(nil, errMockUnavailable)
	}
	if script == insertScript && len(keys) == 2 && len(args) == 3 {
		return m.evalInsert(keys, args)
	}
	if script != compareAndSetScript || len(keys) != 1 || len(args) != 2 {
		return redis.NewCmdResult(nil, fmt.Errorf("unexpected script"))
	}
	current, ok := m.strings[keys[0]]
	if !ok {
		return redis.NewCmdResult(int64(-1), nil)
	}
	if current != normalizeRedisValue(args[0]) {
		return redis.NewCmdResult(int64(0), nil)
	}
	m.strings[keys[0]] = normalizeRedisValue(args[1])
	return redis.NewCmdResult(int64(1), nil)
}

func (m *mockRedisClient) evalInsert(keys []string, args []interface{}) *redis.Cmd {
	if _, exists := m.strings[keys[0]]; exists {
		return redis.NewCmdResult(int64(0), nil)
	}
	if m.indexErr != nil {
		return redis.NewCmdResult(nil, m.indexErr)
	}
	set, ok := m.sets[keys[1]]
	if !ok {
		set = make(map[string]struct{})
		m.sets[keys[1]] = set
	}
	set[normalizeRedisValue(args[2])] = struct{}{}
	m.strings[keys[0]] = normalizeRedisValue(args[0])
	return redis.NewCmdResult(int64(1), nil)
}

func (m *mockRedisClient) SMembers(_ context.Context, key string) *redis.StringSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		out = append(out, member)
	}
	sort.Strings(out)
	return redis.NewStringSliceResult(out, nil)
}

func normalizeRedisValue(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

// fakeDynamo emulates the conditional writes DynamoStore issues.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Item["idempotency_key"].(*types.AttributeValueMemberS).Value
	if _, exists := f.items[key]; exists && in.ConditionExpression != nil {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Key["idempotency_key"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[key]}, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Key["idempotency_key"].(*types.AttributeValueMemberS).Value
	item, ok := f.items[key]
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, err
	}

	values := in.ExpressionAttributeValues
	if v, ok := values[":eid"]; ok && v.(*types.AttributeValueMemberS).Value != rec.ID {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("id")}
	}
	if strings.Contains(aws.ToString(in.ConditionExpression), "#st IN") {
		matched := false
		for name, v := range values {
			if strings.HasPrefix(name, ":es") && Status(v.(*types.AttributeValueMemberS).Value) == rec.Status {
				matched = true
			}
		}
		if !matched {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("status")}
		}
	}

	updated, _ := time.Parse(time.RFC3339Nano, values[":u"].(*types.AttributeValueMemberS).Value)
	rec.UpdatedAt = updated
	if v, ok := values[":st"]; ok {
		rec.Status = Status(v.(*types.AttributeValueMemberS).Value)
		if rec.Status.IsTerminal() {
			rec.CompletedAt = &updated
		}
	}
	if v, ok := values[":err"]; ok {
		rec.Error = v.(*types.AttributeValueMemberS).Value
	}
	if v, ok := values[":res"]; ok {
		var ref approval.Reference
		if err := attributevalue.Unmarshal(v, &ref); err != nil {
			return nil, err
		}
		rec.Result = &ref
	}

	next, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, err
	}
	f.items[key] = next
	return &dynamodb.UpdateItemOutput{Attributes: next}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batchID := in.ExpressionAttributeValues[":b"].(*types.AttributeValueMemberS).Value
	out := make([]map[string]types.AttributeValue, 0)
	for _, item := range f.items {
		if v, ok := item["batch_id"].(*types.AttributeValueMemberS); ok && v.Value == batchID {
			out = append(out, item)
		}
	}
	return &dynamodb.QueryOutput{Items: out}, nil
}

// failingStore fails every insert with a non-duplicate error.
type failingStore struct {
	*MemoryStore
	insertErr error
	getErr    error
}

func (f *failingStore) InsertIfAbsent(ctx context.Context, rec *Record) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.MemoryStore.InsertIfAbsent(ctx, rec)
}

func (f *failingStore) Get(ctx context.Context, key string) (*Record, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.MemoryStore.Get(ctx, key)
}

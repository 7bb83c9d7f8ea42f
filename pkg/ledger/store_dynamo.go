package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client the ledger uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoConfig names the table layout. The table's partition key is
// idempotency_key; BatchIndex is a GSI partitioned on batch_id.
type DynamoConfig struct {
	Table      string
	BatchIndex string
}

// DynamoStore keeps reservation records in DynamoDB using conditional writes.
type DynamoStore struct {
	db     DynamoAPI
	config DynamoConfig
}

// NewDynamoStore creates a DynamoDB-backed ledger store.
func NewDynamoStore(db DynamoAPI, config DynamoConfig) (*DynamoStore, error) {
	if db == nil {
		return nil, fmt.Errorf("dynamodb client cannot be nil")
	}
	if config.Table == "" {
		return nil, fmt.Errorf("dynamodb table is required")
	}
	if config.BatchIndex == "" {
		config.BatchIndex = "batch_id-index"
	}
	return &DynamoStore{db: db, config: config}, nil
}

func (s *DynamoStore) InsertIfAbsent(ctx context.Context, rec *Record) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return err
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.config.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(idempotency_key)"),
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("dynamodb put: %w", err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.config.Table),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get: %w", err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *DynamoStore) Update(ctx context.Context, key string, patch Patch) (*Record, error) {
	at := patch.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	at = at.UTC()

	names := map[string]string{"#st": "status"}
	values := map[string]types.AttributeValue{
		":u": &types.AttributeValueMemberS{Value: at.Format(time.RFC3339Nano)},
	}
	sets := []string{"updated_at = :u"}
	conds := []string{"attribute_exists(idempotency_key)"}

	if patch.Status != "" {
		sets = append(sets, "#st = :st")
		values[":st"] = &types.AttributeValueMemberS{Value: string(patch.Status)}
		if patch.Status.IsTerminal() {
			sets = append(sets, "completed_at = :u")
		}
	}
	if patch.Result != nil {
		ref, err := attributevalue.Marshal(patch.Result)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "#res = :res")
		names["#res"] = "result"
		values[":res"] = ref
	}
	if patch.Error != "" {
		sets = append(sets, "#err = :err")
		names["#err"] = "error"
		values[":err"] = &types.AttributeValueMemberS{Value: patch.Error}
	}
	if patch.ExpectID != "" {
		conds = append(conds, "#id = :eid")
		names["#id"] = "id"
		values[":eid"] = &types.AttributeValueMemberS{Value: patch.ExpectID}
	}
	if len(patch.ExpectStatus) > 0 {
		placeholders := make([]string, len(patch.ExpectStatus))
		for i, status := range patch.ExpectStatus {
			name := ":es" + strconv.Itoa(i)
			placeholders[i] = name
			values[name] = &types.AttributeValueMemberS{Value: string(status)}
		}
		conds = append(conds, "#st IN ("+strings.Join(placeholders, ", ")+")")
	}

	out, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.config.Table),
		Key:                       s.itemKey(key),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ConditionExpression:       aws.String(strings.Join(conds, " AND ")),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			if _, getErr := s.Get(ctx, key); errors.Is(getErr, ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, ErrPreconditionFailed
		}
		return nil, fmt.Errorf("dynamodb update: %w", err)
	}

	var rec Record
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *DynamoStore) ListByBatch(ctx context.Context, batchID string) ([]*Record, error) {
	records := make([]*Record, 0)
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.db.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.config.Table),
			IndexName:              aws.String(s.config.BatchIndex),
			KeyConditionExpression: aws.String("batch_id = :b"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":b": &types.AttributeValueMemberS{Value: batchID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("dynamodb query: %w", err)
		}
		var page []*Record
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, err
		}
		records = append(records, page...)
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	sortRecords(records)
	return records, nil
}

func (s *DynamoStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

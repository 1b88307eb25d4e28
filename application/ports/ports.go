package ports

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// DynamoDBAPI is the subset of the DynamoDB client the store uses. Ports
// keep the persistence layer mockable in tests.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// ColumnModel describes one column of a warehouse table.
type ColumnModel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"columnType"`
}

// WarehouseAPI is the columnar data-warehouse table service. Retries are
// the implementation's responsibility.
type WarehouseAPI interface {
	// GetColumnModels returns the live column schema of a table.
	GetColumnModels(ctx context.Context, tableID string) ([]ColumnModel, error)

	// AppendRows appends sparse rows (column ID to value) to a table.
	AppendRows(ctx context.Context, tableID string, rows []map[string]string) error
}

// Cache is a process-local memoization cache. TTL is in seconds; a TTL of
// zero means the entry never expires.
type Cache interface {
	Get(ctx context.Context, key string) (interface{}, bool)
	Set(ctx context.Context, key string, value interface{}, ttl int) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

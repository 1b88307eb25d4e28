package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"studydata/domain/study"
	apperrors "studydata/pkg/errors"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockDynamoDB struct {
	mock.Mock
}

func (m *mockDynamoDB) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*dynamodb.GetItemOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDynamoDB) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*dynamodb.PutItemOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDynamoDB) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*dynamodb.DeleteItemOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDynamoDB) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*dynamodb.UpdateItemOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDynamoDB) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	args := m.Called(ctx, params)
	if out := args.Get(0); out != nil {
		return out.(*dynamodb.QueryOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func testTables() TableNames {
	return TableNames{
		NotificationConfig:     "NotificationConfig",
		NotificationLog:        "NotificationLog",
		Study:                  "Study",
		SchemaTableMap:         "SynapseTables",
		TableMeta:              "SynapseMetaTables",
		SurveyTables:           "SynapseSurveyTables",
		UploadSchema:           "UploadSchema",
		UploadSchemaStudyIndex: "studyId-index",
		WorkerLog:              "WorkerLog",
	}
}

func newTestStore(client *mockDynamoDB, opts ...StoreOption) *Store {
	return NewStore(client, testTables(), zap.NewNop(), opts...)
}

func s(value string) types.AttributeValue { return &types.AttributeValueMemberS{Value: value} }
func n(value int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", value)}
}
func ss(values ...string) types.AttributeValue {
	return &types.AttributeValueMemberSS{Value: values}
}

func forTable(tableName string) interface{} {
	return mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		return *in.TableName == tableName
	})
}

func TestGetDefaultTableForStudy(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("GetItem", ctx, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		key, ok := in.Key[attrTableName].(*types.AttributeValueMemberS)
		return *in.TableName == "SynapseMetaTables" && ok && key.Value == "my-study-default"
	})).Return(&dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{attrTableID: s("syn123")},
	}, nil)

	tableID, err := store.GetDefaultTableForStudy(ctx, "my-study")
	require.NoError(t, err)
	assert.Equal(t, "syn123", tableID)
	client.AssertExpectations(t)
}

func TestGetDefaultTableForStudy_Absent(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("GetItem", ctx, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

	tableID, err := store.GetDefaultTableForStudy(ctx, "my-study")
	require.NoError(t, err)
	assert.Empty(t, tableID)
}

func TestDeleteDefaultTableForStudy(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("DeleteItem", ctx, mock.MatchedBy(func(in *dynamodb.DeleteItemInput) bool {
		key, ok := in.Key[attrTableName].(*types.AttributeValueMemberS)
		return *in.TableName == "SynapseMetaTables" && ok && key.Value == "my-study-default"
	})).Return(&dynamodb.DeleteItemOutput{}, nil)

	require.NoError(t, store.DeleteDefaultTableForStudy(ctx, "my-study"))
	client.AssertExpectations(t)
}

func notificationConfigItem() map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"studyId":              s("my-study"),
		"appUrl":               s("https://app.example.com"),
		"burstDurationDays":    n(9),
		"burstStartEventIdSet": ss("enrollment", "custom:burst2"),
		"burstTaskId":          s("study-burst-task"),
		"earlyLateCutoffDays":  n(5),
		"excludedDataGroupSet": ss("test_user"),
		"missedEarlyActivitiesMessagesList": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			s("message 1"), s("message 2"),
		}},
		"notificationBlackoutDaysFromStart": n(2),
		"notificationBlackoutDaysFromEnd":   n(1),
		"numActivitiesToCompleteBurst":      n(6),
		"numMissedConsecutiveDaysToNotify":  n(2),
		"numMissedDaysToNotify":             n(3),
		"preburstMessagesByDataGroup": &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
			"group1": s("preburst message"),
		}},
	}
}

func TestGetNotificationConfig(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("GetItem", ctx, forTable("NotificationConfig")).
		Return(&dynamodb.GetItemOutput{Item: notificationConfigItem()}, nil).Once()

	cfg, err := store.GetNotificationConfig(ctx, "my-study")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com", cfg.AppURL)
	assert.Equal(t, 9, cfg.BurstDurationDays)
	assert.ElementsMatch(t, []string{"enrollment", "custom:burst2"}, cfg.BurstStartEventIDs)
	assert.Equal(t, "study-burst-task", cfg.BurstTaskID)
	assert.Equal(t, []string{"message 1", "message 2"}, cfg.MissedEarlyActivitiesMessages)
	assert.Equal(t, map[string]string{"group1": "preburst message"}, cfg.PreburstMessagesByDataGroup)

	// Second call within the TTL hits the cache; the mock only allows one
	// GetItem.
	cached, err := store.GetNotificationConfig(ctx, "my-study")
	require.NoError(t, err)
	assert.Same(t, cfg, cached)
	client.AssertExpectations(t)
}

func TestGetNotificationConfig_Absent(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("GetItem", ctx, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

	_, err := store.GetNotificationConfig(ctx, "no-such-study")
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestGetLastNotification(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	// The query sorts descending with limit 1, so the store sees only the
	// newest row.
	client.On("Query", ctx, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		return *in.TableName == "NotificationLog" && !*in.ScanIndexForward && *in.Limit == 1
	})).Return(&dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{{
			"userId":           s("user-1"),
			"notificationTime": n(1424136378000),
			"message":          s("dummy message"),
			"notificationType": s("LATE"),
		}},
	}, nil)

	notification, err := store.GetLastNotification(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, notification)
	assert.Equal(t, "user-1", notification.UserID)
	assert.Equal(t, int64(1424136378000), notification.Time)
	assert.Equal(t, "dummy message", notification.Message)
	assert.Equal(t, study.NotificationTypeLate, notification.Type)
	client.AssertExpectations(t)
}

func TestGetLastNotification_None(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("Query", ctx, mock.Anything).Return(&dynamodb.QueryOutput{}, nil)

	notification, err := store.GetLastNotification(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, notification)
}

func TestGetLastNotification_BlankTypeDefaultsToUnknown(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("Query", ctx, mock.Anything).Return(&dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{{
			"userId":           s("user-1"),
			"notificationTime": n(1424136378000),
			"message":          s("old log row"),
		}},
	}, nil)

	notification, err := store.GetLastNotification(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, notification)
	assert.Equal(t, study.NotificationTypeUnknown, notification.Type)
}

func TestAppendNotification(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("PutItem", ctx, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		userID, _ := in.Item[attrUserID].(*types.AttributeValueMemberS)
		timeAttr, _ := in.Item[attrNotificationTime].(*types.AttributeValueMemberN)
		typeAttr, _ := in.Item[attrNotificationType].(*types.AttributeValueMemberS)
		return *in.TableName == "NotificationLog" && userID.Value == "user-1" &&
			timeAttr.Value == "1424136378000" && typeAttr.Value == "CUMULATIVE"
	})).Return(&dynamodb.PutItemOutput{}, nil)

	err := store.AppendNotification(ctx, &study.UserNotification{
		UserID:  "user-1",
		Time:    1424136378000,
		Message: "dummy message",
		Type:    study.NotificationTypeCumulative,
	})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestGetStudy(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("GetItem", ctx, forTable("Study")).Return(&dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			"identifier":   s("my-study"),
			"name":         s("My Study"),
			"shortName":    s("MyStudy"),
			"supportEmail": s("support@example.com"),
		},
	}, nil)

	info, err := store.GetStudy(ctx, "my-study")
	require.NoError(t, err)
	assert.Equal(t, "my-study", info.StudyID)
	assert.Equal(t, "My Study", info.Name)
	assert.Equal(t, "MyStudy", info.ShortName)
	assert.Equal(t, "support@example.com", info.SupportEmail)
}

func TestGetSurveyTableIDs(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("GetItem", ctx, forTable("SynapseSurveyTables")).Return(&dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			attrStudyID:    s("my-study"),
			attrTableIDSet: ss("syn1", "syn2"),
		},
	}, nil)

	tableIDs, err := store.GetSurveyTableIDs(ctx, "my-study")
	require.NoError(t, err)
	assert.Len(t, tableIDs, 2)
	assert.Contains(t, tableIDs, "syn1")
	assert.Contains(t, tableIDs, "syn2")
}

func TestGetSurveyTableIDs_EmptyNeverNil(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("GetItem", ctx, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

	tableIDs, err := store.GetSurveyTableIDs(ctx, "my-study")
	require.NoError(t, err)
	require.NotNil(t, tableIDs)
	assert.Empty(t, tableIDs)
}

func TestRemoveSurveyTableMapping(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("GetItem", ctx, forTable("SynapseSurveyTables")).Return(&dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			attrStudyID:    s("my-study"),
			attrTableIDSet: ss("syn1", "syn2"),
		},
	}, nil)
	client.On("UpdateItem", ctx, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		set, ok := in.ExpressionAttributeValues[":s"].(*types.AttributeValueMemberSS)
		return *in.UpdateExpression == "SET tableIdSet = :s" && ok &&
			len(set.Value) == 1 && set.Value[0] == "syn2"
	})).Return(&dynamodb.UpdateItemOutput{}, nil)

	require.NoError(t, store.RemoveSurveyTableMapping(ctx, "my-study", "syn1"))
	client.AssertExpectations(t)
}

func TestRemoveSurveyTableMapping_LastTableClearsAttribute(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("GetItem", ctx, mock.Anything).Return(&dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			attrStudyID:    s("my-study"),
			attrTableIDSet: ss("syn1"),
		},
	}, nil)
	client.On("UpdateItem", ctx, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		return *in.UpdateExpression == "REMOVE tableIdSet" &&
			len(in.ExpressionAttributeValues) == 0
	})).Return(&dynamodb.UpdateItemOutput{}, nil)

	require.NoError(t, store.RemoveSurveyTableMapping(ctx, "my-study", "syn1"))
	client.AssertExpectations(t)
}

func TestRemoveSurveyTableMapping_Idempotent(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	// The study row is gone entirely: nothing to delete, no update call.
	client.On("GetItem", ctx, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

	require.NoError(t, store.RemoveSurveyTableMapping(ctx, "my-study", "syn1"))
	require.NoError(t, store.RemoveSurveyTableMapping(ctx, "my-study", "syn1"))
	client.AssertNotCalled(t, "UpdateItem", mock.Anything, mock.Anything)
}

func TestRemoveSurveyTableMapping_TableAlreadyAbsent(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("GetItem", ctx, mock.Anything).Return(&dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			attrStudyID:    s("my-study"),
			attrTableIDSet: ss("syn2"),
		},
	}, nil)

	require.NoError(t, store.RemoveSurveyTableMapping(ctx, "my-study", "syn1"))
	client.AssertNotCalled(t, "UpdateItem", mock.Anything, mock.Anything)
}

// schemaIndexRow is a partial index projection (study ID, key, revision).
func schemaIndexRow(key string, rev int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrStudyID:  s("my-study"),
		attrKey:      s(key),
		attrRevision: n(rev),
	}
}

func expectSchemaFetch(client *mockDynamoDB, ctx context.Context, key string, rev int64) {
	client.On("GetItem", ctx, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		if *in.TableName != "UploadSchema" {
			return false
		}
		keyAttr, _ := in.Key[attrKey].(*types.AttributeValueMemberS)
		revAttr, _ := in.Key[attrRevision].(*types.AttributeValueMemberN)
		return keyAttr != nil && keyAttr.Value == key &&
			revAttr != nil && revAttr.Value == fmt.Sprintf("%d", rev)
	})).Return(&dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			attrKey:      s(key),
			attrRevision: n(rev),
			"name":       s("Schema " + key),
			"fieldNames": &types.AttributeValueMemberL{Value: []types.AttributeValue{s("foo"), s("bar")}},
		},
	}, nil)
}

func expectTableMapping(client *mockDynamoDB, ctx context.Context, schemaKey, tableID string) {
	client.On("GetItem", ctx, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		if *in.TableName != "SynapseTables" {
			return false
		}
		keyAttr, _ := in.Key[attrSchemaKey].(*types.AttributeValueMemberS)
		return keyAttr != nil && keyAttr.Value == schemaKey
	})).Return(&dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			attrSchemaKey: s(schemaKey),
			attrTableID:   s(tableID),
		},
	}, nil)
}

func expectNoTableMapping(client *mockDynamoDB, ctx context.Context, schemaKey string) {
	client.On("GetItem", ctx, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		if *in.TableName != "SynapseTables" {
			return false
		}
		keyAttr, _ := in.Key[attrSchemaKey].(*types.AttributeValueMemberS)
		return keyAttr != nil && keyAttr.Value == schemaKey
	})).Return(&dynamodb.GetItemOutput{}, nil)
}

func TestGetTableIDsForStudy_MaxRevisionWins(t *testing.T) {
	// Three revisions of one schema map to the same table; the canonical
	// schema is the highest revision regardless of query ordering.
	orderings := [][]int64{{1, 2, 3}, {3, 1, 2}, {2, 3, 1}}
	for _, order := range orderings {
		ctx := context.Background()
		client := new(mockDynamoDB)
		store := newTestStore(client)

		var indexRows []map[string]types.AttributeValue
		for _, rev := range order {
			indexRows = append(indexRows, schemaIndexRow("my-app:schema-a", rev))
			expectSchemaFetch(client, ctx, "my-app:schema-a", rev)
			expectTableMapping(client, ctx, fmt.Sprintf("my-app-schema-a-v%d", rev), "syn777")
		}
		client.On("Query", ctx, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
			return *in.TableName == "UploadSchema" && *in.IndexName == "studyId-index"
		})).Return(&dynamodb.QueryOutput{Items: indexRows}, nil)

		tableIDs, err := store.GetTableIDsForStudy(ctx, "my-study")
		require.NoError(t, err)
		require.Len(t, tableIDs, 1)
		require.Contains(t, tableIDs, "syn777")
		assert.Equal(t, 3, tableIDs["syn777"].Key.Revision, "ordering %v", order)
	}
}

func TestGetTableIDsForStudy_SkipsUnmappedSchemas(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("Query", ctx, mock.Anything).Return(&dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{
			schemaIndexRow("my-app:mapped", 1),
			schemaIndexRow("my-app:unmapped", 1),
		},
	}, nil)
	expectSchemaFetch(client, ctx, "my-app:mapped", 1)
	expectSchemaFetch(client, ctx, "my-app:unmapped", 1)
	expectTableMapping(client, ctx, "my-app-mapped-v1", "syn1")
	expectNoTableMapping(client, ctx, "my-app-unmapped-v1")

	tableIDs, err := store.GetTableIDsForStudy(ctx, "my-study")
	require.NoError(t, err)
	require.Len(t, tableIDs, 1)
	assert.Equal(t, "mapped", tableIDs["syn1"].Key.SchemaID)
}

func TestGetTableIDsForStudy_Empty(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("Query", ctx, mock.Anything).Return(&dynamodb.QueryOutput{}, nil)

	tableIDs, err := store.GetTableIDsForStudy(ctx, "my-study")
	require.NoError(t, err)
	require.NotNil(t, tableIDs)
	assert.Empty(t, tableIDs)
}

func TestRemoveTableIDMapping(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("DeleteItem", ctx, mock.MatchedBy(func(in *dynamodb.DeleteItemInput) bool {
		keyAttr, _ := in.Key[attrSchemaKey].(*types.AttributeValueMemberS)
		return *in.TableName == "SynapseTables" && keyAttr != nil &&
			keyAttr.Value == "my-app-schema-a-v3"
	})).Return(&dynamodb.DeleteItemOutput{}, nil)

	err := store.RemoveTableIDMapping(ctx, study.UploadSchemaKey{
		AppID: "my-app", SchemaID: "schema-a", Revision: 3,
	})
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestWriteWorkerLog(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	fixed := time.UnixMilli(1424136378000)
	store := newTestStore(client, WithClock(func() time.Time { return fixed }))

	client.On("PutItem", ctx, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		workerIDAttr, _ := in.Item[attrWorkerID].(*types.AttributeValueMemberS)
		finishAttr, _ := in.Item[attrFinishTime].(*types.AttributeValueMemberN)
		tagAttr, _ := in.Item[attrTag].(*types.AttributeValueMemberS)
		return *in.TableName == "WorkerLog" && workerIDAttr.Value == "TestWorker" &&
			finishAttr.Value == "1424136378000" && tagAttr.Value == "test tag"
	})).Return(&dynamodb.PutItemOutput{}, nil)

	require.NoError(t, store.WriteWorkerLog(ctx, "TestWorker", "test tag"))
	client.AssertExpectations(t)
}

func TestStoreErrorsArePropagated(t *testing.T) {
	ctx := context.Background()
	client := new(mockDynamoDB)
	store := newTestStore(client)

	client.On("GetItem", ctx, mock.Anything).Return(nil, errors.New("throttled"))

	_, err := store.GetDefaultTableForStudy(ctx, "my-study")
	require.Error(t, err)
	assert.True(t, apperrors.IsDatabase(err))
}

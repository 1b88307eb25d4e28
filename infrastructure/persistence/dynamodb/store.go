// Package dynamodb implements the key-value access helper over the
// platform's DynamoDB tables: notification configs and logs, study
// metadata, schema-to-table mappings, survey table sets, and the worker
// run log.
package dynamodb

import (
	"context"
	"fmt"
	"time"

	"studydata/application/ports"
	"studydata/domain/study"
	"studydata/pkg/cache"
	apperrors "studydata/pkg/errors"
	"studydata/pkg/locks"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// DDB attribute names. These match the live table layout and must not
// change without a data migration.
const (
	attrStudyID    = "studyId"
	attrTableID    = "tableId"
	attrTableIDSet = "tableIdSet"
	attrTableName  = "tableName"
	attrSchemaKey  = "schemaKey"
	attrKey        = "key"
	attrRevision   = "revision"
	attrUserID     = "userId"
	attrIdentifier = "identifier"
	attrWorkerID   = "workerId"
	attrFinishTime = "finishTime"
	attrTag        = "tag"

	attrNotificationTime = "notificationTime"
	attrNotificationType = "notificationType"
	attrMessage          = "message"

	// Suffix of the meta-table row naming a study's default (schemaless)
	// record table.
	defaultTableSuffix = "-default"
)

const notificationConfigTTLSeconds = 300

// TableNames holds the names of the DynamoDB tables the store reads and
// writes, plus the study index on the upload schema table.
type TableNames struct {
	NotificationConfig     string
	NotificationLog        string
	Study                  string
	SchemaTableMap         string
	TableMeta              string
	SurveyTables           string
	UploadSchema           string
	UploadSchemaStudyIndex string
	WorkerLog              string
}

// Store abstracts away calls to DynamoDB. All operations are synchronous
// request/response calls; the only internal state is the notification
// config cache and the per-study locks guarding survey-table updates.
type Store struct {
	client      ports.DynamoDBAPI
	tables      TableNames
	configCache ports.Cache
	studyLocks  *locks.KeyedMutex
	validate    *validator.Validate
	logger      *zap.Logger
	now         func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the store's clock. Used by tests and by callers
// that need deterministic worker-log timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithConfigCache replaces the notification config cache.
func WithConfigCache(c ports.Cache) StoreOption {
	return func(s *Store) {
		s.configCache = c
	}
}

// NewStore creates a Store over the given client and tables.
func NewStore(client ports.DynamoDBAPI, tables TableNames, logger *zap.Logger, opts ...StoreOption) *Store {
	s := &Store{
		client:      client,
		tables:      tables,
		configCache: cache.New(),
		studyLocks:  locks.NewKeyedMutex(),
		validate:    validator.New(),
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetDefaultTableForStudy gets the ID of the default (schemaless) record
// table for the study. Returns "" if the table hasn't been created yet.
func (s *Store) GetDefaultTableForStudy(ctx context.Context, studyID string) (string, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.TableMeta),
		Key: map[string]types.AttributeValue{
			attrTableName: &types.AttributeValueMemberS{Value: studyID + defaultTableSuffix},
		},
	})
	if err != nil {
		return "", apperrors.NewDatabaseError("get default table", err)
	}
	if out.Item == nil {
		// Schemaless table hasn't been created yet. Skip.
		return "", nil
	}
	return stringAttr(out.Item, attrTableID), nil
}

// DeleteDefaultTableForStudy deletes the default record table ID from the
// meta table. Generally used when the table is already deleted and we
// want to clean up.
func (s *Store) DeleteDefaultTableForStudy(ctx context.Context, studyID string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.TableMeta),
		Key: map[string]types.AttributeValue{
			attrTableName: &types.AttributeValueMemberS{Value: studyID + defaultTableSuffix},
		},
	})
	if err != nil {
		return apperrors.NewDatabaseError("delete default table", err)
	}
	return nil
}

// workerConfigItem is the DynamoDB item shape of a notification config.
type workerConfigItem struct {
	StudyID                            string            `dynamodbav:"studyId"`
	AppURL                             string            `dynamodbav:"appUrl"`
	BurstDurationDays                  int               `dynamodbav:"burstDurationDays"`
	BurstStartEventIDSet               []string          `dynamodbav:"burstStartEventIdSet"`
	BurstTaskID                        string            `dynamodbav:"burstTaskId"`
	EarlyLateCutoffDays                int               `dynamodbav:"earlyLateCutoffDays"`
	EngagementSurveyGUID               string            `dynamodbav:"engagementSurveyGuid"`
	ExcludedDataGroupSet               []string          `dynamodbav:"excludedDataGroupSet"`
	MissedCumulativeActivitiesMessages []string          `dynamodbav:"missedCumulativeActivitiesMessagesList"`
	MissedEarlyActivitiesMessages      []string          `dynamodbav:"missedEarlyActivitiesMessagesList"`
	MissedLaterActivitiesMessages      []string          `dynamodbav:"missedLaterActivitiesMessagesList"`
	NotificationBlackoutDaysFromStart  int               `dynamodbav:"notificationBlackoutDaysFromStart"`
	NotificationBlackoutDaysFromEnd    int               `dynamodbav:"notificationBlackoutDaysFromEnd"`
	NumActivitiesToCompleteBurst       int               `dynamodbav:"numActivitiesToCompleteBurst"`
	NumMissedConsecutiveDaysToNotify   int               `dynamodbav:"numMissedConsecutiveDaysToNotify"`
	NumMissedDaysToNotify              int               `dynamodbav:"numMissedDaysToNotify"`
	PreburstMessagesByDataGroup        map[string]string `dynamodbav:"preburstMessagesByDataGroup"`
}

// GetNotificationConfig gets the notification config for the given study.
// Results are cached for 5 minutes per study. There is no fallback: a
// study without a config record is an error.
func (s *Store) GetNotificationConfig(ctx context.Context, studyID string) (*study.WorkerConfig, error) {
	cacheKey := "notification-config:" + studyID
	if cached, ok := s.configCache.Get(ctx, cacheKey); ok {
		return cached.(*study.WorkerConfig), nil
	}

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.NotificationConfig),
		Key: map[string]types.AttributeValue{
			attrStudyID: &types.AttributeValueMemberS{Value: studyID},
		},
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("get notification config", err)
	}
	if out.Item == nil {
		return nil, apperrors.NewNotFoundError("notification config for study " + studyID)
	}

	var item workerConfigItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, apperrors.NewDeserializationError("unmarshal notification config", err)
	}

	cfg := &study.WorkerConfig{
		AppURL:                             item.AppURL,
		BurstDurationDays:                  item.BurstDurationDays,
		BurstStartEventIDs:                 item.BurstStartEventIDSet,
		BurstTaskID:                        item.BurstTaskID,
		EarlyLateCutoffDays:                item.EarlyLateCutoffDays,
		EngagementSurveyGUID:               item.EngagementSurveyGUID,
		ExcludedDataGroups:                 item.ExcludedDataGroupSet,
		MissedCumulativeActivitiesMessages: item.MissedCumulativeActivitiesMessages,
		MissedEarlyActivitiesMessages:      item.MissedEarlyActivitiesMessages,
		MissedLaterActivitiesMessages:      item.MissedLaterActivitiesMessages,
		NotificationBlackoutDaysFromStart:  item.NotificationBlackoutDaysFromStart,
		NotificationBlackoutDaysFromEnd:    item.NotificationBlackoutDaysFromEnd,
		NumActivitiesToCompleteBurst:       item.NumActivitiesToCompleteBurst,
		NumMissedConsecutiveDaysToNotify:   item.NumMissedConsecutiveDaysToNotify,
		NumMissedDaysToNotify:              item.NumMissedDaysToNotify,
		PreburstMessagesByDataGroup:        item.PreburstMessagesByDataGroup,
	}
	if err := s.validate.Struct(cfg); err != nil {
		return nil, apperrors.NewValidationError("notification config for study " + studyID + ": " + err.Error())
	}

	if err := s.configCache.Set(ctx, cacheKey, cfg, notificationConfigTTLSeconds); err != nil {
		s.logger.Warn("Failed to cache notification config",
			zap.String("studyId", studyID),
			zap.Error(err),
		)
	}
	return cfg, nil
}

// GetLastNotification gets the given user's most recent notification.
// Returns nil if the user has never been sent one.
func (s *Store) GetLastNotification(ctx context.Context, userID string) (*study.UserNotification, error) {
	// Sort the log descending by time and take the first row.
	keyCond := expression.Key(attrUserID).Equal(expression.Value(userID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build notification query: %w", err)
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tables.NotificationLog),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("query notification log", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}

	var item struct {
		UserID  string `dynamodbav:"userId"`
		Time    int64  `dynamodbav:"notificationTime"`
		Message string `dynamodbav:"message"`
		Type    string `dynamodbav:"notificationType"`
	}
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, apperrors.NewDeserializationError("unmarshal notification log row", err)
	}

	return &study.UserNotification{
		UserID:  item.UserID,
		Time:    item.Time,
		Message: item.Message,
		// Old log rows pre-date the type attribute.
		Type: study.ParseNotificationType(item.Type),
	}, nil
}

// AppendNotification appends the notification to the log for its user.
// Timestamps are unique per user, so this never overwrites.
func (s *Store) AppendNotification(ctx context.Context, n *study.UserNotification) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.NotificationLog),
		Item: map[string]types.AttributeValue{
			attrUserID:           &types.AttributeValueMemberS{Value: n.UserID},
			attrNotificationTime: &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n.Time)},
			attrMessage:          &types.AttributeValueMemberS{Value: n.Message},
			attrNotificationType: &types.AttributeValueMemberS{Value: string(n.Type)},
		},
	})
	if err != nil {
		return apperrors.NewDatabaseError("append notification", err)
	}
	return nil
}

// GetStudy gets study info for the given study ID.
func (s *Store) GetStudy(ctx context.Context, studyID string) (*study.StudyInfo, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Study),
		Key: map[string]types.AttributeValue{
			attrIdentifier: &types.AttributeValueMemberS{Value: studyID},
		},
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("get study", err)
	}
	if out.Item == nil {
		return nil, apperrors.NewNotFoundError("study " + studyID)
	}

	return &study.StudyInfo{
		StudyID:      studyID,
		Name:         stringAttr(out.Item, "name"),
		ShortName:    stringAttr(out.Item, "shortName"),
		SupportEmail: stringAttr(out.Item, "supportEmail"),
	}, nil
}

// GetSurveyTableIDs gets the set of survey table IDs for a study. The
// result may be empty but is never nil.
func (s *Store) GetSurveyTableIDs(ctx context.Context, studyID string) (map[string]struct{}, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.SurveyTables),
		Key: map[string]types.AttributeValue{
			attrStudyID: &types.AttributeValueMemberS{Value: studyID},
		},
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("get survey tables", err)
	}

	tableIDs := make(map[string]struct{})
	if out.Item == nil {
		return tableIDs, nil
	}
	for _, id := range stringSetAttr(out.Item, attrTableIDSet) {
		tableIDs[id] = struct{}{}
	}
	return tableIDs, nil
}

// RemoveSurveyTableMapping removes the table ID from the study's survey
// table set. No-op if the study or the table ID is already absent. When
// the set becomes empty the attribute is removed entirely, because the
// store cannot represent an empty string set.
//
// The read-modify-write is serialized per study: survey cleanup tasks for
// the same study run in parallel.
func (s *Store) RemoveSurveyTableMapping(ctx context.Context, studyID, tableID string) error {
	s.studyLocks.Lock(studyID)
	defer s.studyLocks.Unlock(studyID)

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.SurveyTables),
		Key: map[string]types.AttributeValue{
			attrStudyID: &types.AttributeValueMemberS{Value: studyID},
		},
	})
	if err != nil {
		return apperrors.NewDatabaseError("get survey tables", err)
	}
	if out.Item == nil {
		// The study is no longer in the mapping. Nothing to delete.
		return nil
	}

	tableIDSet := stringSetAttr(out.Item, attrTableIDSet)
	remaining := make([]string, 0, len(tableIDSet))
	found := false
	for _, id := range tableIDSet {
		if id == tableID {
			found = true
			continue
		}
		remaining = append(remaining, id)
	}
	if !found {
		// The study no longer contains this table ID. Nothing to delete.
		return nil
	}

	input := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tables.SurveyTables),
		Key: map[string]types.AttributeValue{
			attrStudyID: &types.AttributeValueMemberS{Value: studyID},
		},
	}
	if len(remaining) == 0 {
		// DDB can't store an empty string set. Clear the attribute.
		input.UpdateExpression = aws.String("REMOVE " + attrTableIDSet)
	} else {
		input.UpdateExpression = aws.String("SET " + attrTableIDSet + " = :s")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":s": &types.AttributeValueMemberSS{Value: remaining},
		}
	}

	if _, err := s.client.UpdateItem(ctx, input); err != nil {
		return apperrors.NewDatabaseError("update survey tables", err)
	}

	s.logger.Info("Removed survey table mapping",
		zap.String("studyId", studyID),
		zap.String("tableId", tableID),
		zap.Int("remaining", len(remaining)),
	)
	return nil
}

// uploadSchemaItem is the DynamoDB item shape of an upload schema row.
type uploadSchemaItem struct {
	Key        string            `dynamodbav:"key"`
	Revision   int               `dynamodbav:"revision"`
	Name       string            `dynamodbav:"name"`
	FieldNames []string          `dynamodbav:"fieldNames"`
	FieldTypes map[string]string `dynamodbav:"fieldTypes"`
}

// GetTableIDsForStudy gets the warehouse table IDs associated with a
// study, as a map from table ID to the canonical upload schema for that
// table. The result may be empty but is never nil.
//
// Multiple schemas can map to a single table, so after grouping by table
// ID the schema with the highest revision wins.
func (s *Store) GetTableIDsForStudy(ctx context.Context, studyID string) (map[string]*study.UploadSchema, error) {
	keyCond := expression.Key(attrStudyID).Equal(expression.Value(studyID))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build schema query: %w", err)
	}

	// The study index projects only study ID, key, and revision. Collect
	// the keys first, then re-fetch each schema from the base table for
	// the full field set.
	var schemaList []*study.UploadSchema
	var lastKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.tables.UploadSchema),
			IndexName:                 aws.String(s.tables.UploadSchemaStudyIndex),
			KeyConditionExpression:    expr.KeyCondition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
			ExclusiveStartKey:         lastKey,
		})
		if err != nil {
			return nil, apperrors.NewDatabaseError("query upload schemas", err)
		}

		for _, indexItem := range out.Items {
			var partial struct {
				Key      string `dynamodbav:"key"`
				Revision int    `dynamodbav:"revision"`
			}
			if err := attributevalue.UnmarshalMap(indexItem, &partial); err != nil {
				return nil, apperrors.NewDeserializationError("unmarshal schema index row", err)
			}

			schema, err := s.getUploadSchema(ctx, partial.Key, partial.Revision)
			if err != nil {
				return nil, err
			}
			schemaList = append(schemaList, schema)
		}

		lastKey = out.LastEvaluatedKey
		if len(lastKey) == 0 {
			break
		}
	}

	// Group the schemas by mapped table ID, skipping schemas whose table
	// hasn't been created yet.
	schemasByTableID := make(map[string][]*study.UploadSchema)
	for _, schema := range schemaList {
		mapOut, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tables.SchemaTableMap),
			Key: map[string]types.AttributeValue{
				attrSchemaKey: &types.AttributeValueMemberS{Value: schema.Key.String()},
			},
		})
		if err != nil {
			return nil, apperrors.NewDatabaseError("get schema table mapping", err)
		}
		if mapOut.Item == nil {
			// The schema exists but its table hasn't been exported yet.
			// Expected transient state; skip it.
			s.logger.Debug("Schema has no table mapping yet",
				zap.String("schemaKey", schema.Key.String()),
			)
			continue
		}

		tableID := stringAttr(mapOut.Item, attrTableID)
		schemasByTableID[tableID] = append(schemasByTableID[tableID], schema)
	}

	// Dedupe: the canonical schema per table is the one with the highest
	// revision. Revision is unique per key, so there are no ties.
	canonical := make(map[string]*study.UploadSchema, len(schemasByTableID))
	for tableID, schemas := range schemasByTableID {
		best := schemas[0]
		for _, schema := range schemas[1:] {
			if schema.Key.Revision > best.Key.Revision {
				best = schema
			}
		}
		canonical[tableID] = best
	}
	return canonical, nil
}

func (s *Store) getUploadSchema(ctx context.Context, key string, revision int) (*study.UploadSchema, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.UploadSchema),
		Key: map[string]types.AttributeValue{
			attrKey:      &types.AttributeValueMemberS{Value: key},
			attrRevision: &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", revision)},
		},
	})
	if err != nil {
		return nil, apperrors.NewDatabaseError("get upload schema", err)
	}
	if out.Item == nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("upload schema %s rev %d", key, revision))
	}

	var item uploadSchemaItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, apperrors.NewDeserializationError("unmarshal upload schema", err)
	}

	schemaKey, err := study.ParseUploadSchemaKey(item.Key, item.Revision)
	if err != nil {
		return nil, err
	}
	return &study.UploadSchema{
		Key:        schemaKey,
		Name:       item.Name,
		FieldNames: item.FieldNames,
		FieldTypes: item.FieldTypes,
	}, nil
}

// RemoveTableIDMapping deletes the schema key from the schema-to-table
// mapping. Generally used when the warehouse table is already deleted and
// we want to clean up.
func (s *Store) RemoveTableIDMapping(ctx context.Context, schemaKey study.UploadSchemaKey) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tables.SchemaTableMap),
		Key: map[string]types.AttributeValue{
			attrSchemaKey: &types.AttributeValueMemberS{Value: schemaKey.String()},
		},
	})
	if err != nil {
		return apperrors.NewDatabaseError("delete schema table mapping", err)
	}
	return nil
}

// WriteWorkerLog writes the worker run to the worker log with the current
// timestamp and the given tag. Integration tests poll this table as a
// completion signal.
func (s *Store) WriteWorkerLog(ctx context.Context, workerID, tag string) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.WorkerLog),
		Item: map[string]types.AttributeValue{
			attrWorkerID:   &types.AttributeValueMemberS{Value: workerID},
			attrFinishTime: &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", s.now().UnixMilli())},
			attrTag:        &types.AttributeValueMemberS{Value: tag},
		},
	})
	if err != nil {
		return apperrors.NewDatabaseError("write worker log", err)
	}
	return nil
}

// stringAttr reads a string attribute from a raw item, or "".
func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

// stringSetAttr reads a string-set attribute from a raw item, or nil.
func stringSetAttr(item map[string]types.AttributeValue, name string) []string {
	if v, ok := item[name].(*types.AttributeValueMemberSS); ok {
		return v.Value
	}
	return nil
}

// Package export converts participant version and demographic records
// into sparse rows for the warehouse participant tables.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"studydata/application/ports"
	"studydata/domain/study"
	"studydata/pkg/cache"

	"go.uber.org/zap"
)

// Participant version table columns.
const (
	ColumnHealthCode         = "healthCode"
	ColumnParticipantVersion = "participantVersion"
	ColumnCreatedOn          = "createdOn"
	ColumnModifiedOn         = "modifiedOn"
	ColumnDataGroups         = "dataGroups"
	ColumnLanguages          = "languages"
	ColumnSharingScope       = "sharingScope"
	ColumnStudyMemberships   = "studyMemberships"
	ColumnClientTimeZone     = "clientTimeZone"
)

// Participant version demographics table columns.
const (
	ColumnDemographicCategoryName = "demographicCategoryName"
	ColumnDemographicValue        = "demographicValue"
	ColumnDemographicUnits        = "demographicUnits"
)

const (
	maxLanguages      = 10
	maxLanguageLength = 5
)

// RowBuilder builds warehouse rows for participant versions. Column IDs
// are resolved from the target table's live schema and cached for the
// process lifetime; table schemas are immutable once created.
type RowBuilder struct {
	warehouse   ports.WarehouseAPI
	columnCache ports.Cache
	logger      *zap.Logger
}

// NewRowBuilder creates a RowBuilder over the given warehouse client.
func NewRowBuilder(warehouse ports.WarehouseAPI, logger *zap.Logger) *RowBuilder {
	return &RowBuilder{
		warehouse:   warehouse,
		columnCache: cache.New(),
		logger:      logger,
	}
}

// BuildParticipantVersionRow builds the participant version table row for
// one participant version. If this is the app-wide table, leave studyID
// blank; otherwise study memberships are restricted to that study.
//
// Nil fields are omitted from the row entirely, never written as empty
// strings. None of the values need sanitizing: they are either generated
// or already validated by the server.
func (b *RowBuilder) BuildParticipantVersionRow(ctx context.Context, studyID, tableID string,
	pv *study.ParticipantVersion) (study.PartialRow, error) {
	columnIDs, err := b.ResolveColumnIDs(ctx, tableID)
	if err != nil {
		return nil, err
	}

	row := make(study.PartialRow)
	if pv.HealthCode != nil {
		b.put(row, columnIDs, ColumnHealthCode, *pv.HealthCode)
	}
	if pv.ParticipantVersion != nil {
		b.put(row, columnIDs, ColumnParticipantVersion, strconv.Itoa(*pv.ParticipantVersion))
	}
	if pv.CreatedOn != nil {
		b.put(row, columnIDs, ColumnCreatedOn, strconv.FormatInt(*pv.CreatedOn, 10))
	}
	if pv.ModifiedOn != nil {
		b.put(row, columnIDs, ColumnModifiedOn, strconv.FormatInt(*pv.ModifiedOn, 10))
	}
	if pv.DataGroups != nil {
		b.put(row, columnIDs, ColumnDataGroups, SerializeDataGroups(pv.DataGroups))
	}
	if pv.Languages != nil {
		serialized, err := b.serializeLanguages(pv)
		if err != nil {
			return nil, err
		}
		b.put(row, columnIDs, ColumnLanguages, serialized)
	}
	if pv.SharingScope != nil {
		b.put(row, columnIDs, ColumnSharingScope, string(*pv.SharingScope))
	}
	// Memberships come from active enrollments only; withdrawn
	// enrollments are excluded upstream. Empty input omits the column.
	if serialized := SerializeStudyMemberships(studyID, pv.StudyMemberships); serialized != "" {
		b.put(row, columnIDs, ColumnStudyMemberships, serialized)
	}
	if pv.TimeZone != nil {
		b.put(row, columnIDs, ColumnClientTimeZone, *pv.TimeZone)
	}
	return row, nil
}

// serializeLanguages renders the language list as a JSON array string,
// the warehouse's format for string lists. Order is meaningful and
// preserved. Oversized lists and overlong codes are truncated with a
// warning rather than failing the whole row.
func (b *RowBuilder) serializeLanguages(pv *study.ParticipantVersion) (string, error) {
	languages := pv.Languages
	if len(languages) > maxLanguages {
		b.logger.Warn("Truncating language list",
			zap.Stringp("healthCode", pv.HealthCode),
			zap.Int("languageCount", len(languages)),
		)
		languages = languages[:maxLanguages]
	}

	sanitized := make([]string, len(languages))
	for i, language := range languages {
		// Truncate by characters, not bytes, so a multi-byte code point at
		// the boundary isn't split into invalid UTF-8.
		if runes := []rune(language); len(runes) > maxLanguageLength {
			b.logger.Warn("Truncating invalid language",
				zap.Stringp("healthCode", pv.HealthCode),
				zap.String("language", language),
			)
			language = string(runes[:maxLanguageLength])
		}
		sanitized[i] = language
	}

	serialized, err := json.Marshal(sanitized)
	if err != nil {
		return "", fmt.Errorf("failed to serialize languages: %w", err)
	}
	return string(serialized), nil
}

// BuildDemographicRows builds the demographics table rows for one
// participant version: one row per demographic value. Returns no rows
// when health code or version number is missing, because the rows would
// be unjoinable with the main participant versions table.
func (b *RowBuilder) BuildDemographicRows(ctx context.Context, appID, studyID, tableID string,
	pv *study.ParticipantVersion) ([]study.PartialRow, error) {
	if pv.HealthCode == nil || pv.ParticipantVersion == nil {
		return []study.PartialRow{}, nil
	}

	columnIDs, err := b.ResolveColumnIDs(ctx, tableID)
	if err != nil {
		return nil, err
	}

	rows := []study.PartialRow{}
	for categoryName, demographic := range pv.AppDemographics {
		if categoryName == "" || demographic == nil {
			// Don't bother saving a nameless category or a nil response.
			continue
		}
		for _, value := range demographic.Values {
			row := make(study.PartialRow)
			b.put(row, columnIDs, ColumnHealthCode, *pv.HealthCode)
			b.put(row, columnIDs, ColumnParticipantVersion, strconv.Itoa(*pv.ParticipantVersion))
			b.put(row, columnIDs, ColumnDemographicCategoryName, categoryName)
			b.put(row, columnIDs, ColumnDemographicValue, value)
			if demographic.Units != nil {
				b.put(row, columnIDs, ColumnDemographicUnits, *demographic.Units)
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// ResolveColumnIDs maps column names to column IDs for the given table.
// This needs a network call, so the result is cached for the process
// lifetime; table schemas are immutable post-creation.
func (b *RowBuilder) ResolveColumnIDs(ctx context.Context, tableID string) (map[string]string, error) {
	cacheKey := "column-ids:" + tableID
	if cached, ok := b.columnCache.Get(ctx, cacheKey); ok {
		return cached.(map[string]string), nil
	}

	columnModels, err := b.warehouse.GetColumnModels(ctx, tableID)
	if err != nil {
		return nil, err
	}

	columnIDs := make(map[string]string, len(columnModels))
	for _, model := range columnModels {
		columnIDs[model.Name] = model.ID
	}

	if err := b.columnCache.Set(ctx, cacheKey, columnIDs, 0); err != nil {
		b.logger.Warn("Failed to cache column IDs",
			zap.String("tableId", tableID),
			zap.Error(err),
		)
	}
	return columnIDs, nil
}

// put writes a value under the named column's ID. A column missing from
// the table schema is logged and skipped, not an error.
func (b *RowBuilder) put(row study.PartialRow, columnIDs map[string]string, columnName, value string) {
	columnID, ok := columnIDs[columnName]
	if !ok {
		b.logger.Warn("Table has no such column, dropping value",
			zap.String("columnName", columnName),
		)
		return
	}
	row[columnID] = value
}

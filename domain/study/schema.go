package study

import (
	"fmt"
	"strings"
)

// UploadSchemaKey identifies one revision of an upload schema. Revision is
// unique per (AppID, SchemaID), so two keys never tie on revision.
type UploadSchemaKey struct {
	AppID    string
	SchemaID string
	Revision int
}

// String renders the canonical form used as the primary key of the
// schema-to-table mapping, e.g. "my-app-my-schema-v3".
func (k UploadSchemaKey) String() string {
	return fmt.Sprintf("%s-%s-v%d", k.AppID, k.SchemaID, k.Revision)
}

// ParseUploadSchemaKey builds an UploadSchemaKey from the stored key
// attribute, which has the form "appId:schemaId", plus the revision.
func ParseUploadSchemaKey(key string, revision int) (UploadSchemaKey, error) {
	appID, schemaID, ok := strings.Cut(key, ":")
	if !ok || appID == "" || schemaID == "" {
		return UploadSchemaKey{}, fmt.Errorf("malformed upload schema key %q", key)
	}
	return UploadSchemaKey{AppID: appID, SchemaID: schemaID, Revision: revision}, nil
}

// UploadSchema is one versioned upload schema record. Multiple revisions
// may exist per (AppID, SchemaID); the canonical schema for a warehouse
// table is the mapped schema with the highest revision.
type UploadSchema struct {
	Key        UploadSchemaKey
	Name       string
	FieldNames []string
	FieldTypes map[string]string
}

// StudyInfo is the subset of the study record the workers need.
type StudyInfo struct {
	StudyID      string
	Name         string
	ShortName    string
	SupportEmail string
}

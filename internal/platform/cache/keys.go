package cache

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Entity namespaces. Every key starts with one of these followed by the
// tenant id, so a tenant's entries for one entity type share a prefix.
const (
	EntityTemplates          = "templates"
	EntityTemplateCategories = "templateCategories"
	EntityFormData           = "formData"
	EntityFormComponents     = "formComponents"
)

// TenantPrefix is the invalidation prefix for one entity type in one tenant.
// The trailing colon keeps tenant "a" from matching tenant "ab".
func TenantPrefix(entity, tenantID string) string {
	return fmt.Sprintf("%s:%s:", entity, tenantID)
}

func EntityKey(entity, tenantID string, id uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", entity, tenantID, id)
}

func TemplateVersionKey(tenantID string, templateID, versionID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s:version:%s", EntityTemplates, tenantID, templateID, versionID)
}

func LatestVersionKey(tenantID string, templateID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s:version:latest", EntityTemplates, tenantID, templateID)
}

// ListKey derives a stable key from arbitrary list options.
func ListKey(entity, tenantID string, opts interface{}) string {
	raw, _ := json.Marshal(opts)
	sum := sha1.Sum(raw)
	return fmt.Sprintf("%s:%s:list:%s", entity, tenantID, hex.EncodeToString(sum[:8]))
}

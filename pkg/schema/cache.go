package schema

import (
	"context"

	"github.com/tabletsql/cdcsdk/internal/cdclog"
)

// CatalogClient is the external collaborator that looks up a table's schema
// as it stood at a given hybrid-time; the catalog-manager schema lookup
// itself lives outside this module and is reached only through this
// interface.
type CatalogClient interface {
	GetTableSchemaFromSysCatalog(ctx context.Context, tableID string, hybridTime uint64) (Schema, SchemaVersion, error)
	// GetColocatedTables returns the table ids sharing this tablet, used by
	// the snapshot path's co-located-table DDL emission.
	GetColocatedTables(ctx context.Context, tabletID string) ([]string, error)
}

// TabletSchemaSource exposes the tablet's currently mounted schema, used as
// the fallback when a catalog lookup fails.
type TabletSchemaSource interface {
	CurrentSchema() (Schema, SchemaVersion)
}

// CacheSlot is a caller-owned cache slot: a plain value holding the latest
// resolved (Schema, SchemaVersion) for one call chain, copied out of the
// tablet rather than back-referencing it. It is single-writer per call and
// must not be shared across concurrent callers.
type CacheSlot struct {
	schema  Schema
	version SchemaVersion
}

// Initialized reports whether the slot has been populated.
func (c *CacheSlot) Initialized() bool { return c.schema.Initialized() }

// Get returns the cached (Schema, SchemaVersion).
func (c *CacheSlot) Get() (Schema, SchemaVersion) { return c.schema, c.version }

// Set overwrites the cache slot.
func (c *CacheSlot) Set(s Schema, v SchemaVersion) {
	c.schema = s
	c.version = v
}

// Resolve fetches the schema in effect at hybridTime from the catalog,
// publishing it into slot on success. On failure it logs a warning and
// falls back to the tablet's currently mounted schema/version without
// propagating the error: a schema lookup failure is an observable
// warning, never a call failure.
func Resolve(
	ctx context.Context,
	slot *CacheSlot,
	catalog CatalogClient,
	tableID string,
	hybridTime uint64,
	fallback TabletSchemaSource,
) (Schema, SchemaVersion) {
	s, v, err := catalog.GetTableSchemaFromSysCatalog(ctx, tableID, hybridTime)
	if err != nil {
		cdclog.Warningf(ctx, "failed to get schema version %d for table %s from system catalog at ht=%d: %v",
			v, tableID, hybridTime, err)
		s, v = fallback.CurrentSchema()
		slot.Set(s, v)
		return s, v
	}
	slot.Set(s, v)
	return s, v
}

// MaybeLoad loads the slot iff it is uninitialized; it is idempotent
// within a call chain.
func MaybeLoad(
	ctx context.Context,
	slot *CacheSlot,
	catalog CatalogClient,
	tableID string,
	hybridTime uint64,
	fallback TabletSchemaSource,
) (Schema, SchemaVersion) {
	if slot.Initialized() {
		return slot.Get()
	}
	return Resolve(ctx, slot, catalog, tableID, hybridTime, fallback)
}

// InstallAndCrossCheck implements the CHANGE_METADATA authority rule: the
// WAL message's (schema, version) is authoritative and is installed
// immediately, then cross-checked against a catalog lookup at the
// message's hybrid-time; if they disagree, the catalog's answer wins. This
// guards against historical failed DDLs that still appear in the WAL.
func InstallAndCrossCheck(
	ctx context.Context,
	slot *CacheSlot,
	catalog CatalogClient,
	tableID string,
	hybridTime uint64,
	fromMetadata Schema,
	fromMetadataVersion SchemaVersion,
) (Schema, SchemaVersion) {
	slot.Set(fromMetadata, fromMetadataVersion)

	s, v, err := catalog.GetTableSchemaFromSysCatalog(ctx, tableID, hybridTime)
	if err != nil {
		cdclog.Warningf(ctx, "failed to get the specific schema version from system catalog for table %s; "+
			"proceeding with the version from CHANGE_METADATA_OP: %v", tableID, err)
		return fromMetadata, fromMetadataVersion
	}
	if v != fromMetadataVersion {
		slot.Set(s, v)
		return s, v
	}
	return fromMetadata, fromMetadataVersion
}

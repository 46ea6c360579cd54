package mapper

import (
	"strings"

	"ddf_sync/internal/domain"
	"ddf_sync/internal/rets"
)

// InactiveEntryID marks a lookup entry the vendor has retired.
const InactiveEntryID = "-1"

// LookupTable describes one vendor lookup table and how its keys map to local fields.
type LookupTable struct {
	Resource string
	Lookup   string
	Fields   map[string]string
}

// ID is the "<resource>:<lookup>" form used in logs and metadata requests.
func (t LookupTable) ID() string {
	return t.Resource + ":" + t.Lookup
}

// lookupFields is the key set every DDF lookup table is expected to carry.
var lookupFields = map[string]string{
	"LongValue":       "long_value",
	"Value":           "value",
	"MetadataEntryID": "metadata_entry_id",
	"ShortValue":      "short_value",
}

var propertyLookups = []string{
	"AmenitiesNearBy",
	"AppliancesIncluded",
	"ArchitecturalStyle",
	"BasementDevelopment",
	"BasementType",
	"BuildingType",
	"BusinessType",
	"ConstructionMaterial",
	"CoolingType",
	"ExteriorFinish",
	"FireplaceFuel",
	"FlooringType",
	"FoundationType",
	"HeatingFuel",
	"HeatingType",
	"LandscapeFeatures",
	"ListingContractType",
	"OwnershipType",
	"ParkingType",
	"PoolType",
	"PropertyType",
	"RoofMaterial",
	"RoofStyle",
	"StorageType",
	"StoreyCount",
	"TransactionType",
	"ViewType",
	"WaterFrontType",
	"ZoningType",
}

// DefaultLookupTables returns the Property lookup tables refreshed before every sync.
func DefaultLookupTables() []LookupTable {
	tables := make([]LookupTable, 0, len(propertyLookups))
	for _, name := range propertyLookups {
		tables = append(tables, LookupTable{
			Resource: "Property",
			Lookup:   name,
			Fields:   lookupFields,
		})
	}
	return tables
}

// MapLookupRow renames a lookup row's vendor keys to local fields. The second result
// is false when the row's key count differs from what the table declares; the entry
// is still usable.
func MapLookupRow(table LookupTable, row rets.Row) (domain.MetadataEntry, bool) {
	local := make(map[string]string, len(table.Fields))
	for vendor, field := range table.Fields {
		local[field] = strings.TrimSpace(row[vendor])
	}

	entry := domain.MetadataEntry{
		Resource:   table.Resource,
		Lookup:     table.Lookup,
		EntryID:    local["metadata_entry_id"],
		LongValue:  local["long_value"],
		ShortValue: local["short_value"],
		Value:      local["value"],
	}
	return entry, len(row) == len(table.Fields)
}

// IsInactiveEntry reports whether entryID is the vendor's "removed" sentinel.
func IsInactiveEntry(entryID string) bool {
	return strings.TrimSpace(entryID) == InactiveEntryID
}

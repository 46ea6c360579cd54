package domain

// MetadataEntry is one row of a vendor lookup table (property types, styles, ...).
// EntryID is unique per (Resource, Lookup); stored rows are never rewritten.
type MetadataEntry struct {
	ID         int64  `db:"id"`
	Resource   string `db:"resource"`
	Lookup     string `db:"lookup_name"`
	EntryID    string `db:"metadata_entry_id"`
	LongValue  string `db:"long_value"`
	ShortValue string `db:"short_value"`
	Value      string `db:"value"`
}

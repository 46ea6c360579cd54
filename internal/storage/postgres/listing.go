package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"ddf_sync/internal/domain"
)

type ListingStore struct {
	db *sqlx.DB
}

func NewListingStore(db *sqlx.DB) *ListingStore {
	return &ListingStore{db: db}
}

// Upsert inserts or refreshes a listing by ddf_id. An existing row is only
// overwritten when the incoming copy is newer or the row was deactivated.
func (s *ListingStore) Upsert(ctx context.Context, l *domain.Listing) (int64, error) {
	raw, err := json.Marshal(l.Raw)
	if err != nil {
		return 0, fmt.Errorf("marshal raw row: %w", err)
	}

	query := `
		INSERT INTO listings (
			ddf_id, listing_number, board, active, transaction_type, ownership_type,
			property_type, building_type, price, lease, street_address, city, province,
			postal_code, latitude, longitude, geohash, bedrooms, bathrooms, size_interior,
			land_size, constructed_year, public_remarks, more_information, office_name,
			last_updated, raw
		) VALUES (
			$1, $2, $3, TRUE, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26
		)
		ON CONFLICT (ddf_id) DO UPDATE SET
			listing_number = EXCLUDED.listing_number,
			board = EXCLUDED.board,
			active = TRUE,
			transaction_type = EXCLUDED.transaction_type,
			ownership_type = EXCLUDED.ownership_type,
			property_type = EXCLUDED.property_type,
			building_type = EXCLUDED.building_type,
			price = EXCLUDED.price,
			lease = EXCLUDED.lease,
			street_address = EXCLUDED.street_address,
			city = EXCLUDED.city,
			province = EXCLUDED.province,
			postal_code = EXCLUDED.postal_code,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			geohash = EXCLUDED.geohash,
			bedrooms = EXCLUDED.bedrooms,
			bathrooms = EXCLUDED.bathrooms,
			size_interior = EXCLUDED.size_interior,
			land_size = EXCLUDED.land_size,
			constructed_year = EXCLUDED.constructed_year,
			public_remarks = EXCLUDED.public_remarks,
			more_information = EXCLUDED.more_information,
			office_name = EXCLUDED.office_name,
			last_updated = EXCLUDED.last_updated,
			raw = EXCLUDED.raw,
			updated_at = NOW()
		WHERE listings.last_updated < EXCLUDED.last_updated OR NOT listings.active
		RETURNING id`

	exec := GetExecutor(ctx, s.db)

	var id int64
	err = exec.QueryRowxContext(ctx, query,
		l.DDFID,
		l.ListingNumber,
		l.Board,
		l.TransactionType,
		l.OwnershipType,
		l.PropertyType,
		l.BuildingType,
		l.Price,
		l.Lease,
		l.StreetAddress,
		l.City,
		l.Province,
		l.PostalCode,
		l.Latitude,
		l.Longitude,
		l.Geohash,
		l.Bedrooms,
		l.Bathrooms,
		l.SizeInterior,
		l.LandSize,
		l.ConstructedYear,
		l.PublicRemarks,
		l.MoreInformation,
		l.OfficeName,
		l.LastUpdated,
		string(raw),
	).Scan(&id)

	if err == sql.ErrNoRows {
		err = exec.QueryRowxContext(ctx,
			"SELECT id FROM listings WHERE ddf_id = $1",
			l.DDFID,
		).Scan(&id)
	}

	if err != nil {
		return 0, err
	}

	l.ID = id
	return id, nil
}

// GetExistingByDDFIDs returns last_updated for the active listings among ids.
func (s *ListingStore) GetExistingByDDFIDs(ctx context.Context, ids []string) (map[string]time.Time, error) {
	if len(ids) == 0 {
		return make(map[string]time.Time), nil
	}

	query := `SELECT ddf_id, last_updated FROM listings WHERE ddf_id = ANY($1) AND active`

	rows, err := GetExecutor(ctx, s.db).QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var ddfID string
		var lastUpdated time.Time
		if err := rows.Scan(&ddfID, &lastUpdated); err != nil {
			return nil, err
		}
		result[ddfID] = lastUpdated
	}

	return result, rows.Err()
}

// DeactivateExcept marks every active listing not in seen as inactive and returns
// how many rows changed.
func (s *ListingStore) DeactivateExcept(ctx context.Context, seen []string) (int64, error) {
	query := `
		UPDATE listings SET active = FALSE, updated_at = NOW()
		WHERE active AND NOT (ddf_id = ANY($1))`

	res, err := GetExecutor(ctx, s.db).ExecContext(ctx, query, pq.Array(seen))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountActive returns the number of active listings.
func (s *ListingStore) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM listings WHERE active")
	return n, err
}

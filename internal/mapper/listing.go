package mapper

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/mmcloughlin/geohash"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"ddf_sync/internal/domain"
	"ddf_sync/internal/rets"
)

const geohashPrecision = 9

// ErrMissingID is returned for rows that carry no vendor listing id.
var ErrMissingID = errors.New("listing row has no id")

var lastUpdatedLayouts = []string{
	time.RFC1123,
	time.RFC1123Z,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// MapListing converts one search row into a Listing. Both STANDARD-XML (nested,
// dotted keys) and COMPACT (flat vendor names) rows are accepted.
func MapListing(row rets.Row) (*domain.Listing, error) {
	ddfID := ListingID(row)
	if ddfID == "" {
		return nil, ErrMissingID
	}

	lastUpdated, err := parseLastUpdated(first(row, "LastUpdated", "ModificationTimestamp"))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", ddfID, err)
	}

	l := &domain.Listing{
		DDFID:           ddfID,
		ListingNumber:   first(row, "ListingID", "ListingId"),
		Board:           first(row, "Board"),
		Active:          true,
		TransactionType: first(row, "TransactionType"),
		OwnershipType:   first(row, "OwnershipType"),
		PropertyType:    first(row, "PropertyType"),
		BuildingType:    first(row, "Building.Type", "BuildingType"),
		Price:           parseFloat(first(row, "Price", "ListPrice")),
		Lease:           parseFloat(first(row, "Lease", "LeaseAmount")),
		StreetAddress:   first(row, "Address.StreetAddress", "StreetAddress"),
		City:            titleIfUpper(first(row, "Address.City", "City")),
		Province:        titleIfUpper(first(row, "Address.Province", "Province", "StateOrProvince")),
		PostalCode:      strings.ToUpper(first(row, "Address.PostalCode", "PostalCode")),
		Latitude:        parseFloat(first(row, "Address.Latitude", "Latitude")),
		Longitude:       parseFloat(first(row, "Address.Longitude", "Longitude")),
		Bedrooms:        parseInt(first(row, "Building.BedroomsTotal", "BedroomsTotal")),
		Bathrooms:       parseInt(first(row, "Building.BathroomTotal", "BathroomsTotal")),
		SizeInterior:    first(row, "Building.SizeInterior", "SizeInterior"),
		LandSize:        first(row, "Land.SizeTotalText", "LotSizeArea"),
		ConstructedYear: parseInt(first(row, "Building.ConstructedDate", "YearBuilt")),
		PublicRemarks:   first(row, "PublicRemarks"),
		MoreInformation: first(row, "MoreInformationLink"),
		OfficeName:      first(row, "AgentDetails.Office.Name", "ListOfficeName"),
		LastUpdated:     lastUpdated,
		Raw:             make(map[string]string, len(row)),
	}
	for k, v := range row {
		l.Raw[k] = v
	}

	if l.Latitude != nil && l.Longitude != nil {
		l.Geohash = Geohash(*l.Latitude, *l.Longitude)
	}

	return l, nil
}

// ListingID returns the vendor listing id of row, or "" when it has none.
func ListingID(row rets.Row) string {
	return first(row, "ID", "ListingKey")
}

// Geohash encodes coordinates at the precision stored on listings.
func Geohash(lat, lng float64) string {
	return geohash.EncodeWithPrecision(lat, lng, geohashPrecision)
}

func first(row rets.Row, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(row[k]); v != "" {
			return v
		}
	}
	return ""
}

func parseLastUpdated(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("missing last updated timestamp")
	}
	for _, layout := range lastUpdatedLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised last updated timestamp %q", v)
}

func parseFloat(v string) *float64 {
	v = strings.NewReplacer("$", "", ",", "", " ", "").Replace(v)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

func parseInt(v string) *int {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil
	}
	return &n
}

// titleIfUpper rewrites shouting values ("NORTH VANCOUVER") in title case and leaves
// mixed-case values alone.
func titleIfUpper(v string) string {
	hasLetter := false
	for _, r := range v {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return v
			}
		}
	}
	if !hasLetter {
		return v
	}
	return cases.Title(language.English).String(strings.ToLower(v))
}

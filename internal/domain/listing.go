package domain

import "time"

// Listing is the local copy of one DDF property record, keyed by DDFID.
type Listing struct {
	ID            int64
	DDFID         string
	ListingNumber string
	Board         string
	Active        bool

	TransactionType string
	OwnershipType   string
	PropertyType    string
	BuildingType    string
	Price           *float64
	Lease           *float64

	StreetAddress string
	City          string
	Province      string
	PostalCode    string
	Latitude      *float64
	Longitude     *float64
	Geohash       string

	Bedrooms        *int
	Bathrooms       *int
	SizeInterior    string
	LandSize        string
	ConstructedYear *int
	PublicRemarks   string
	MoreInformation string
	OfficeName      string
	LastUpdated     time.Time
	Raw             map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Photo links a stored image to its listing.
type Photo struct {
	DDFID       string `db:"ddf_id" json:"ddf_id"`
	ObjectID    string `db:"object_id" json:"object_id"`
	URL         string `db:"url" json:"url"`
	ContentType string `db:"content_type" json:"content_type"`
	Preferred   bool   `db:"preferred" json:"preferred"`
	Description string `db:"description" json:"description"`
}

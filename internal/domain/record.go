package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Availability is the closed stock-status enum. Unrecognized source wording
// decodes to AvailabilityUnknown rather than failing validation.
type Availability string

const (
	AvailabilityInStock    Availability = "in_stock"
	AvailabilityOutOfStock Availability = "out_of_stock"
	AvailabilityUnknown    Availability = "unknown"
)

// Price is a non-negative amount in hundredths of the catalog currency unit.
// Fixed-point arithmetic keeps prices exact across parse/compare/store cycles.
type Price int64

// ParsePrice parses strings like "19.99", "£19.99" or "$3" into a Price.
// A leading currency symbol is ignored; anything negative, without digits,
// or with more than two decimal places is rejected.
func ParsePrice(raw string) (Price, error) {
	s := strings.TrimSpace(raw)
	i := strings.IndexAny(s, "0123456789")
	if i < 0 {
		return 0, fmt.Errorf("price %q contains no digits", raw)
	}
	if strings.ContainsRune(s[:i], '-') {
		return 0, fmt.Errorf("price %q is negative", raw)
	}
	s = s[i:]

	whole, frac, hasFrac := strings.Cut(s, ".")
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed price %q", raw)
	}

	var cents int64
	if hasFrac {
		if len(frac) == 0 || len(frac) > 2 {
			return 0, fmt.Errorf("price %q must have one or two decimal places", raw)
		}
		if len(frac) == 1 {
			frac += "0"
		}
		cents, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("malformed price %q", raw)
		}
	}

	return Price(units*100 + cents), nil
}

// String renders the price with exactly two decimal places, e.g. "19.99".
func (p Price) String() string {
	return fmt.Sprintf("%d.%02d", int64(p)/100, int64(p)%100)
}

// CanonicalRecord is the current state of one tracked catalog item. Exactly
// one record exists per IdentityKey; LastSeenAt never decreases.
type CanonicalRecord struct {
	IdentityKey  string
	SourceURL    string
	Title        string
	Price        Price
	Availability Availability
	Rating       int
	Reviews      int
	Category     string
	Description  string
	ImageRef     string
	ContentHash  string
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// RawRecord is what the external fetch/extract layer delivers: a source
// locator, loosely typed extracted fields and the raw page bytes.
type RawRecord struct {
	SourceLocator string         `json:"source_locator"`
	Fields        map[string]any `json:"extracted_fields"`
	RawContent    []byte         `json:"raw_content"`
}

// DeriveIdentityKey maps a source locator to the stable item identity.
func DeriveIdentityKey(sourceLocator string) string {
	sum := sha256.Sum256([]byte(sourceLocator))
	return hex.EncodeToString(sum[:])
}

// HashContent fingerprints raw page content for the unchanged fast path and
// snapshot deduplication.
func HashContent(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

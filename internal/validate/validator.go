// Package validate normalizes loosely typed extracted records into canonical
// ones. Validation is a pure function: no I/O, no clock.
package validate

import (
	"fmt"
	"strconv"
	"strings"

	"catalog_watcher/internal/domain"
)

// FieldViolation names one violated field and why it was rejected.
type FieldViolation struct {
	Field  string
	Reason string
}

// ValidationError carries every violation found, not just the first.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Reason)
	}
	return "invalid record: " + strings.Join(parts, "; ")
}

// ratingWords maps the catalog site's star-rating class names to integers.
var ratingWords = map[string]int{
	"zero":  0,
	"one":   1,
	"two":   2,
	"three": 3,
	"four":  4,
	"five":  5,
}

// Record validates raw into a CanonicalRecord. On failure it returns a
// *ValidationError listing all violated fields. Timestamps are left zero;
// stamping them is the pipeline's job.
func Record(raw domain.RawRecord) (domain.CanonicalRecord, error) {
	var violations []FieldViolation
	fail := func(field, reason string) {
		violations = append(violations, FieldViolation{Field: field, Reason: reason})
	}

	if strings.TrimSpace(raw.SourceLocator) == "" {
		fail("source_locator", "must be non-empty")
	}

	rec := domain.CanonicalRecord{
		SourceURL:    raw.SourceLocator,
		IdentityKey:  domain.DeriveIdentityKey(raw.SourceLocator),
		ContentHash:  domain.HashContent(raw.RawContent),
		Availability: domain.AvailabilityUnknown,
	}

	if title, ok, err := stringField(raw.Fields, "title"); err != nil {
		fail("title", err.Error())
	} else if !ok || strings.TrimSpace(title) == "" {
		fail("title", "must be non-empty")
	} else {
		rec.Title = title
	}

	switch v := raw.Fields["price"].(type) {
	case nil:
		fail("price", "required")
	case string:
		price, err := domain.ParsePrice(v)
		if err != nil {
			fail("price", err.Error())
		} else {
			rec.Price = price
		}
	case float64, int, int64:
		price, err := domain.ParsePrice(fmt.Sprintf("%v", v))
		if err != nil {
			fail("price", err.Error())
		} else {
			rec.Price = price
		}
	default:
		fail("price", fmt.Sprintf("unsupported type %T", v))
	}

	// Tolerant by policy: unrecognized availability wording maps to unknown
	// instead of failing, so upstream copy changes cannot brick the pipeline.
	if avail, ok, err := stringField(raw.Fields, "availability"); err != nil {
		fail("availability", err.Error())
	} else if ok {
		rec.Availability = decodeAvailability(avail)
	}

	if rating, ok, err := ratingField(raw.Fields); err != nil {
		fail("rating", err.Error())
	} else if ok {
		if rating < 0 || rating > 5 {
			// Out of range is an error, never a silent clamp: downstream
			// change detection has to be able to trust stored ratings.
			fail("rating", fmt.Sprintf("%d outside [0,5]", rating))
		} else {
			rec.Rating = rating
		}
	}

	if reviews, ok, err := intField(raw.Fields, "reviews"); err != nil {
		fail("reviews", err.Error())
	} else if ok {
		if reviews < 0 {
			fail("reviews", fmt.Sprintf("%d is negative", reviews))
		} else {
			rec.Reviews = reviews
		}
	}

	for field, dst := range map[string]*string{
		"category":    &rec.Category,
		"description": &rec.Description,
		"image_url":   &rec.ImageRef,
	} {
		if v, ok, err := stringField(raw.Fields, field); err != nil {
			fail(field, err.Error())
		} else if ok {
			*dst = v
		}
	}

	if len(violations) > 0 {
		return domain.CanonicalRecord{}, &ValidationError{Violations: violations}
	}
	return rec, nil
}

func decodeAvailability(s string) domain.Availability {
	switch norm := strings.ToLower(strings.TrimSpace(s)); {
	case strings.Contains(norm, "out of stock"):
		return domain.AvailabilityOutOfStock
	case strings.Contains(norm, "in stock"):
		return domain.AvailabilityInStock
	default:
		return domain.AvailabilityUnknown
	}
}

// ratingField accepts integers, integral floats (JSON numbers), numeric
// strings and the site's star-rating words ("Three").
func ratingField(fields map[string]any) (int, bool, error) {
	v, ok := fields["rating"]
	if !ok || v == nil {
		return 0, false, nil
	}
	if s, isStr := v.(string); isStr {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n, true, nil
		}
		if n, found := ratingWords[strings.ToLower(strings.TrimSpace(s))]; found {
			return n, true, nil
		}
		return 0, false, fmt.Errorf("unrecognized rating %q", s)
	}
	n, ok, err := intValue(v)
	if err != nil {
		return 0, false, fmt.Errorf("unsupported rating type %T", v)
	}
	return n, ok, nil
}

func stringField(fields map[string]any, key string) (string, bool, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, isStr := v.(string)
	if !isStr {
		return "", false, fmt.Errorf("expected string, got %T", v)
	}
	return s, true, nil
}

func intField(fields map[string]any, key string) (int, bool, error) {
	v, ok := fields[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	n, ok, err := intValue(v)
	if err != nil {
		return 0, false, fmt.Errorf("expected integer, got %T", v)
	}
	return n, ok, nil
}

func intValue(v any) (int, bool, error) {
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != float64(int(n)) {
			return 0, false, fmt.Errorf("not integral")
		}
		return int(n), true, nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false, err
		}
		return parsed, true, nil
	default:
		return 0, false, fmt.Errorf("unsupported type")
	}
}

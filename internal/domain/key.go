package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Key is the canonical identity of a tracked hazard occurrence.
type Key struct {
	Office       string
	Phenomenon   string
	Significance Significance
	Sequence     int
	Year         int
}

// TrackingFields are the raw tracking-code fields as they arrive from the feed.
type TrackingFields struct {
	Office       string
	Phenomenon   string
	Significance string
	Sequence     string
	Year         string
}

const (
	minKeyYear  = 2000
	maxKeyYear  = 2099
	maxSequence = 9999
	// phenomenon + significance + sequence + year
	keySuffixLen = 2 + 1 + 4 + 2
)

// KeyFromFields validates raw tracking fields and builds a Key.
// Year may be given with two or four digits.
func KeyFromFields(f TrackingFields) (Key, error) {
	office := strings.ToUpper(strings.TrimSpace(f.Office))
	phen := strings.ToUpper(strings.TrimSpace(f.Phenomenon))
	sig := Significance(strings.ToUpper(strings.TrimSpace(f.Significance)))
	seqStr := strings.TrimSpace(f.Sequence)
	yearStr := strings.TrimSpace(f.Year)

	switch {
	case office == "":
		return Key{}, fmt.Errorf("%w: office is required", ErrMalformedKey)
	case phen == "":
		return Key{}, fmt.Errorf("%w: phenomenon is required", ErrMalformedKey)
	case sig == "":
		return Key{}, fmt.Errorf("%w: significance is required", ErrMalformedKey)
	case seqStr == "":
		return Key{}, fmt.Errorf("%w: sequence is required", ErrMalformedKey)
	case yearStr == "":
		return Key{}, fmt.Errorf("%w: year is required", ErrMalformedKey)
	}

	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		return Key{}, fmt.Errorf("%w: sequence %q is not numeric", ErrMalformedKey, seqStr)
	}
	year, err := strconv.Atoi(yearStr)
	if err != nil {
		return Key{}, fmt.Errorf("%w: year %q is not numeric", ErrMalformedKey, yearStr)
	}
	if len(yearStr) <= 2 {
		year += minKeyYear
	}

	k := Key{Office: office, Phenomenon: phen, Significance: sig, Sequence: seq, Year: year}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks every field against the widths the rendered form relies on.
func (k Key) Validate() error {
	if n := len(k.Office); n < 3 || n > 4 || !isUpperAlpha(k.Office) {
		return fmt.Errorf("%w: office %q must be 3-4 letters", ErrMalformedKey, k.Office)
	}
	if !RecognizedPhenomenon(k.Phenomenon) {
		return fmt.Errorf("%w: unrecognized phenomenon %q", ErrMalformedKey, k.Phenomenon)
	}
	if !k.Significance.Valid() {
		return fmt.Errorf("%w: unrecognized significance %q", ErrMalformedKey, k.Significance)
	}
	if k.Sequence < 0 || k.Sequence > maxSequence {
		return fmt.Errorf("%w: sequence %d out of range", ErrMalformedKey, k.Sequence)
	}
	if k.Year < minKeyYear || k.Year > maxKeyYear {
		return fmt.Errorf("%w: year %d out of range", ErrMalformedKey, k.Year)
	}
	return nil
}

// String renders the key as office, phenomenon, significance, a 4-digit
// sequence and a 2-digit year, e.g. "OUNTOW001524".
func (k Key) String() string {
	return fmt.Sprintf("%s%s%s%04d%02d", k.Office, k.Phenomenon, k.Significance, k.Sequence, k.Year%100)
}

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// Kind derives event vs. episode from the significance.
func (k Key) Kind() Kind {
	switch k.Significance {
	case SignificanceWatch, SignificanceStatement:
		return KindEpisode
	}
	return KindEvent
}

// WithSignificance returns a copy of k with the significance replaced.
func (k Key) WithSignificance(sig Significance) Key {
	k.Significance = sig
	return k
}

// Family is the linking family of the key's phenomenon.
func (k Key) Family() string {
	return Family(k.Phenomenon)
}

// ParseKey is the inverse of String. Only the canonical rendering parses, so
// each key has exactly one string form.
func ParseKey(s string) (Key, error) {
	n := len(s)
	if n < 3+keySuffixLen || n > 4+keySuffixLen {
		return Key{}, fmt.Errorf("%w: %q has length %d", ErrMalformedKey, s, n)
	}
	officeEnd := n - keySuffixLen
	k, err := KeyFromFields(TrackingFields{
		Office:       s[:officeEnd],
		Phenomenon:   s[officeEnd : officeEnd+2],
		Significance: s[officeEnd+2 : officeEnd+3],
		Sequence:     s[officeEnd+3 : officeEnd+7],
		Year:         s[officeEnd+7:],
	})
	if err != nil {
		return Key{}, err
	}
	if k.String() != s {
		return Key{}, fmt.Errorf("%w: %q is not in canonical form", ErrMalformedKey, s)
	}
	return k, nil
}

// MarshalText lets keys serve as JSON strings and map keys. The zero Key
// encodes as an empty string.
func (k Key) MarshalText() ([]byte, error) {
	if k.IsZero() {
		return []byte{}, nil
	}
	return []byte(k.String()), nil
}

func (k *Key) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*k = Key{}
		return nil
	}
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func isUpperAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

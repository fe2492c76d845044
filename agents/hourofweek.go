package agents

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HourOfWeekBitmapLength is hours per week.
const HourOfWeekBitmapLength = 168

// HourOfWeekFilter gates bidding by hour of the week, UTC. Bit index is
// dayOfWeek*24+hour with Sunday as day zero. Serialized as a 168-character
// string of '0' and '1'.
type HourOfWeekFilter struct {
	bitmap [HourOfWeekBitmapLength]bool
}

// AllHours returns a filter accepting every hour.
func AllHours() HourOfWeekFilter {
	var f HourOfWeekFilter
	for i := range f.bitmap {
		f.bitmap[i] = true
	}
	return f
}

// ParseHourOfWeekFilter parses the bitmap string form.
func ParseHourOfWeekFilter(s string) (HourOfWeekFilter, error) {
	var f HourOfWeekFilter
	if len(s) != HourOfWeekBitmapLength {
		return f, fmt.Errorf("hourOfWeek bitmap must be %d characters, got %d", HourOfWeekBitmapLength, len(s))
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '1':
			f.bitmap[i] = true
		case '0':
		default:
			return f, fmt.Errorf("hourOfWeek bitmap has invalid character %q at %d", s[i], i)
		}
	}
	return f, nil
}

// IsIncluded reports whether the auction timestamp's UTC hour is enabled.
func (f *HourOfWeekFilter) IsIncluded(auctionTime time.Time) bool {
	utc := auctionTime.UTC()
	index := int(utc.Weekday())*24 + utc.Hour()
	return f.bitmap[index]
}

// IsDefault is true when every hour is enabled.
func (f *HourOfWeekFilter) IsDefault() bool {
	for _, set := range f.bitmap {
		if !set {
			return false
		}
	}
	return true
}

func (f HourOfWeekFilter) String() string {
	var b strings.Builder
	b.Grow(HourOfWeekBitmapLength)
	for _, set := range f.bitmap {
		if set {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

func (f HourOfWeekFilter) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *HourOfWeekFilter) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHourOfWeekFilter(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

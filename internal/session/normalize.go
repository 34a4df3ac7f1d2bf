package session

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Key variants, in precedence order.
var (
	callerKeys     = []string{"From", "from", "Caller", "caller"}
	callIDKeys     = []string{"CallSid", "callsid", "callSid"}
	bookingRefKeys = []string{"bookingRef", "bookingReference", "BookingRef", "BookingReference"}
	languageKeys   = []string{"language", "preferredLanguage", "Language", "PreferredLanguage"}
)

// Booking is the client metadata shown next to an accepted call.
type Booking struct {
	BookingRef string `json:"bookingRef"`
	Language   string `json:"language"`
}

func (b Booking) IsZero() bool { return b.BookingRef == "" && b.Language == "" }

// CallerNumber returns the first non-empty caller key from a leg's
// parameter bag, or "".
func CallerNumber(params map[string]string) string {
	return firstString(params, callerKeys)
}

// ProviderCallID returns the provider call id used for metadata lookups.
func ProviderCallID(params map[string]string) string {
	return firstString(params, callIDKeys)
}

// BookingFromParams derives booking metadata from a leg's parameter bag.
// ok is false when neither field is present.
func BookingFromParams(params map[string]string) (Booking, bool) {
	b := Booking{
		BookingRef: firstString(params, bookingRefKeys),
		Language:   firstString(params, languageKeys),
	}
	return b, !b.IsZero()
}

// NormalizeBooking folds a metadata payload into a Booking. Strings and
// numbers are accepted; ok is false when neither field is present.
func NormalizeBooking(payload map[string]any) (Booking, bool) {
	b := Booking{
		BookingRef: firstAny(payload, bookingRefKeys),
		Language:   firstAny(payload, languageKeys),
	}
	return b, !b.IsZero()
}

func firstString(m map[string]string, keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

func firstAny(m map[string]any, keys []string) string {
	for _, k := range keys {
		if v := scalarString(m[k]); v != "" {
			return v
		}
	}
	return ""
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

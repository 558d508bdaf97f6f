package directory

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
	"github.com/pkg/errors"
)

// Number is a parsed caller id.
type Number struct {
	E164     string
	Region   string
	Timezone string
}

// countryTimezones maps a region code to its most populous timezone. Regions
// that are missing fall back to UTC.
var countryTimezones = map[string]string{
	"IN": "Asia/Kolkata",
	"CN": "Asia/Shanghai",
	"JP": "Asia/Tokyo",
	"SG": "Asia/Singapore",
	"AE": "Asia/Dubai",
	"US": "America/New_York",
	"CA": "America/Toronto",
	"MX": "America/Mexico_City",
	"BR": "America/Sao_Paulo",
	"GB": "Europe/London",
	"IE": "Europe/Dublin",
	"DE": "Europe/Berlin",
	"FR": "Europe/Paris",
	"ES": "Europe/Madrid",
	"NL": "Europe/Amsterdam",
	"ZA": "Africa/Johannesburg",
	"NG": "Africa/Lagos",
	"KE": "Africa/Nairobi",
	"EG": "Africa/Cairo",
	"AU": "Australia/Sydney",
	"NZ": "Pacific/Auckland",
}

// Normalize parses a caller id as delivered by the telephony provider.
// Numbers without a leading + are parsed against defaultRegion; WhatsApp
// sends bare international digits, so those are retried with a + prefix.
func Normalize(raw, defaultRegion string) (Number, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Number{}, errors.New("empty caller id")
	}
	num, err := phonenumbers.Parse(raw, defaultRegion)
	if err != nil && !strings.HasPrefix(raw, "+") {
		num, err = phonenumbers.Parse("+"+raw, "")
	}
	if err != nil {
		return Number{}, errors.Wrapf(err, "parse caller id %q", raw)
	}
	if !phonenumbers.IsValidNumber(num) {
		return Number{}, errors.Errorf("caller id %q is not a valid number", raw)
	}
	region := phonenumbers.GetRegionCodeForNumber(num)
	tz, ok := countryTimezones[region]
	if !ok {
		tz = "UTC"
	}
	return Number{
		E164:     phonenumbers.Format(num, phonenumbers.E164),
		Region:   region,
		Timezone: tz,
	}, nil
}

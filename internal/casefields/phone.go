package casefields

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// countryRegions maps the country names offered by the intake form to
// ISO 3166 region codes.
var countryRegions = map[string]string{
	"india":                "IN",
	"united states":        "US",
	"usa":                  "US",
	"united kingdom":       "GB",
	"uk":                   "GB",
	"united arab emirates": "AE",
	"uae":                  "AE",
	"canada":               "CA",
	"australia":            "AU",
	"nepal":                "NP",
	"bangladesh":           "BD",
	"sri lanka":            "LK",
	"singapore":            "SG",
	"saudi arabia":         "SA",
	"qatar":                "QA",
	"oman":                 "OM",
	"kuwait":               "KW",
	"germany":              "DE",
	"france":               "FR",
}

// RegionFor resolves a country name or two-letter code to a region code
// known to libphonenumber. It returns "" when the country is unknown.
func RegionFor(country string) string {
	c := strings.ToLower(strings.TrimSpace(country))
	if r, ok := countryRegions[c]; ok {
		return r
	}
	if len(c) == 2 {
		r := strings.ToUpper(c)
		if phonenumbers.GetCountryCodeForRegion(r) != 0 {
			return r
		}
	}
	return ""
}

// ValidatePhone checks number against the numbering plan of country. Numbers
// in international form (+CC...) are checked against their own plan. When the
// country is unknown and the number is local, only the digit count is checked.
func ValidatePhone(number, country string) error {
	region := RegionFor(country)
	if region == "" && !strings.HasPrefix(strings.TrimSpace(number), "+") {
		digits := 0
		for _, r := range number {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 7 || digits > 15 {
			return fmt.Errorf("phone number %q has %d digits", number, digits)
		}
		return nil
	}

	num, err := phonenumbers.Parse(number, region)
	if err != nil {
		return fmt.Errorf("parse phone number: %w", err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return fmt.Errorf("phone number %q is not valid", number)
	}
	return nil
}

// NormalizePhone returns number in E.164 form, or the input unchanged when it
// cannot be parsed.
func NormalizePhone(number, country string) string {
	num, err := phonenumbers.Parse(number, RegionFor(country))
	if err != nil || !phonenumbers.IsValidNumber(num) {
		return number
	}
	return phonenumbers.Format(num, phonenumbers.E164)
}

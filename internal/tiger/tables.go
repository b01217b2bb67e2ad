// Package tiger describes the Census TIGER/Line ADDRFEAT archive: which
// states are fetched, which county codes are candidates in each, and where
// each county's archive lives.
package tiger

import (
	"fmt"
	"sort"
	"strings"
)

// Region is one state whose county archives are fetched.
type Region struct {
	Name     string `yaml:"name"`     // e.g., "arkansas"; also the artifact directory
	Abbr     string `yaml:"abbr"`     // e.g., "AR"
	FIPS     string `yaml:"fips"`     // 2-digit state FIPS code
	Counties int    `yaml:"counties"` // known county count, informational
	MaxCode  int    `yaml:"max_code"` // highest candidate county code
	OddOnly  bool   `yaml:"odd_only"` // county codes are assigned odd numbers
}

// Candidates returns the superset of county codes that may exist in the
// region. Absent codes are discovered from the archive, never assumed.
func (r Region) Candidates() []string {
	maxCode := r.MaxCode
	if maxCode <= 0 {
		maxCode = 2*r.Counties - 1
	}
	step := 1
	if r.OddOnly {
		step = 2
	}
	out := make([]string, 0, maxCode/step+1)
	for code := 1; code <= maxCode && code <= 999; code += step {
		out = append(out, fmt.Sprintf("%03d", code))
	}
	return out
}

func (r Region) String() string {
	return fmt.Sprintf("%s (%s)", r.Name, r.FIPS)
}

// stateRegion builds a catalog entry using the odd-code convention.
func stateRegion(name, abbr string, counties int) Region {
	return Region{
		Name:     name,
		Abbr:     abbr,
		FIPS:     FIPSCodes[abbr],
		Counties: counties,
		MaxCode:  2*counties - 1,
		OddOnly:  true,
	}
}

// DefaultRegions is the built-in catalog in fetch priority order: the
// primary research state first, then its neighbours.
var DefaultRegions = []Region{
	stateRegion("arkansas", "AR", 75),
	stateRegion("tennessee", "TN", 95),
	stateRegion("mississippi", "MS", 82),
	stateRegion("louisiana", "LA", 64),
	stateRegion("texas", "TX", 254),
	stateRegion("oklahoma", "OK", 77),
	stateRegion("missouri", "MO", 115),
}

// FIPSCodes maps state abbreviation to 2-digit FIPS code for all 50 states + DC.
var FIPSCodes = map[string]string{
	"AL": "01", "AK": "02", "AZ": "04", "AR": "05", "CA": "06",
	"CO": "08", "CT": "09", "DE": "10", "DC": "11", "FL": "12",
	"GA": "13", "HI": "15", "ID": "16", "IL": "17", "IN": "18",
	"IA": "19", "KS": "20", "KY": "21", "LA": "22", "ME": "23",
	"MD": "24", "MA": "25", "MI": "26", "MN": "27", "MS": "28",
	"MO": "29", "MT": "30", "NE": "31", "NV": "32", "NH": "33",
	"NJ": "34", "NM": "35", "NY": "36", "NC": "37", "ND": "38",
	"OH": "39", "OK": "40", "OR": "41", "PA": "42", "RI": "44",
	"SC": "45", "SD": "46", "TN": "47", "TX": "48", "UT": "49",
	"VT": "50", "VA": "51", "WA": "53", "WV": "54", "WI": "55",
	"WY": "56",
}

// abbrByFIPS is a reverse lookup from FIPS code to state abbreviation.
var abbrByFIPS map[string]string

func init() {
	abbrByFIPS = make(map[string]string, len(FIPSCodes))
	for abbr, fips := range FIPSCodes {
		abbrByFIPS[fips] = abbr
	}
}

// AbbrFromFIPS returns the state abbreviation for a FIPS code.
func AbbrFromFIPS(fips string) (string, bool) {
	abbr, ok := abbrByFIPS[fips]
	return abbr, ok
}

// AllStateAbbrs returns a sorted list of state abbreviations (50 states + DC).
func AllStateAbbrs() []string {
	abbrs := make([]string, 0, len(FIPSCodes))
	for abbr := range FIPSCodes {
		abbrs = append(abbrs, abbr)
	}
	sort.Strings(abbrs)
	return abbrs
}

// normalizeName folds a user-supplied region name for matching.
func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

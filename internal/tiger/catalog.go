package tiger

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Catalog is an ordered set of regions.
type Catalog struct {
	Regions []Region `yaml:"regions"`
}

// DefaultCatalog returns a copy of the built-in catalog.
func DefaultCatalog() Catalog {
	regions := make([]Region, len(DefaultRegions))
	copy(regions, DefaultRegions)
	return Catalog{Regions: regions}
}

// LoadCatalog reads a YAML catalog file. An empty path returns the default
// catalog.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, eris.Wrapf(err, "tiger: read catalog %s", path)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, eris.Wrapf(err, "tiger: parse catalog %s", path)
	}
	if len(c.Regions) == 0 {
		return Catalog{}, eris.Errorf("tiger: catalog %s defines no regions", path)
	}

	seen := make(map[string]bool, len(c.Regions))
	for i := range c.Regions {
		r := &c.Regions[i]
		r.Name = normalizeName(r.Name)
		r.Abbr = strings.ToUpper(strings.TrimSpace(r.Abbr))
		if r.FIPS == "" {
			r.FIPS = FIPSCodes[r.Abbr]
		}
		if r.Abbr == "" {
			r.Abbr, _ = AbbrFromFIPS(r.FIPS)
		}
		if r.Name == "" || len(r.FIPS) != 2 {
			return Catalog{}, eris.Errorf("tiger: catalog entry %d needs a name and a 2-digit FIPS code", i)
		}
		if r.MaxCode <= 0 && r.Counties <= 0 {
			return Catalog{}, eris.Errorf("tiger: catalog entry %s needs counties or max_code", r.Name)
		}
		if seen[r.FIPS] {
			return Catalog{}, eris.Errorf("tiger: duplicate catalog entry for FIPS %s", r.FIPS)
		}
		seen[r.FIPS] = true
	}

	return c, nil
}

// Lookup finds a region by name, abbreviation or FIPS code.
func (c Catalog) Lookup(key string) (Region, bool) {
	key = normalizeName(key)
	for _, r := range c.Regions {
		if r.Name == key || strings.ToLower(r.Abbr) == key || r.FIPS == key {
			return r, true
		}
	}
	return Region{}, false
}

// ByFIPS finds a region by its FIPS code.
func (c Catalog) ByFIPS(fips string) (Region, bool) {
	for _, r := range c.Regions {
		if r.FIPS == fips {
			return r, true
		}
	}
	return Region{}, false
}

// Select resolves the requested regions in the order given. An empty request
// returns the whole catalog in priority order.
func (c Catalog) Select(keys []string) ([]Region, error) {
	if len(keys) == 0 {
		out := make([]Region, len(c.Regions))
		copy(out, c.Regions)
		return out, nil
	}

	// Pre-validate every key before returning anything.
	out := make([]Region, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		r, ok := c.Lookup(k)
		if !ok {
			return nil, eris.Errorf("tiger: unknown region %q", k)
		}
		if seen[r.FIPS] {
			continue
		}
		seen[r.FIPS] = true
		out = append(out, r)
	}
	return out, nil
}

package tiger

import (
	"bytes"
	"net/url"
	"path"
	"text/template"

	"github.com/rotisserie/eris"
)

// DefaultURLTemplate is the Census Bureau location of a county ADDRFEAT archive.
const DefaultURLTemplate = "https://www2.census.gov/geo/tiger/TIGER{{.Year}}/ADDRFEAT/tl_{{.Year}}_{{.FIPS}}{{.Item}}_addrfeat.zip"

// DefaultYear is the TIGER/Line vintage fetched when none is configured.
const DefaultYear = 2023

// URLBuilder renders the download URL for a work item.
type URLBuilder struct {
	tmpl *template.Template
	year int
}

// urlFields are the values available to a URL template.
type urlFields struct {
	Year   int
	Region string
	Abbr   string
	FIPS   string
	Item   string
}

// NewURLBuilder parses a URL template. An empty template uses
// DefaultURLTemplate and a zero year uses DefaultYear.
func NewURLBuilder(tmpl string, year int) (*URLBuilder, error) {
	if tmpl == "" {
		tmpl = DefaultURLTemplate
	}
	if year == 0 {
		year = DefaultYear
	}
	t, err := template.New("url").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return nil, eris.Wrap(err, "tiger: parse url template")
	}
	return &URLBuilder{tmpl: t, year: year}, nil
}

// URL builds the download URL for one county of a region.
func (b *URLBuilder) URL(r Region, item string) (string, error) {
	var buf bytes.Buffer
	err := b.tmpl.Execute(&buf, urlFields{
		Year:   b.year,
		Region: r.Name,
		Abbr:   r.Abbr,
		FIPS:   r.FIPS,
		Item:   item,
	})
	if err != nil {
		return "", eris.Wrapf(err, "tiger: render url for %s/%s", r.FIPS, item)
	}
	return buf.String(), nil
}

// ArtifactName derives the archive file name from a download URL.
func ArtifactName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", eris.Wrap(err, "tiger: parse download url")
	}
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", eris.Errorf("tiger: download url %q has no file name", rawURL)
	}
	return name, nil
}

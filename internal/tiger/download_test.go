package tiger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLBuilder_Default(t *testing.T) {
	b, err := NewURLBuilder("", 0)
	require.NoError(t, err)

	url, err := b.URL(DefaultRegions[0], "001")
	require.NoError(t, err)
	assert.Equal(t, "https://www2.census.gov/geo/tiger/TIGER2023/ADDRFEAT/tl_2023_05001_addrfeat.zip", url)
}

func TestURLBuilder_CustomTemplate(t *testing.T) {
	b, err := NewURLBuilder("http://mirror.local/{{.Region}}/{{.Abbr}}-{{.FIPS}}{{.Item}}-{{.Year}}.zip", 2024)
	require.NoError(t, err)

	url, err := b.URL(Region{Name: "texas", Abbr: "TX", FIPS: "48"}, "507")
	require.NoError(t, err)
	assert.Equal(t, "http://mirror.local/texas/TX-48507-2024.zip", url)
}

func TestURLBuilder_BadTemplate(t *testing.T) {
	_, err := NewURLBuilder("http://x/{{.Year", 2023)
	assert.Error(t, err)

	b, err := NewURLBuilder("http://x/{{.Nope}}", 2023)
	require.NoError(t, err)
	_, err = b.URL(DefaultRegions[0], "001")
	assert.Error(t, err)
}

func TestArtifactName(t *testing.T) {
	name, err := ArtifactName("https://www2.census.gov/geo/tiger/TIGER2023/ADDRFEAT/tl_2023_05001_addrfeat.zip?x=1")
	require.NoError(t, err)
	assert.Equal(t, "tl_2023_05001_addrfeat.zip", name)

	_, err = ArtifactName("https://example.com/")
	assert.Error(t, err)
}

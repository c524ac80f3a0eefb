package parse

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases scheme and host", "HTTPS://Shop.Example.COM/Path", "https://shop.example.com/Path"},
		{"strips default https port", "https://shop.example.com:443/p/1", "https://shop.example.com/p/1"},
		{"strips default http port", "http://shop.example.com:80/p/1", "http://shop.example.com/p/1"},
		{"keeps non-default port", "https://shop.example.com:8443/p/1", "https://shop.example.com:8443/p/1"},
		{"empty path becomes root", "https://shop.example.com", "https://shop.example.com/"},
		{"root path kept", "https://shop.example.com/", "https://shop.example.com/"},
		{"trailing slash removed", "https://shop.example.com/category/shoes/", "https://shop.example.com/category/shoes"},
		{"fragment stripped", "https://shop.example.com/p/1#reviews", "https://shop.example.com/p/1"},
		{"query keys sorted", "https://shop.example.com/search?sort=price&q=boots", "https://shop.example.com/search?q=boots&sort=price"},
		{"query preserved", "https://shop.example.com/p/1?variant=red", "https://shop.example.com/p/1?variant=red"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := url.Parse(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, NormalizeURL(parsed))
		})
	}
}

func TestNormalizeURLDoesNotMutateInput(t *testing.T) {
	parsed, err := url.Parse("https://Shop.Example.com/p/1/#frag")
	require.NoError(t, err)
	_ = NormalizeURL(parsed)
	assert.Equal(t, "Shop.Example.com", parsed.Host)
	assert.Equal(t, "frag", parsed.Fragment)
}

func TestParseAndNormalize(t *testing.T) {
	normalized, parsed, err := ParseAndNormalize("https://shop.example.com/p/1?b=2&a=1#x")
	require.NoError(t, err)
	assert.Equal(t, "https://shop.example.com/p/1?a=1&b=2", normalized)
	assert.Equal(t, "shop.example.com", parsed.Hostname())
}

func TestParseAndNormalizeRejections(t *testing.T) {
	for _, raw := range []string{
		"",
		"not a url",
		"/relative/path",
		"ftp://files.example.com/a",
		"javascript:void(0)",
		"mailto:sales@example.com",
	} {
		_, _, err := ParseAndNormalize(raw)
		assert.Error(t, err, "raw=%q", raw)
	}
}

func TestParseSitemapBytesURLSet(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://shop.example.com/p/1</loc><lastmod>2025-05-01</lastmod></url>
  <url><loc>https://shop.example.com/p/2</loc></url>
</urlset>`)

	urlSet, index, err := ParseSitemapBytes(body)
	require.NoError(t, err)
	require.NotNil(t, urlSet)
	assert.Nil(t, index)
	require.Len(t, urlSet.URLs, 2)
	assert.Equal(t, "https://shop.example.com/p/1", urlSet.URLs[0].Loc)
	assert.Equal(t, "2025-05-01", urlSet.URLs[0].LastMod)
}

func TestParseSitemapBytesIndex(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>https://shop.example.com/sitemap-products.xml</loc></sitemap>
</sitemapindex>`)

	urlSet, index, err := ParseSitemapBytes(body)
	require.NoError(t, err)
	assert.Nil(t, urlSet)
	require.NotNil(t, index)
	require.Len(t, index.Sitemaps, 1)
	assert.Equal(t, "https://shop.example.com/sitemap-products.xml", index.Sitemaps[0].Loc)
}

func TestParseSitemapBytesGarbage(t *testing.T) {
	_, _, err := ParseSitemapBytes([]byte("<html><body>not a sitemap</body>"))
	assert.Error(t, err)
}

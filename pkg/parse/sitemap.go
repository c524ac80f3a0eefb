package parse

import (
	"encoding/xml"
	"fmt"
)

// --- XML Structs for Sitemap Parsing ---

// XMLURL represents a <url> element in a sitemap
type XMLURL struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLURLSet represents a <urlset> element in a sitemap
type XMLURLSet struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []XMLURL `xml:"url"`
}

// XMLSitemap represents a <sitemap> element in a sitemap index file
type XMLSitemap struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod,omitempty"`
}

// XMLSitemapIndex represents a <sitemapindex> element
type XMLSitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []XMLSitemap `xml:"sitemap"`
}

// ParseSitemapBytes decodes sitemap XML, trying the urlset form first
// and the index form second. Exactly one of the returns is non-nil on
// success.
func ParseSitemapBytes(body []byte) (*XMLURLSet, *XMLSitemapIndex, error) {
	var urlSet XMLURLSet
	if err := xml.Unmarshal(body, &urlSet); err == nil {
		return &urlSet, nil, nil
	}

	var index XMLSitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil {
		return nil, &index, nil
	}

	return nil, nil, fmt.Errorf("content is neither a sitemap urlset nor a sitemap index")
}

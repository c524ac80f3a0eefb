package extract

import (
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"shopcrawl/pkg/config"
	"shopcrawl/pkg/fetch"
	"shopcrawl/pkg/models"
	"shopcrawl/pkg/parse"
)

// Extractor pulls product entities and outgoing links out of rendered
// pages. Extraction is best-effort: missing fields stay empty rather
// than failing the page.
type Extractor struct {
	cfg       *config.AppConfig
	converter *md.Converter
	log       *logrus.Entry
}

// NewExtractor creates an Extractor.
func NewExtractor(cfg *config.AppConfig, log *logrus.Entry) *Extractor {
	return &Extractor{
		cfg:       cfg,
		converter: md.NewConverter("", true, nil),
		log:       log,
	}
}

// Extract parses a rendered page. The product is nil when the page does
// not look like a product page; outgoing links are always collected.
// Structured data (ld+json Product) takes precedence; DOM heuristics
// fill whatever it left empty.
func (e *Extractor) Extract(page *fetch.RenderedPage) (*models.Product, []string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return nil, nil, err
	}

	pageLog := e.log.WithField("url", page.URL)
	links := e.extractLinks(doc, page)

	product := productFromJSONLD(doc, page.URL)
	if product != nil {
		pageLog.Debug("Product found via structured data")
		fillFromHeuristics(doc, product)
	} else if price := heuristicPrice(doc); price != nil {
		// No structured markup; a price on the page is the signal that
		// this is a product page at all.
		product = &models.Product{URL: page.URL, Price: price}
		fillFromHeuristics(doc, product)
		pageLog.Debug("Product found via DOM heuristics")
	}

	if product != nil {
		e.normalizeDescription(doc, product, pageLog)
	}
	return product, links, nil
}

// normalizeDescription converts the product description to markdown.
// Structured-data descriptions may embed HTML; DOM descriptions always
// do.
func (e *Extractor) normalizeDescription(doc *goquery.Document, product *models.Product, pageLog *logrus.Entry) {
	source := product.Description
	if source == "" {
		source = heuristicDescriptionHTML(doc)
	}
	if source == "" {
		return
	}
	markdown, err := e.converter.ConvertString(source)
	if err != nil {
		pageLog.Warnf("Description markdown conversion failed: %v", err)
		product.Description = strings.TrimSpace(source)
		return
	}
	product.Description = strings.TrimSpace(markdown)
}

// extractLinks collects anchor targets, resolves them against the final
// URL, normalizes, deduplicates, and drops links outside the allowed
// host set.
func (e *Extractor) extractLinks(doc *goquery.Document, page *fetch.RenderedPage) []string {
	base, err := url.Parse(page.FinalURL)
	if err != nil || base.Host == "" {
		base, err = url.Parse(page.URL)
		if err != nil {
			return nil
		}
	}

	seen := make(map[string]bool)
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		norm, parsed, err := parse.ParseAndNormalize(abs.String())
		if err != nil {
			return
		}
		if !e.cfg.AllowsHost(parsed.Hostname()) {
			return
		}
		if !seen[norm] {
			seen[norm] = true
			links = append(links, norm)
		}
	})
	return links
}

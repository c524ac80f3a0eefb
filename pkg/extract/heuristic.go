package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"shopcrawl/pkg/models"
)

// DOM signatures commonly carrying product fields across storefronts.
var (
	priceSelectors = []string{
		`[itemprop="price"]`,
		".price", ".product-price", ".price-current", ".a-price .a-offscreen",
		"#priceblock_ourprice", "#price", ".sales-price",
	}
	ratingSelectors = []string{
		`[itemprop="ratingValue"]`,
		".rating", ".star-rating", ".a-icon-star", ".stars",
	}
	descriptionSelectors = []string{
		`[itemprop="description"]`,
		"#productDescription", ".product-description", "#description",
	}
)

var (
	priceTextRe  = regexp.MustCompile(`(?:[$€£¥₹₩]\s?[0-9][0-9.,\x{00a0} ]*[0-9]?)|(?:[0-9][0-9.,\x{00a0} ]*[0-9]?\s?[$€£¥₹₩])`)
	ratingTextRe = regexp.MustCompile(`([0-9]+(?:[.,][0-9]+)?)\s*(?:out of|of|/)\s*5`)
	reviewsRe    = regexp.MustCompile(`([0-9][0-9,.]*)\s*(?:customer reviews|reviews|ratings)`)
)

// fillFromHeuristics populates missing Product fields from DOM
// patterns. Structured data, when present, has already claimed its
// fields; heuristics only fill the gaps.
func fillFromHeuristics(doc *goquery.Document, p *models.Product) {
	if p.Title == "" {
		p.Title = heuristicTitle(doc)
	}
	if p.Price == nil {
		p.Price = heuristicPrice(doc)
	}
	if p.Rating == nil {
		p.Rating = heuristicRating(doc)
	}
	if p.ReviewCount == nil {
		p.ReviewCount = heuristicReviewCount(doc)
	}
	if p.Availability == "" {
		p.Availability = heuristicAvailability(doc)
	}
	if len(p.Images) == 0 {
		if img, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok {
			p.Images = append(p.Images, img)
		}
	}
}

func heuristicTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		return strings.TrimSpace(t)
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// heuristicPrice looks for price-shaped text in known selectors first,
// then falls back to the first currency-adjacent number on the page.
func heuristicPrice(doc *goquery.Document) *models.Price {
	for _, sel := range priceSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		text := strings.TrimSpace(node.Text())
		if text == "" {
			if content, ok := node.Attr("content"); ok {
				text = content
			}
		}
		if text != "" {
			if price := ParsePrice(text); price != nil {
				return price
			}
		}
	}
	if m := priceTextRe.FindString(doc.Find("body").Text()); m != "" {
		return ParsePrice(m)
	}
	return nil
}

func heuristicRating(doc *goquery.Document) *float64 {
	for _, sel := range ratingSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		candidates := []string{node.Text()}
		if label, ok := node.Attr("aria-label"); ok {
			candidates = append(candidates, label)
		}
		if content, ok := node.Attr("content"); ok {
			candidates = append(candidates, content)
		}
		for _, text := range candidates {
			if m := ratingTextRe.FindStringSubmatch(text); m != nil {
				if v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64); err == nil && v >= 0 && v <= 5 {
					return &v
				}
			}
			text = strings.TrimSpace(text)
			if v, err := strconv.ParseFloat(text, 64); err == nil && v >= 0 && v <= 5 {
				return &v
			}
		}
	}
	return nil
}

func heuristicReviewCount(doc *goquery.Document) *int {
	if m := reviewsRe.FindStringSubmatch(strings.ToLower(doc.Find("body").Text())); m != nil {
		digits := strings.NewReplacer(",", "", ".", "").Replace(m[1])
		if v, err := strconv.Atoi(digits); err == nil {
			return &v
		}
	}
	return nil
}

func heuristicAvailability(doc *goquery.Document) string {
	body := strings.ToLower(doc.Find("body").Text())
	switch {
	case strings.Contains(body, "out of stock") || strings.Contains(body, "sold out"):
		return "OutOfStock"
	case strings.Contains(body, "in stock") || strings.Contains(body, "add to cart"):
		return "InStock"
	}
	return ""
}

// heuristicDescriptionHTML returns the inner HTML of the first
// description-shaped node, for markdown normalization.
func heuristicDescriptionHTML(doc *goquery.Document) string {
	for _, sel := range descriptionSelectors {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}
		if html, err := node.Html(); err == nil && strings.TrimSpace(html) != "" {
			return html
		}
	}
	if content, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		return content
	}
	return ""
}

package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"shopcrawl/pkg/models"
)

// productFromJSONLD scans ld+json script blocks for a schema.org
// Product node and maps it onto a Product. Returns nil when no block
// contains one.
func productFromJSONLD(doc *goquery.Document, pageURL string) *models.Product {
	var product *models.Product
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var raw interface{}
		if err := json.Unmarshal([]byte(s.Text()), &raw); err != nil {
			return true // malformed block, keep scanning
		}
		if node := findProductNode(raw); node != nil {
			product = mapProductNode(node, pageURL)
			return false
		}
		return true
	})
	return product
}

// findProductNode walks a decoded JSON-LD value looking for the first
// object whose @type is (or includes) "Product". Handles top-level
// arrays and @graph containers.
func findProductNode(v interface{}) map[string]interface{} {
	switch node := v.(type) {
	case map[string]interface{}:
		if hasType(node, "Product") {
			return node
		}
		if graph, ok := node["@graph"]; ok {
			return findProductNode(graph)
		}
	case []interface{}:
		for _, item := range node {
			if found := findProductNode(item); found != nil {
				return found
			}
		}
	}
	return nil
}

func hasType(node map[string]interface{}, want string) bool {
	switch t := node["@type"].(type) {
	case string:
		return t == want
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func mapProductNode(node map[string]interface{}, pageURL string) *models.Product {
	p := &models.Product{URL: pageURL}
	p.Title = stringField(node, "name")
	p.Brand = nameOrString(node["brand"])
	p.Category = nameOrString(node["category"])
	p.Description = stringField(node, "description")
	p.Images = imageList(node["image"])

	if offer := firstObject(node["offers"]); offer != nil {
		p.Price = priceFromOffer(offer)
		p.Availability = availabilityFromOffer(offer)
	}
	if rating := firstObject(node["aggregateRating"]); rating != nil {
		if v, ok := floatField(rating, "ratingValue"); ok {
			p.Rating = &v
		}
		if v, ok := floatField(rating, "reviewCount"); ok {
			count := int(v)
			p.ReviewCount = &count
		} else if v, ok := floatField(rating, "ratingCount"); ok {
			count := int(v)
			p.ReviewCount = &count
		}
	}
	return p
}

func priceFromOffer(offer map[string]interface{}) *models.Price {
	currency := stringField(offer, "priceCurrency")
	switch v := offer["price"].(type) {
	case float64:
		return &models.Price{Amount: v, Currency: currency, Raw: strconv.FormatFloat(v, 'f', -1, 64)}
	case string:
		price := ParsePrice(v)
		if price == nil {
			return nil
		}
		if currency != "" {
			price.Currency = currency
		}
		return price
	}
	return nil
}

func availabilityFromOffer(offer map[string]interface{}) string {
	avail := stringField(offer, "availability")
	if avail == "" {
		return ""
	}
	// Schema values arrive as URLs like "https://schema.org/InStock".
	if i := strings.LastIndexAny(avail, "/:"); i >= 0 {
		avail = avail[i+1:]
	}
	return avail
}

// firstObject unwraps a value that may be an object or an array of
// objects, returning the first object found.
func firstObject(v interface{}) map[string]interface{} {
	switch node := v.(type) {
	case map[string]interface{}:
		return node
	case []interface{}:
		for _, item := range node {
			if obj, ok := item.(map[string]interface{}); ok {
				return obj
			}
		}
	}
	return nil
}

func stringField(node map[string]interface{}, key string) string {
	if s, ok := node[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func floatField(node map[string]interface{}, key string) (float64, bool) {
	switch v := node[key].(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// nameOrString handles schema fields that are either a plain string or
// a nested object with a "name" property.
func nameOrString(v interface{}) string {
	switch node := v.(type) {
	case string:
		return strings.TrimSpace(node)
	case map[string]interface{}:
		return stringField(node, "name")
	case []interface{}:
		if len(node) > 0 {
			return nameOrString(node[0])
		}
	}
	return ""
}

func imageList(v interface{}) []string {
	var images []string
	switch node := v.(type) {
	case string:
		images = append(images, node)
	case map[string]interface{}:
		if u := stringField(node, "url"); u != "" {
			images = append(images, u)
		}
	case []interface{}:
		for _, item := range node {
			images = append(images, imageList(item)...)
		}
	}
	return images
}

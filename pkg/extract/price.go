package extract

import (
	"regexp"
	"strconv"
	"strings"

	"shopcrawl/pkg/models"
)

// Currency symbols and codes recognized in price text.
var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
	"₹": "INR",
	"₩": "KRW",
}

var currencyCodeRe = regexp.MustCompile(`\b(USD|EUR|GBP|JPY|INR|KRW|CAD|AUD|CHF|CNY|BRL|MXN)\b`)

var numberRe = regexp.MustCompile(`[0-9][0-9.,\x{00a0} ]*[0-9]|[0-9]`)

// ParsePrice normalizes free-form price text. It tolerates thousands
// separators, comma-decimal locales, and currency symbols on either
// side of the number. When the numeric part cannot be normalized the
// raw text is kept and Unparsed is set; the caller still gets a Price.
func ParsePrice(raw string) *models.Price {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	price := &models.Price{Raw: raw}

	for sym, code := range currencySymbols {
		if strings.Contains(raw, sym) {
			price.Currency = code
			break
		}
	}
	if price.Currency == "" {
		if m := currencyCodeRe.FindString(strings.ToUpper(raw)); m != "" {
			price.Currency = m
		}
	}

	numeric := numberRe.FindString(raw)
	if numeric == "" {
		price.Unparsed = true
		return price
	}

	amount, err := strconv.ParseFloat(normalizeNumber(numeric), 64)
	if err != nil {
		price.Unparsed = true
		return price
	}
	price.Amount = amount
	return price
}

// normalizeNumber rewrites a localized numeric string into ParseFloat
// form, deciding which of '.' and ',' is the decimal separator.
func normalizeNumber(s string) string {
	s = strings.NewReplacer(" ", "", " ", "").Replace(s)

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		// The separator appearing last is the decimal mark.
		if lastDot > lastComma {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastComma >= 0:
		s = normalizeSingleSeparator(s, ",")
	case lastDot >= 0:
		s = normalizeSingleSeparator(s, ".")
	}
	return s
}

// normalizeSingleSeparator handles a number containing only one kind of
// separator. A lone separator followed by exactly three digits is
// ambiguous and treated as a thousands separator ("1.299" is 1299).
func normalizeSingleSeparator(s, sep string) string {
	parts := strings.Split(s, sep)
	if len(parts) == 2 && len(parts[1]) != 3 {
		return parts[0] + "." + parts[1]
	}
	return strings.Join(parts, "")
}

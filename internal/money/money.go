package money

import (
	"regexp"
	"strconv"
	"strings"
)

// priceRe matches a sterling amount anchored on the currency symbol. Thousands
// separators are stripped before matching, so the optional comma branch only
// covers decimal commas in odd markup.
var priceRe = regexp.MustCompile(`£\s*([0-9]+(?:[\.,][0-9]{1,2})?)`)

// ParsePrice extracts a price from free-form listing text. Returns nil when
// the text carries no currency-anchored number, which callers treat as an
// absent price rather than an error.
func ParsePrice(text string) *float64 {
	if text == "" {
		return nil
	}

	cleaned := strings.ReplaceAll(text, ",", "")
	matches := priceRe.FindStringSubmatch(cleaned)
	if len(matches) < 2 {
		return nil
	}

	value, err := strconv.ParseFloat(strings.ReplaceAll(matches[1], ",", "."), 64)
	if err != nil {
		return nil
	}

	return &value
}

// ParseFloat converts numeric text to a pointer, nil on failure.
func ParseFloat(text string) *float64 {
	value, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return nil
	}
	return &value
}

// ParseInt converts digit text to a pointer, nil on failure or overflow.
func ParseInt(text string) *int {
	value, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || value < 0 {
		return nil
	}
	return &value
}

// Package normalize converts Persian and Arabic text forms found on Iranian
// airline sites into canonical ASCII values: digits, amounts, clock times,
// Jalali dates, and airline names.
package normalize

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/parvazhub/parvaz-crawler/errs"
)

// Digits maps Persian (U+06F0-U+06F9) and Arabic-Indic (U+0660-U+0669) digits
// to their ASCII equivalents. ASCII input passes through unchanged, so the
// function is idempotent.
func Digits(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool {
		return (r >= '۰' && r <= '۹') || (r >= '٠' && r <= '٩')
	}) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '۰' && r <= '۹':
			b.WriteRune('0' + (r - '۰'))
		case r >= '٠' && r <= '٩':
			b.WriteRune('0' + (r - '٠'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Thousands separators seen in the wild: ASCII comma, Arabic comma (U+060C),
// Arabic thousands separator (U+066C), and plain spaces.
var separators = strings.NewReplacer(",", "", "،", "", "٬", "", " ", "", " ", "")

// Amount extracts the integer value from a free-form price string such as
// "۱,۲۰۰,۰۰۰ ریال" or "1,200,000 IRR". Currency words and thousands
// separators are ignored. Returns a parse error when the string contains no
// digit sequence.
func Amount(s string) (int64, error) {
	folded := separators.Replace(Digits(s))
	start := -1
	for i, r := range folded {
		if r >= '0' && r <= '9' {
			start = i
			break
		}
	}
	if start < 0 {
		return 0, errs.Wrap(errs.KindParse, "", fmt.Errorf("no digits in %q", s))
	}
	end := start
	for end < len(folded) && folded[end] >= '0' && folded[end] <= '9' {
		end++
	}
	v, err := strconv.ParseInt(folded[start:end], 10, 64)
	if err != nil {
		return 0, errs.Wrap(errs.KindParse, "", fmt.Errorf("amount %q: %w", s, err))
	}
	return v, nil
}

// Clock parses a 24-hour HH:MM string with Persian or ASCII digits.
func Clock(s string) (hour, minute int, err error) {
	folded := strings.TrimSpace(Digits(s))
	hh, mm, ok := strings.Cut(folded, ":")
	if !ok {
		return 0, 0, errs.Wrap(errs.KindParse, "", fmt.Errorf("clock %q: missing separator", s))
	}
	hour, err = strconv.Atoi(strings.TrimSpace(hh))
	if err != nil {
		return 0, 0, errs.Wrap(errs.KindParse, "", fmt.Errorf("clock %q: %w", s, err))
	}
	minute, err = strconv.Atoi(strings.TrimSpace(mm))
	if err != nil {
		return 0, 0, errs.Wrap(errs.KindParse, "", fmt.Errorf("clock %q: %w", s, err))
	}
	if hour < 0 || hour >= 24 || minute < 0 || minute >= 60 {
		return 0, 0, errs.Wrap(errs.KindParse, "", fmt.Errorf("clock %q: out of range", s))
	}
	return hour, minute, nil
}

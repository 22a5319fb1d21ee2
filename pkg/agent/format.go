package agent

import (
	"fmt"
	"math"
	"strings"
)

var currencySymbols = map[string]string{"USD": "$", "EUR": "€", "GBP": "£"}

// FormatMoney renders 1250000 USD as "$1.25M".
func FormatMoney(v float64, currency string) string {
	prefix, ok := currencySymbols[strings.ToUpper(currency)]
	if !ok {
		prefix = strings.ToUpper(currency) + " "
	}
	sign := ""
	if v < 0 {
		sign, v = "-", -v
	}
	var body string
	switch {
	case v >= 1e9:
		body = trimZeros(v/1e9, 2) + "B"
	case v >= 1e6:
		body = trimZeros(v/1e6, 2) + "M"
	case v >= 1e3:
		body = trimZeros(v/1e3, 1) + "K"
	default:
		body = trimZeros(v, 2)
	}
	return sign + prefix + body
}

// FormatPercent renders 42.5 as "42.5%".
func FormatPercent(v float64) string {
	return trimZeros(v, 1) + "%"
}

func trimZeros(v float64, places int) string {
	s := fmt.Sprintf("%.*f", places, v)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}

func formatMonths(v float64) string {
	return trimZeros(math.Round(v*10)/10, 1) + " months"
}

// table renders a two-column markdown table.
func table(header [2]string, rows [][2]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "| %s | %s |\n|---|---|\n", header[0], header[1])
	for _, r := range rows {
		fmt.Fprintf(&b, "| %s | %s |\n", escapeCell(r[0]), escapeCell(r[1]))
	}
	return b.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

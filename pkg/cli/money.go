package cli

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatSubunits renders an amount in subunits as a decimal with two
// places, e.g. 1250 as "12.50".
func FormatSubunits(n int64) string {
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return fmt.Sprintf("%s%d.%02d", sign, n/100, n%100)
}

// ParseAmount parses a non-negative amount. A trailing "c" means subunits
// ("1250c"); otherwise the value is a decimal in major units with at most
// two places ("12.5", "12.50").
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("amount is empty")
	}

	if strings.HasSuffix(s, "c") {
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "c"), 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
		return n, nil
	}

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("invalid amount %q: at most two decimal places", s)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	f := int64(0)
	if frac != "" {
		f, err = strconv.ParseInt(frac+strings.Repeat("0", 2-len(frac)), 10, 64)
		if err != nil || f < 0 {
			return 0, fmt.Errorf("invalid amount %q", s)
		}
	}
	if w > (1<<63-1-f)/100 {
		return 0, fmt.Errorf("amount %q is too large", s)
	}
	return w*100 + f, nil
}

package dispatch

import "strings"

// NormalizeIdentity turns a spreadsheet cell into a dialable identity.
// A value that already carries "+" is returned trimmed; anything else is
// prefixed with "+" and the default country code. Empty input stays empty.
func NormalizeIdentity(raw, countryCode string) string {
	id := strings.TrimSpace(raw)
	if id == "" || strings.Contains(id, "+") {
		return id
	}
	return "+" + strings.TrimPrefix(countryCode, "+") + id
}

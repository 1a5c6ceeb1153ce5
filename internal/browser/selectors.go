package browser

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// SelectorSet names every DOM affordance the driver touches. Values starting
// with "/" are XPath expressions, everything else is a CSS selector.
type SelectorSet struct {
	Authenticated   string // visible once the session is linked
	Continue        string // interstitial "Continue" button label
	InvalidIdentity string
	Send            string
	Attach          string
	DocumentItem    string // attach menu entry that opens the file chooser
	PasteTarget     string
	OutgoingMessage string
	DeliveryMark    string // single or double check inside an outgoing message
	UseHere         string
	Menu            string
	LogOut          string
	ConfirmLogOut   string
	LoggedOut       string
}

// WhatsAppSelectors returns the selectors for web.whatsapp.com in English.
func WhatsAppSelectors() SelectorSet {
	return SelectorSet{
		Authenticated:   "header",
		Continue:        "Continue",
		InvalidIdentity: `[aria-label="Phone number shared via url is invalid."]`,
		Send:            `button[data-tab="11"] > span`,
		Attach:          `button[data-tab="10"]`,
		DocumentItem:    `//*[contains(@class, "xuxw1ft") and contains(., "Document")]`,
		PasteTarget:     "[aria-activedescendant]",
		OutgoingMessage: `[data-tab="8"] div.message-out`,
		DeliveryMark:    `[data-icon="msg-check"], [data-icon="msg-dblcheck"]`,
		UseHere:         `//*[contains(@class, "x1v8p93f") and contains(., "Use here")]`,
		Menu:            `[title="Menu"]`,
		LogOut:          `//*[text()="Log out"]`,
		ConfirmLogOut:   `//*[contains(@class, "x1v8p93f") and contains(., "Log out")]`,
		LoggedOut:       `[aria-label="Scan this QR code to link a device!"]`,
	}
}

func (s *SelectorSet) fields() map[string]*string {
	return map[string]*string{
		"authenticated":   &s.Authenticated,
		"continue":        &s.Continue,
		"invalidIdentity": &s.InvalidIdentity,
		"send":            &s.Send,
		"attach":          &s.Attach,
		"documentItem":    &s.DocumentItem,
		"pasteTarget":     &s.PasteTarget,
		"outgoingMessage": &s.OutgoingMessage,
		"deliveryMark":    &s.DeliveryMark,
		"useHere":         &s.UseHere,
		"menu":            &s.Menu,
		"logOut":          &s.LogOut,
		"confirmLogOut":   &s.ConfirmLogOut,
		"loggedOut":       &s.LoggedOut,
	}
}

// SelectorKeys lists the config keys accepted under browser.selectors.
func SelectorKeys() []string {
	var s SelectorSet
	keys := make([]string, 0, 14)
	for k := range s.fields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WithOverrides returns a copy of s with the given keys replaced. Unknown
// keys and empty values are rejected so a typo cannot silently fall back to
// the default.
func (s SelectorSet) WithOverrides(overrides map[string]string) (SelectorSet, error) {
	out := s
	fields := out.fields()
	var bad []string
	for k, v := range overrides {
		p, ok := fields[k]
		if !ok || strings.TrimSpace(v) == "" {
			bad = append(bad, k)
			continue
		}
		*p = v
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return s, fmt.Errorf("browser.selectors: unknown or empty keys %s (valid: %s)",
			strings.Join(bad, ", "), strings.Join(SelectorKeys(), ", "))
	}
	return out, nil
}

// ConversationURL builds the deep link that opens a chat with identity and
// text pre-filled.
func ConversationURL(base, identity, text string) string {
	q := "phone=" + url.QueryEscape(identity) + "&text=" + strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
	return strings.TrimRight(base, "/") + "/send?" + q
}

func isXPath(sel string) bool { return strings.HasPrefix(sel, "/") }

package extract

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// DefaultLanguages maps language codes to the names the Saxo storefront
// uses for them.
func DefaultLanguages() map[string][]string {
	return map[string][]string{
		"eng": {"English", "Engelsk"},
		"dan": {"Danish", "Dansk"},
	}
}

// LanguageMap resolves display names (and the codes themselves) to a
// language code.
type LanguageMap struct {
	byName map[string]string
}

// NewLanguageMap builds a case-insensitive lookup from code to names.
func NewLanguageMap(codes map[string][]string) LanguageMap {
	m := LanguageMap{byName: make(map[string]string)}
	for code, names := range codes {
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		m.byName[foldName(code)] = code
		for _, name := range names {
			if key := foldName(name); key != "" {
				m.byName[key] = code
			}
		}
	}
	return m
}

// Lookup returns the code for name.
func (m LanguageMap) Lookup(name string) (string, bool) {
	code, ok := m.byName[foldName(name)]
	return code, ok
}

// Len reports how many names are mapped.
func (m LanguageMap) Len() int {
	return len(m.byName)
}

func foldName(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}

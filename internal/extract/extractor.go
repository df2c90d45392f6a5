package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/bookmeta/internal/lookup"
)

// Field names reported in lookup.FieldError.
const (
	FieldTitle       = "title"
	FieldAuthors     = "authors"
	FieldRating      = "rating"
	FieldISBN        = "isbn"
	FieldCover       = "cover_url"
	FieldPublisher   = "publisher"
	FieldLanguage    = "language"
	FieldPublished   = "published_at"
	FieldDescription = "description"
)

var payloadDateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01", "2006"}

// Extractor pulls a Record out of a product page according to a Profile.
// It holds no mutable state and is safe for concurrent use.
type Extractor struct {
	profile   Profile
	languages LanguageMap
	base      *url.URL
}

var _ lookup.Extractor = (*Extractor)(nil)

// New validates profile and returns an Extractor that maps language names
// through languages.
func New(profile Profile, languages LanguageMap) (*Extractor, error) {
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	var base *url.URL
	if profile.BaseURL != "" {
		parsed, err := url.Parse(profile.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("profile %q: parse base_url: %w", profile.Name, err)
		}
		base = parsed
	}
	return &Extractor{profile: profile, languages: languages, base: base}, nil
}

// Profile returns the profile the extractor was built with.
func (e *Extractor) Profile() Profile {
	return e.profile
}

// Extract implements lookup.Extractor.
func (e *Extractor) Extract(doc *goquery.Document) (lookup.Extraction, error) {
	if doc == nil || doc.Selection == nil {
		return lookup.Extraction{}, lookup.ErrMalformedPage
	}
	data, err := e.payload(doc)
	if err != nil {
		return lookup.Extraction{}, err
	}

	errs := &fieldErrors{}
	rec := lookup.Record{
		Title:       field(errs, FieldTitle, func() (string, error) { return e.title(doc, data) }),
		Authors:     field(errs, FieldAuthors, func() ([]string, error) { return e.authors(doc, data) }),
		Rating:      field(errs, FieldRating, func() (float64, error) { return rating(data) }),
		ISBN:        field(errs, FieldISBN, func() (string, error) { return isbn(data) }),
		CoverURL:    field(errs, FieldCover, func() (string, error) { return e.cover(doc, data) }),
		Publisher:   field(errs, FieldPublisher, func() (string, error) { return requiredText(data, "publisher") }),
		Language:    field(errs, FieldLanguage, func() (string, error) { return e.language(data) }),
		PublishedAt: field(errs, FieldPublished, func() (*time.Time, error) { return e.published(doc, data) }),
		Description: field(errs, FieldDescription, func() (string, error) { return e.description(doc, data) }),
	}
	return lookup.Extraction{Record: rec, FieldErrors: errs.errs}, nil
}

type payload map[string]any

// payload returns the first JSON-LD node whose @type the profile accepts.
func (e *Extractor) payload(doc *goquery.Document) (payload, error) {
	var (
		found       payload
		blocks      int
		undecodable int
	)
	doc.Find(e.profile.PayloadSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return true
		}
		blocks++
		nodes, err := decodeJSONLD(raw)
		if err != nil {
			undecodable++
			return true
		}
		for _, node := range nodes {
			if e.profile.acceptsType(typesOf(node)) {
				found = node
				return false
			}
		}
		return true
	})
	if found == nil {
		return nil, fmt.Errorf("%w: %d block(s), %d undecodable", lookup.ErrMissingStructuredPayload, blocks, undecodable)
	}
	return found, nil
}

func decodeJSONLD(raw string) ([]payload, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json-ld: %w", err)
	}
	var out []payload
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case map[string]any:
			out = append(out, payload(t))
			if graph, ok := t["@graph"].([]any); ok {
				for _, g := range graph {
					walk(g)
				}
			}
		case []any:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(v)
	return out, nil
}

func typesOf(node payload) []string {
	switch t := node["@type"].(type) {
	case string:
		return []string{t}
	case []any:
		types := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				types = append(types, s)
			}
		}
		return types
	default:
		return nil
	}
}

// textValue flattens the shapes JSON-LD uses for a name: a plain string, a
// number, an object with a name, or a list whose first usable entry wins.
func textValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	case map[string]any:
		return textValue(t["name"])
	case []any:
		for _, item := range t {
			if s, ok := textValue(item); ok {
				return s, true
			}
		}
	}
	return "", false
}

func requiredText(data payload, key string) (string, error) {
	v, ok := data[key]
	if !ok || v == nil {
		return "", errAbsent
	}
	s, ok := textValue(v)
	if !ok {
		return "", fmt.Errorf("%s: unexpected value %T", key, v)
	}
	return s, nil
}

func (e *Extractor) title(doc *goquery.Document, data payload) (string, error) {
	s, err := requiredText(data, "name")
	if err == nil || !errors.Is(err, errAbsent) || e.profile.TitleSelector == "" {
		return s, err
	}
	if t := collapse(doc.Find(e.profile.TitleSelector).First().Text()); t != "" {
		return t, nil
	}
	return "", errAbsent
}

func (e *Extractor) authors(doc *goquery.Document, data payload) ([]string, error) {
	var names []string
	if e.profile.AuthorSelector != "" {
		doc.Find(e.profile.AuthorSelector).Each(func(_ int, s *goquery.Selection) {
			names = append(names, collapse(s.Text()))
		})
	}
	if len(compact(names)) == 0 {
		names = nil
		switch t := data["author"].(type) {
		case nil:
		case []any:
			for _, item := range t {
				if s, ok := textValue(item); ok {
					names = append(names, s)
				}
			}
		default:
			s, ok := textValue(t)
			if !ok {
				return nil, fmt.Errorf("author: unexpected value %T", t)
			}
			names = append(names, s)
		}
	}
	names = compact(names)
	if len(names) == 0 {
		return nil, errAbsent
	}
	return names, nil
}

func rating(data payload) (float64, error) {
	agg, ok := data["aggregateRating"]
	if !ok || agg == nil {
		return 0, errAbsent
	}
	obj, ok := agg.(map[string]any)
	if !ok {
		return 0, fmt.Errorf("aggregateRating: unexpected value %T", agg)
	}
	switch v := obj["ratingValue"].(type) {
	case nil:
		return 0, errAbsent
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("ratingValue %q: %w", v.String(), err)
		}
		return f, nil
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(v), ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("ratingValue %q: %w", v, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("ratingValue: unexpected value %T", v)
	}
}

func isbn(data payload) (string, error) {
	s, err := requiredText(data, "isbn")
	if err != nil {
		return "", err
	}
	s = strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return "", errAbsent
	}
	return s, nil
}

func (e *Extractor) cover(doc *goquery.Document, data payload) (string, error) {
	raw, ok := data["image"]
	if !ok || raw == nil {
		return "", errAbsent
	}
	link, ok := imageURL(raw)
	if !ok {
		return "", fmt.Errorf("image: unexpected value %T", raw)
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("image %q: %w", link, err)
	}
	base := e.base
	if doc.Url != nil {
		base = doc.Url
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	} else if ref.Scheme == "" && strings.HasPrefix(link, "//") {
		ref.Scheme = "https"
	}
	return ref.String(), nil
}

func imageURL(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case map[string]any:
		for _, key := range []string{"url", "contentUrl"} {
			if s, ok := imageURL(t[key]); ok {
				return s, true
			}
		}
	case []any:
		for _, item := range t {
			if s, ok := imageURL(item); ok {
				return s, true
			}
		}
	}
	return "", false
}

func (e *Extractor) language(data payload) (string, error) {
	name, err := requiredText(data, "inLanguage")
	if err != nil {
		return "", err
	}
	code, ok := e.languages.Lookup(name)
	if !ok {
		return "", errAbsent
	}
	return code, nil
}

func (e *Extractor) published(doc *goquery.Document, data payload) (*time.Time, error) {
	var selectorErr error
	if e.profile.PublishedSelector != "" && e.profile.PublishedLayout != "" {
		nodes := doc.Find(e.profile.PublishedSelector)
		if e.profile.PublishedIndex < nodes.Length() {
			text := collapse(nodes.Eq(e.profile.PublishedIndex).Text())
			t, err := time.ParseInLocation(e.profile.PublishedLayout, text, time.UTC)
			if err == nil {
				return &t, nil
			}
			selectorErr = fmt.Errorf("publication date %q: %w", text, err)
		}
	}
	raw, ok := data["datePublished"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		if selectorErr != nil {
			return nil, selectorErr
		}
		return nil, errAbsent
	}
	raw = strings.TrimSpace(raw)
	for _, layout := range payloadDateLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("datePublished %q: unrecognized layout", raw)
}

func (e *Extractor) description(doc *goquery.Document, data payload) (string, error) {
	var text string
	if e.profile.DescriptionSelector != "" {
		text = collapse(doc.Find(e.profile.DescriptionSelector).First().Text())
	}
	if text == "" {
		if s, ok := data["description"].(string); ok {
			text = collapse(s)
		}
	}
	// Everything from the first cutoff marker on is dropped, not just the
	// sentence holding it. Saxo only prints the file-size notice last.
	if cut := e.profile.DescriptionCutoff; cut != "" {
		if i := strings.Index(text, cut); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
	}
	if text == "" {
		return "", errAbsent
	}
	return text, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

func compact(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

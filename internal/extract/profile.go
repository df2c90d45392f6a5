package extract

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// DefaultProfileName names the built-in Saxo.dk profile.
const DefaultProfileName = "saxo"

// Profile describes where a bookstore keeps each field on its product pages.
type Profile struct {
	Name                string   `mapstructure:"name"`
	BaseURL             string   `mapstructure:"base_url"`
	SearchURL           string   `mapstructure:"search_url"`
	Domain              string   `mapstructure:"domain"`
	ProductLinkPattern  string   `mapstructure:"product_link_pattern"`
	NotFoundMarker      string   `mapstructure:"not_found_marker"`
	PayloadSelector     string   `mapstructure:"payload_selector"`
	PayloadTypes        []string `mapstructure:"payload_types"`
	TitleSelector       string   `mapstructure:"title_selector"`
	AuthorSelector      string   `mapstructure:"author_selector"`
	DescriptionSelector string   `mapstructure:"description_selector"`
	DescriptionCutoff   string   `mapstructure:"description_cutoff"`
	PublishedSelector   string   `mapstructure:"published_selector"`
	PublishedIndex      int      `mapstructure:"published_index"`
	PublishedLayout     string   `mapstructure:"published_layout"`
}

// Saxo returns the built-in profile for saxo.com/dk.
func Saxo() Profile {
	return Profile{
		Name:                DefaultProfileName,
		BaseURL:             "https://www.saxo.com",
		SearchURL:           "https://www.saxo.com/dk/products/search?query={isbn}",
		Domain:              "saxo.com",
		ProductLinkPattern:  `^https?://(www\.)?saxo\.com/dk/[^?#]+_\d{10,13}$`,
		NotFoundMarker:      "<title>404 - ",
		PayloadSelector:     `script[type="application/ld+json"]`,
		PayloadTypes:        []string{"Book", "Product"},
		TitleSelector:       "h1.product-page-heading__title",
		AuthorSelector:      "h2.product-page-heading__autor a",
		DescriptionSelector: "div.product-page-block p",
		DescriptionCutoff:   "Fil størrelse:",
		PublishedSelector:   "dl.product-info-list dd",
		PublishedIndex:      1,
		PublishedLayout:     "02-01-2006",
	}
}

// Validate reports configuration mistakes that would make every lookup fail.
func (p Profile) Validate() error {
	var errs []error
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("profile name is required"))
	}
	if !strings.Contains(p.SearchURL, "{isbn}") {
		errs = append(errs, fmt.Errorf("profile %q: search_url must contain {isbn}", p.Name))
	}
	if strings.TrimSpace(p.PayloadSelector) == "" {
		errs = append(errs, fmt.Errorf("profile %q: payload_selector is required", p.Name))
	}
	if p.PublishedIndex < 0 {
		errs = append(errs, fmt.Errorf("profile %q: published_index must be >= 0", p.Name))
	}
	if p.ProductLinkPattern != "" {
		if _, err := regexp.Compile(p.ProductLinkPattern); err != nil {
			errs = append(errs, fmt.Errorf("profile %q: product_link_pattern: %w", p.Name, err))
		}
	}
	return errors.Join(errs...)
}

// DirectURL renders the identifier lookup URL for isbn.
func (p Profile) DirectURL(isbn string) string {
	return strings.ReplaceAll(p.SearchURL, "{isbn}", url.QueryEscape(strings.TrimSpace(isbn)))
}

// ProductLinkMatcher compiles the product link pattern. A nil matcher
// accepts every link on the profile's domain.
func (p Profile) ProductLinkMatcher() (*regexp.Regexp, error) {
	if p.ProductLinkPattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(p.ProductLinkPattern)
	if err != nil {
		return nil, fmt.Errorf("compile product link pattern: %w", err)
	}
	return re, nil
}

// IsNotFoundPage reports whether body is the site's soft 404 page.
func (p Profile) IsNotFoundPage(body []byte) bool {
	if p.NotFoundMarker == "" {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(body)), p.NotFoundMarker)
}

func (p Profile) acceptsType(types []string) bool {
	if len(p.PayloadTypes) == 0 {
		return true
	}
	for _, t := range types {
		for _, want := range p.PayloadTypes {
			if strings.EqualFold(strings.TrimSpace(t), want) {
				return true
			}
		}
	}
	return false
}

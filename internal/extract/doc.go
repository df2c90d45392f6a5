// Package extract turns a parsed product page into a lookup.Record.
//
// Site knowledge lives in a Profile (selectors, accepted structured-data
// types, date layouts) so the same Extractor serves any bookstore whose
// pages carry a JSON-LD product block. Every field is extracted on its own;
// a failure in one field is reported as a lookup.FieldError and leaves the
// rest of the record intact.
package extract

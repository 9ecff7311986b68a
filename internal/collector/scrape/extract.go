package scrape

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// fieldSelector is a CSS selector plus an optional attribute ("selector@attr").
// An empty selector addresses the item element itself.
type fieldSelector struct {
	css  string
	attr string
}

func parseFieldSelector(sel string) fieldSelector {
	sel = strings.TrimSpace(sel)
	if i := strings.LastIndex(sel, "@"); i >= 0 {
		return fieldSelector{css: strings.TrimSpace(sel[:i]), attr: strings.TrimSpace(sel[i+1:])}
	}
	return fieldSelector{css: sel}
}

// extraction describes how to turn a page into records.
type extraction struct {
	itemSelector string
	fields       map[string]fieldSelector
}

func parseExtraction(itemSelector string, raw any) (extraction, error) {
	selectors, ok := raw.(map[string]any)
	if !ok || len(selectors) == 0 {
		return extraction{}, errors.New("fields must be a non-empty object of selectors")
	}
	ex := extraction{itemSelector: itemSelector, fields: make(map[string]fieldSelector, len(selectors))}
	if ex.itemSelector == "" {
		ex.itemSelector = "html"
	}
	for name, v := range selectors {
		s, ok := v.(string)
		if !ok {
			return extraction{}, fmt.Errorf("selector for %q must be a string", name)
		}
		ex.fields[name] = parseFieldSelector(s)
	}
	return ex, nil
}

// extract returns one field map per item element. Fields whose selector
// matches nothing are omitted so schema validation can flag them.
func (ex extraction) extract(body []byte) ([]map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var out []map[string]any
	doc.Find(ex.itemSelector).Each(func(_ int, item *goquery.Selection) {
		rec := make(map[string]any, len(ex.fields))
		for name, fs := range ex.fields {
			sel := item
			if fs.css != "" {
				sel = item.Find(fs.css).First()
			}
			if sel.Length() == 0 {
				continue
			}
			if fs.attr != "" {
				if v, ok := sel.Attr(fs.attr); ok {
					rec[name] = strings.TrimSpace(v)
				}
				continue
			}
			rec[name] = strings.Join(strings.Fields(sel.Text()), " ")
		}
		out = append(out, rec)
	})
	return out, nil
}

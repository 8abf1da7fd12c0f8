// Package extract turns raw HTML into the page payload shared by all scraper
// backends. Business-entity parsing stays deliberately shallow; richer schema
// extraction is the managed tier's job.
package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/draftforge/webintel/internal/intel"
)

// FromHTML parses the document and fills the extraction fields of a
// PageResult. Callers set backend id, status, and timing.
func FromHTML(pageURL, html string) intel.PageResult {
	result := intel.PageResult{URL: pageURL, HTML: html}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		result.Content = html
		return result
	}

	doc.Find("script, style, noscript").Remove()
	result.Content = normalizeWhitespace(doc.Find("body").Text())
	result.Images = collectImages(doc)
	result.Links = collectLinks(doc, pageURL)
	result.Products = collectProducts(doc)
	result.Contact = collectContact(doc)
	return result
}

func collectImages(doc *goquery.Document) []intel.ImageRef {
	var images []intel.ImageRef
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		dataSrc, _ := s.Attr("data-src")
		alt, _ := s.Attr("alt")
		if src == "" && dataSrc == "" {
			return
		}
		images = append(images, intel.ImageRef{Src: src, DataSrc: dataSrc, Alt: alt})
	})
	return images
}

func collectLinks(doc *goquery.Document, pageURL string) []string {
	base, _ := url.Parse(pageURL)
	seen := make(map[string]bool)
	var links []string
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
			return
		}
		if base != nil {
			if ref, err := url.Parse(href); err == nil {
				href = base.ResolveReference(ref).String()
			}
		}
		if !seen[href] {
			seen[href] = true
			links = append(links, href)
		}
	})
	return links
}

func collectProducts(doc *goquery.Document) []intel.Product {
	var products []intel.Product
	doc.Find("[itemtype*=Product], .product, [data-product]").Each(func(_ int, s *goquery.Selection) {
		name := firstText(s, "[itemprop=name], .product-name, .product-title, h2, h3")
		if name == "" {
			return
		}
		price := firstText(s, "[itemprop=price], .price, .product-price, [data-price]")
		products = append(products, intel.Product{Name: name, Price: price})
	})
	return products
}

func collectContact(doc *goquery.Document) *intel.ContactInfo {
	contact := &intel.ContactInfo{}
	if href, ok := doc.Find("a[href^='mailto:']").First().Attr("href"); ok {
		contact.Email = strings.TrimPrefix(href, "mailto:")
	}
	if href, ok := doc.Find("a[href^='tel:']").First().Attr("href"); ok {
		contact.Phone = strings.TrimPrefix(href, "tel:")
	}
	if addr := normalizeWhitespace(doc.Find("address").First().Text()); addr != "" {
		contact.Address = addr
	}
	if contact.Email == "" && contact.Phone == "" && contact.Address == "" {
		return nil
	}
	return contact
}

func firstText(s *goquery.Selection, selector string) string {
	return normalizeWhitespace(s.Find(selector).First().Text())
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

package parser

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// DiscoverTotal estimates the total record count advertised by the first
// page. The count is the first numeric token of the page's first heading,
// with "." accepted as a thousands separator ("1.234 resultados" reads as
// 1234). Heading formats drift with the site's locale, so when no numeric
// token is found the first page's record count is returned instead of
// failing the crawl.
func DiscoverTotal(markup string, firstPageSize int) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return firstPageSize
	}

	heading := strings.TrimSpace(doc.Find("h1").First().Text())
	for _, token := range strings.Fields(heading) {
		if _, err := strconv.ParseFloat(token, 64); err != nil {
			continue
		}
		total, err := strconv.Atoi(strings.ReplaceAll(token, ".", ""))
		if err != nil {
			continue
		}
		return total
	}
	return firstPageSize
}

// TotalPages derives the page count for a crawl from the discovered total
// and the first page's size.
func TotalPages(total, firstPageSize int) int {
	if firstPageSize <= 0 {
		return 1
	}
	pages := (total + firstPageSize - 1) / firstPageSize
	if pages < 1 {
		return 1
	}
	return pages
}

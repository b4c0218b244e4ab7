// Package extract turns a listing detail page into a models.JobRecord.
package extract

import (
	"context"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/mwardle-data/jobs-scraper-project/internal/config"
	apperrors "github.com/mwardle-data/jobs-scraper-project/internal/errors"
	"github.com/mwardle-data/jobs-scraper-project/internal/models"
	"github.com/mwardle-data/jobs-scraper-project/internal/utils"
)

// DocumentFetcher retrieves and parses one page.
type DocumentFetcher interface {
	FetchDocument(ctx context.Context, rawURL string) (*goquery.Document, error)
}

type ListingFetcher struct {
	docs      DocumentFetcher
	selectors config.SelectorConfig
}

func NewListingFetcher(docs DocumentFetcher, selectors config.SelectorConfig) *ListingFetcher {
	return &ListingFetcher{docs: docs, selectors: selectors}
}

// FetchDetail fetches the detail page behind ref and extracts its record.
// Fetch failures propagate unchanged; a page without the expected structure
// yields an *apperrors.ExtractionError.
func (f *ListingFetcher) FetchDetail(ctx context.Context, ref models.Reference) (models.JobRecord, error) {
	doc, err := f.docs.FetchDocument(ctx, ref.URL)
	if err != nil {
		return models.JobRecord{}, err
	}
	return Extract(doc, ref, f.selectors)
}

// Extract reads the title, the details table and the summary from doc.
func Extract(doc *goquery.Document, ref models.Reference, sel config.SelectorConfig) (models.JobRecord, error) {
	jobID := ref.JobID
	if jobID == "" {
		jobID = utils.JobID(ref.URL)
	}
	rec := models.NewJobRecord(jobID)

	if sel.Title != "" {
		if h := doc.Find(sel.Title).First(); h.Length() > 0 {
			rec.Fields.Set(models.FieldTitle, utils.CleanText(h.Text()))
		}
	}

	table := doc.Find(sel.DetailsTable).First()
	if table.Length() == 0 {
		return models.JobRecord{}, apperrors.NewExtractionError(ref.URL, "details table")
	}
	table.Find("tr").Each(func(_ int, row *goquery.Selection) {
		th := row.Find("th").First()
		td := row.Find("td").First()
		if th.Length() == 0 || td.Length() == 0 {
			return
		}
		key := headerKey(th)
		rec.Fields.Set(key, utils.CleanText(joinedText(td)))
	})

	if sel.SummaryHeading != "" && doc.Find(sel.SummaryHeading).Length() > 0 {
		block := doc.Find(sel.Description).First()
		if sel.Description == "" || block.Length() == 0 {
			return models.JobRecord{}, apperrors.NewExtractionError(ref.URL, "description block")
		}
		summary := strings.TrimSpace(block.Text())
		rec.Fields.Set(models.FieldSummary, strings.ReplaceAll(summary, "\n", ";"))
	}

	return rec, nil
}

// headerKey is the header text up to its first colon.
func headerKey(th *goquery.Selection) string {
	text := utils.CleanText(th.Text())
	if i := strings.Index(text, ":"); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// joinedText joins the trimmed text nodes under s with single spaces, so
// "<td>a<br>b</td>" reads "a b" rather than "ab".
func joinedText(s *goquery.Selection) string {
	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return strings.Join(parts, " ")
}

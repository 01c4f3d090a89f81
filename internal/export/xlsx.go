// Package export writes opportunity batches to spreadsheet files for
// hand-off to sales tooling that does not consume the API.
package export

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/prospect-labs/prospectd/internal/model"
)

var opportunityHeader = []string{
	"ID", "Search ID", "External ID", "Source", "Source Type",
	"Title", "Content", "Author", "URL",
	"Matched Keywords", "Detected Pattern", "Type", "Subtype",
	"Relevance", "Urgency", "Total Score", "Status", "Created At",
}

// WriteOpportunities writes the batch to an XLSX file at path, one row per
// opportunity under a header row.
func WriteOpportunities(path string, opps []model.Opportunity) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Opportunities")
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, h := range opportunityHeader {
		header.AddCell().SetString(h)
	}

	for _, o := range opps {
		row := sheet.AddRow()
		row.AddCell().SetString(o.ID)
		row.AddCell().SetString(o.SearchID)
		row.AddCell().SetString(o.ExternalID)
		row.AddCell().SetString(o.Source)
		row.AddCell().SetString(o.SourceType)
		row.AddCell().SetString(o.Title)
		row.AddCell().SetString(o.Content)
		row.AddCell().SetString(o.Author)
		row.AddCell().SetString(o.URL)
		row.AddCell().SetString(strings.Join(o.MatchedKeywords, ", "))
		row.AddCell().SetString(o.DetectedPattern)
		row.AddCell().SetString(o.Type)
		row.AddCell().SetString(o.Subtype)
		row.AddCell().SetFloat(o.RelevanceScore)
		row.AddCell().SetFloat(o.UrgencyScore)
		row.AddCell().SetFloat(o.TotalScore)
		row.AddCell().SetString(string(o.Status))
		row.AddCell().SetString(o.CreatedAt.UTC().Format(time.RFC3339))
	}

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "export: save file")
	}
	return nil
}

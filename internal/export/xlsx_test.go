package export

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/prospect-labs/prospectd/internal/model"
)

func TestWriteOpportunities(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opps.xlsx")
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	opps := []model.Opportunity{
		{
			ID:              "opp-1",
			SearchID:        "search-1",
			ExternalID:      "abc123",
			Source:          "reddit",
			SourceType:      "post",
			Title:           "Looking for a CRM recommendation",
			Content:         "We outgrew spreadsheets.",
			Author:          "u/founder",
			URL:             "https://reddit.com/r/smallbusiness/abc123",
			MatchedKeywords: []string{"crm", "recommendation"},
			TotalScore:      7.5,
			Status:          model.OpportunityStatusNew,
			CreatedAt:       created,
		},
		{
			ID:         "opp-2",
			SearchID:   "search-1",
			ExternalID: "def456",
			Source:     "reddit",
			Author:     "unknown",
			Status:     model.OpportunityStatusNew,
			CreatedAt:  created,
		},
	}

	require.NoError(t, WriteOpportunities(path, opps))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 1)

	sheet := f.Sheets[0]
	require.Len(t, sheet.Rows, 3)

	assert.Equal(t, "ID", sheet.Rows[0].Cells[0].String())
	assert.Equal(t, "opp-1", sheet.Rows[1].Cells[0].String())
	assert.Equal(t, "crm, recommendation", sheet.Rows[1].Cells[9].String())
	assert.Equal(t, "2025-06-01T12:00:00Z", sheet.Rows[1].Cells[17].String())
	assert.Equal(t, "def456", sheet.Rows[2].Cells[2].String())

	score, err := sheet.Rows[1].Cells[15].Float()
	require.NoError(t, err)
	assert.InDelta(t, 7.5, score, 0.001)
}

func TestWriteOpportunities_EmptyBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	require.NoError(t, WriteOpportunities(path, nil))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets[0].Rows, 1) // header only
}

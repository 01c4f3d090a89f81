package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/export"
	"github.com/prospect-labs/prospectd/internal/model"
	"github.com/prospect-labs/prospectd/internal/store"
)

var (
	exportOwner  string
	exportSearch string
	exportStatus string
	exportLimit  int
	exportOut    string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export an owner's opportunities to an XLSX file",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		opps, err := st.ListOpportunities(ctx, exportOwner, store.OpportunityFilter{
			SearchID: exportSearch,
			Status:   model.OpportunityStatus(exportStatus),
			Limit:    exportLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list opportunities")
		}

		if err := export.WriteOpportunities(exportOut, opps); err != nil {
			return err
		}

		zap.L().Info("export complete",
			zap.String("file", exportOut),
			zap.Int("opportunities", len(opps)),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOwner, "owner", "", "owner id (required)")
	exportCmd.Flags().StringVar(&exportSearch, "search", "", "filter by search id")
	exportCmd.Flags().StringVar(&exportStatus, "status", "", "filter by opportunity status")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 1000, "max rows to export")
	exportCmd.Flags().StringVar(&exportOut, "out", "opportunities.xlsx", "output file path")
	_ = exportCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(exportCmd)
}

package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prospect-labs/prospectd/internal/generator"
)

var (
	generateOwner string
	generateLimit int
	generateForce bool
)

var generateCmd = &cobra.Command{
	Use:   "generate <search-id>",
	Short: "Run opportunity generation for a search synchronously",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		result, err := e.Generator.Generate(ctx, generator.Request{
			OwnerID:  generateOwner,
			SearchID: args[0],
			Limit:    generateLimit,
			Force:    generateForce,
		})
		if err != nil {
			return eris.Wrap(err, "generate")
		}

		zap.L().Info("generation complete",
			zap.String("search_id", args[0]),
			zap.Int("created", result.Created),
			zap.Int("skipped", result.Skipped),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	generateCmd.Flags().StringVar(&generateOwner, "owner", "", "owner id (required)")
	generateCmd.Flags().IntVar(&generateLimit, "limit", 0, "max opportunities to create (default from config)")
	generateCmd.Flags().BoolVar(&generateForce, "force", false, "trigger a scrape even when recent data exists")
	_ = generateCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(generateCmd)
}

package main

import (
	"encoding/csv"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var importCSVPath string

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import the symbol universe from a CSV file",
	Long:  "Reads ticker symbols from the first column of a CSV file and adds them to the tracked universe. Already-known symbols are skipped.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		symbols, err := readSymbolsCSV(importCSVPath)
		if err != nil {
			return err
		}
		if len(symbols) == 0 {
			return eris.Errorf("no symbols found in %s", importCSVPath)
		}

		st, err := initStore(ctx)
		if err != nil {
			return eris.Wrap(err, "init store")
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		added, err := st.ImportSymbols(ctx, symbols)
		if err != nil {
			return eris.Wrap(err, "import symbols")
		}

		zap.L().Info("import complete",
			zap.Int("read", len(symbols)),
			zap.Int("added", added),
			zap.String("csv", importCSVPath),
		)
		return nil
	},
}

// readSymbolsCSV extracts symbols from the first column, skipping a header
// row whose first cell is "symbol" in any case.
func readSymbolsCSV(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, eris.Wrapf(err, "parse %s", path)
	}

	symbols := make([]string, 0, len(rows))
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		sym := strings.ToUpper(strings.TrimSpace(row[0]))
		if sym == "" {
			continue
		}
		if i == 0 && sym == "SYMBOL" {
			continue
		}
		symbols = append(symbols, sym)
	}
	return symbols, nil
}

func init() {
	importCmd.Flags().StringVar(&importCSVPath, "csv", "", "path to CSV file (required)")
	_ = importCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(importCmd)
}

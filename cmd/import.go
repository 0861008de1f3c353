package main

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/recon-engine/internal/ingest"
	"github.com/sells-group/recon-engine/internal/model"
	"github.com/sells-group/recon-engine/internal/store"
)

var (
	importFile         string
	importDocType      string
	importPropertyID   int64
	importPeriodID     int64
	importYear         int
	importMonth        int
	importSheet        string
	importPropertyName string
	importPropertyType string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load extracted statement records from CSV or XLSX",
	Long:  "Loads records into the statement tables. The period is taken from --period, or found or created from --property, --year and --month.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("import"); err != nil {
			return err
		}
		ctx := cmd.Context()

		opts := ingest.Options{PropertyID: importPropertyID, PeriodID: importPeriodID, Sheet: importSheet}
		if importDocType != "" {
			dt, err := model.ParseDocumentType(importDocType)
			if err != nil {
				return err
			}
			opts.DocType = dt
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return eris.Wrap(err, "init store")
		}
		defer st.Close() //nolint:errcheck

		var inserted int64
		err = st.InTx(ctx, func(tx store.Store) error {
			periodID, err := preparePeriod(ctx, tx, opts.PropertyID, opts.PeriodID)
			if err != nil {
				return err
			}
			opts.PeriodID = periodID

			recs, err := ingest.ReadFile(importFile, opts)
			if err != nil {
				return err
			}
			inserted, err = tx.InsertRecords(ctx, recs)
			return err
		})
		if err != nil {
			return eris.Wrap(err, "import records")
		}

		zap.L().Info("import complete",
			zap.Int64("records", inserted),
			zap.Int64("period_id", opts.PeriodID),
			zap.String("file", importFile),
		)
		return nil
	},
}

// preparePeriod upserts the property when a type is given and resolves the
// period id, creating the period from --year and --month when needed.
func preparePeriod(ctx context.Context, st store.Store, propertyID, periodID int64) (int64, error) {
	if importPropertyType != "" {
		if propertyID == 0 {
			return 0, eris.New("--property-type needs --property")
		}
		if err := st.UpsertProperty(ctx, model.Property{ID: propertyID, Name: importPropertyName, PropertyType: importPropertyType}); err != nil {
			return 0, err
		}
	}
	if periodID != 0 || importYear == 0 {
		return periodID, nil
	}
	if propertyID == 0 {
		return 0, eris.New("--year and --month need --property")
	}
	p, err := st.FindPeriod(ctx, propertyID, importYear, importMonth)
	if err != nil {
		return 0, err
	}
	if p != nil {
		return p.ID, nil
	}
	p = &model.Period{PropertyID: propertyID, Year: importYear, Month: importMonth}
	if err := st.InsertPeriod(ctx, p); err != nil {
		return 0, err
	}
	return p.ID, nil
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "CSV or XLSX file (required)")
	importCmd.Flags().StringVar(&importDocType, "doc-type", "", "document type for rows without a doc_type column")
	importCmd.Flags().Int64Var(&importPropertyID, "property", 0, "property id for rows without one")
	importCmd.Flags().Int64Var(&importPeriodID, "period", 0, "period id for rows without one")
	importCmd.Flags().IntVar(&importYear, "year", 0, "period year, with --month")
	importCmd.Flags().IntVar(&importMonth, "month", 0, "period month, with --year")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "XLSX sheet name (default first sheet)")
	importCmd.Flags().StringVar(&importPropertyName, "property-name", "", "property name to store")
	importCmd.Flags().StringVar(&importPropertyType, "property-type", "", "property type to store, e.g. multifamily")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}

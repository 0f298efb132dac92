package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/paperbase/internal/model"
	"github.com/sells-group/paperbase/internal/schema"
	"github.com/sells-group/paperbase/internal/store"
)

var (
	exportOut            string
	exportIncludeDeleted bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all extracted records to an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		sch, err := loadSchema()
		if err != nil {
			return err
		}

		docs, err := st.ListDocuments(ctx, store.DocumentFilter{})
		if err != nil {
			return eris.Wrap(err, "list documents")
		}

		f := xlsx.NewFile()
		if err := writeDocumentsSheet(f, docs); err != nil {
			return err
		}

		total := 0
		recordSheet, err := f.AddSheet("Records")
		if err != nil {
			return eris.Wrap(err, "add records sheet")
		}
		writeRecordHeader(recordSheet, sch)
		for i := range docs {
			recs, err := st.ListRecords(ctx, docs[i].ID, exportIncludeDeleted)
			if err != nil {
				return eris.Wrapf(err, "list records for %s", docs[i].ID)
			}
			for j := range recs {
				writeRecordRow(recordSheet, sch, &docs[i], &recs[j])
			}
			total += len(recs)
		}

		if err := f.Save(exportOut); err != nil {
			return eris.Wrapf(err, "save %s", exportOut)
		}

		zap.L().Info("export complete",
			zap.String("file", exportOut),
			zap.Int("documents", len(docs)),
			zap.Int("records", total))
		fmt.Printf("wrote %d records from %d documents to %s\n", total, len(docs), exportOut)
		return nil
	},
}

func writeDocumentsSheet(f *xlsx.File, docs []model.Document) error {
	sheet, err := f.AddSheet("Documents")
	if err != nil {
		return eris.Wrap(err, "add documents sheet")
	}

	header := sheet.AddRow()
	for _, h := range []string{"document_id", "file_path", "title", "authors", "year", "journal", "doi", "records_extracted", "reviewed_at"} {
		header.AddCell().Value = h
	}

	for i := range docs {
		d := &docs[i]
		row := sheet.AddRow()
		row.AddCell().Value = d.ID
		row.AddCell().Value = d.FilePath
		row.AddCell().Value = d.Bib.Title
		row.AddCell().Value = d.Bib.Authors
		if d.Bib.Year != 0 {
			row.AddCell().SetInt(d.Bib.Year)
		} else {
			row.AddCell()
		}
		row.AddCell().Value = d.Bib.Journal
		row.AddCell().Value = d.Bib.DOI
		row.AddCell().SetInt(d.RecordsExtracted)
		if d.ReviewedAt != nil {
			row.AddCell().Value = d.ReviewedAt.Format(time.RFC3339)
		} else {
			row.AddCell()
		}
	}
	return nil
}

func writeRecordHeader(sheet *xlsx.Sheet, sch *schema.Schema) {
	row := sheet.AddRow()
	row.AddCell().Value = "record_id"
	row.AddCell().Value = "document_id"
	for _, field := range sch.Fields {
		row.AddCell().Value = field.Key
	}
	row.AddCell().Value = "extraction_timestamp"
	row.AddCell().Value = "human_edited"
	row.AddCell().Value = "deleted_by_user"
}

func writeRecordRow(sheet *xlsx.Sheet, sch *schema.Schema, doc *model.Document, rec *model.Record) {
	row := sheet.AddRow()
	row.AddCell().Value = rec.ID.String()
	row.AddCell().Value = doc.ID
	for _, field := range sch.Fields {
		v, ok := rec.FieldString(field.Key)
		if !ok {
			row.AddCell()
			continue
		}
		row.AddCell().Value = v
	}
	row.AddCell().Value = rec.ExtractionTime.Format(time.RFC3339)
	row.AddCell().Value = timeCell(rec.HumanEdited)
	row.AddCell().Value = timeCell(rec.DeletedByUser)
}

func timeCell(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "records.xlsx", "output file path")
	exportCmd.Flags().BoolVar(&exportIncludeDeleted, "include-deleted", false, "include user-deleted records")
	rootCmd.AddCommand(exportCmd)
}

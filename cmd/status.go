package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/paperbase/internal/model"
	"github.com/sells-group/paperbase/internal/store"
)

var (
	statusLimit      int
	statusReviewed   bool
	statusUnreviewed bool
)

var statusCmd = &cobra.Command{
	Use:   "status [document-id]",
	Short: "Show pipeline state for ingested documents",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if len(args) == 1 {
			return printDocumentDetail(cmd, st, args[0])
		}

		filter := store.DocumentFilter{Limit: statusLimit}
		if statusReviewed {
			v := true
			filter.Reviewed = &v
		} else if statusUnreviewed {
			v := false
			filter.Reviewed = &v
		}

		docs, err := st.ListDocuments(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "list documents")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILE\tOCR\tMETADATA\tEXTRACTION\tREFINEMENT\tRECORDS\tREVIEWED")
		for i := range docs {
			d := &docs[i]
			reviewed := ""
			if d.ReviewedAt != nil {
				reviewed = d.ReviewedAt.Format("2006-01-02")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				shortID(d.ID),
				filepath.Base(d.FilePath),
				d.OCRStatus.State,
				d.MetadataStatus.State,
				d.ExtractionStatus.State,
				d.RefinementStatus.State,
				d.RecordsExtracted,
				reviewed,
			)
		}
		w.Flush()
		fmt.Printf("\n%d documents\n", len(docs))
		return nil
	},
}

func printDocumentDetail(cmd *cobra.Command, st store.Store, id string) error {
	ctx := cmd.Context()

	doc, err := st.GetDocument(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "get document %s", id)
	}

	fmt.Printf("Document:  %s\n", doc.ID)
	fmt.Printf("File:      %s\n", doc.FilePath)
	fmt.Printf("Hash:      %s\n", doc.FileHash)
	fmt.Printf("Uploaded:  %s\n", doc.UploadTime.Format("2006-01-02 15:04:05"))
	if doc.Bib.Title != "" {
		fmt.Printf("Title:     %s\n", doc.Bib.Title)
		fmt.Printf("Authors:   %s\n", doc.Bib.Authors)
		fmt.Printf("Year:      %d\n", doc.Bib.Year)
		if doc.Bib.DOI != "" {
			fmt.Printf("DOI:       %s\n", doc.Bib.DOI)
		}
	}
	fmt.Println()
	for _, stage := range model.Stages {
		fmt.Printf("%-12s %s\n", stage.String()+":", doc.Status(stage).Encode())
	}

	recs, err := st.ListRecords(ctx, doc.ID, false)
	if err != nil {
		return eris.Wrap(err, "list records")
	}
	fmt.Printf("\n%d records:\n", len(recs))
	for _, r := range recs {
		marker := ""
		if r.HumanEdited != nil {
			marker = " (edited)"
		}
		fmt.Printf("  %s%s\n", r.ID, marker)
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 100, "max documents to list")
	statusCmd.Flags().BoolVar(&statusReviewed, "reviewed", false, "only reviewed documents")
	statusCmd.Flags().BoolVar(&statusUnreviewed, "unreviewed", false, "only unreviewed documents")
	rootCmd.AddCommand(statusCmd)
}

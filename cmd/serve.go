package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/paperbase/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the record review API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newReviewRouter(st),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx)
		}()

		zap.L().Info("starting review server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// newReviewRouter builds the HTTP API the review UI talks to.
func newReviewRouter(st store.Store) http.Handler {
	api := &reviewAPI{store: st}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/documents", api.listDocuments)
		r.Get("/documents/{documentID}", api.getDocument)
		r.Post("/documents/{documentID}/reviewed", api.markReviewed)
		r.Get("/documents/{documentID}/records", api.listRecords)
		r.Patch("/documents/{documentID}/records/{recordID}", api.editRecord)
		r.Delete("/documents/{documentID}/records/{recordID}", api.deleteRecord)
		r.Get("/records/{recordID}/edits", api.listEdits)
	})

	return r
}

type reviewAPI struct {
	store store.Store
}

func (a *reviewAPI) listDocuments(w http.ResponseWriter, r *http.Request) {
	filter := store.DocumentFilter{Limit: 500}
	switch r.URL.Query().Get("reviewed") {
	case "true":
		v := true
		filter.Reviewed = &v
	case "false":
		v := false
		filter.Reviewed = &v
	}

	docs, err := a.store.ListDocuments(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (a *reviewAPI) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.store.GetDocument(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *reviewAPI) markReviewed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "documentID")
	if err := a.store.SetReviewedAt(r.Context(), id, time.Now().UTC()); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reviewed", "document_id": id})
}

func (a *reviewAPI) listRecords(w http.ResponseWriter, r *http.Request) {
	includeDeleted := r.URL.Query().Get("include_deleted") == "true"
	recs, err := a.store.ListRecords(r.Context(), chi.URLParam(r, "documentID"), includeDeleted)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *reviewAPI) editRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Column string `json:"column"`
		Value  any    `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, eris.New("invalid request body"))
		return
	}
	if req.Column == "" {
		writeError(w, http.StatusBadRequest, eris.New("column is required"))
		return
	}

	docID := chi.URLParam(r, "documentID")
	recordID := chi.URLParam(r, "recordID")
	if err := a.store.EditRecordColumn(r.Context(), docID, recordID, req.Column, req.Value, time.Now().UTC()); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	zap.L().Info("record edited",
		zap.String("document_id", docID),
		zap.String("record_id", recordID),
		zap.String("column", req.Column))
	writeJSON(w, http.StatusOK, map[string]string{"status": "edited", "record_id": recordID})
}

func (a *reviewAPI) deleteRecord(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "documentID")
	recordID := chi.URLParam(r, "recordID")
	if err := a.store.MarkRecordDeleted(r.Context(), docID, recordID, time.Now().UTC()); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	zap.L().Info("record deleted",
		zap.String("document_id", docID),
		zap.String("record_id", recordID))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "record_id": recordID})
}

func (a *reviewAPI) listEdits(w http.ResponseWriter, r *http.Request) {
	edits, err := a.store.ListRecordEdits(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, edits)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

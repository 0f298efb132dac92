package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paperbase/internal/dedup"
	"github.com/sells-group/paperbase/internal/model"
	"github.com/sells-group/paperbase/internal/ocr"
	"github.com/sells-group/paperbase/internal/pipeline"
	"github.com/sells-group/paperbase/internal/schema"
	"github.com/sells-group/paperbase/internal/store"
	anthropicpkg "github.com/sells-group/paperbase/pkg/anthropic"
	"github.com/sells-group/paperbase/pkg/jina"
)

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func loadSchema() (*schema.Schema, error) {
	sch, err := schema.Load(cfg.Schema.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load schema")
	}
	return sch, nil
}

// buildPipeline wires the stage executors onto an existing store handle.
func buildPipeline(st store.Store, sch *schema.Schema) (*pipeline.Pipeline, error) {
	ocrExt, err := ocr.NewExtractor(cfg.OCR)
	if err != nil {
		return nil, err
	}

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)

	var embedder dedup.Embedder
	var adjudicator dedup.Adjudicator
	switch cfg.Dedup.Strategy {
	case "embedding":
		opts := []jina.Option{}
		if cfg.Jina.BaseURL != "" {
			opts = append(opts, jina.WithBaseURL(cfg.Jina.BaseURL))
		}
		if cfg.Jina.Model != "" {
			opts = append(opts, jina.WithModel(cfg.Jina.Model))
		}
		embedder = jina.NewClient(cfg.Jina.Key, opts...)
	case "llm":
		adjudicator = pipeline.NewDedupAdjudicator(anthropicClient, cfg.Anthropic)
	}

	engine, err := dedup.New(cfg.Dedup, embedder, adjudicator)
	if err != nil {
		return nil, eris.Wrap(err, "configure dedup")
	}

	return pipeline.New(
		st,
		sch,
		ocrExt,
		pipeline.NewMetadataStage(anthropicClient, cfg.Anthropic),
		pipeline.NewExtractionStage(anthropicClient, cfg.Anthropic, sch),
		pipeline.NewRefinementStage(anthropicClient, cfg.Anthropic, sch),
		engine,
	), nil
}

// pipelineFactory gives every batch worker its own store connection.
func pipelineFactory(sch *schema.Schema) pipeline.Factory {
	return func(ctx context.Context) (*pipeline.Pipeline, store.Store, error) {
		st, err := initStore(ctx)
		if err != nil {
			return nil, nil, err
		}
		p, err := buildPipeline(st, sch)
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		return p, st, nil
	}
}

// collectFiles expands the positional arguments into a sorted list of PDF
// paths. Directory arguments list their PDFs; with recursive set they are
// walked.
func collectFiles(args []string, recursive bool) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "stat %s", arg)
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}

		if recursive {
			err = filepath.WalkDir(arg, func(path string, d os.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() && isPDF(path) {
					files = append(files, path)
				}
				return nil
			})
			if err != nil {
				return nil, eris.Wrapf(err, "walk %s", arg)
			}
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "read dir %s", arg)
		}
		for _, e := range entries {
			if !e.IsDir() && isPDF(e.Name()) {
				files = append(files, filepath.Join(arg, e.Name()))
			}
		}
	}
	sort.Strings(files)
	return files, nil
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

// parseForceSpec parses a force flag value: empty means none, "all" means
// every document, anything else is a comma-separated id list.
func parseForceSpec(v string) model.ForceSpec {
	v = strings.TrimSpace(v)
	switch v {
	case "":
		return model.ForceNone()
	case "all":
		return model.ForceAll()
	}
	var ids []string
	for _, id := range strings.Split(v, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return model.ForceIDs(ids...)
}

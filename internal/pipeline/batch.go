package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/paperbase/internal/model"
	"github.com/sells-group/paperbase/internal/store"
)

// Factory builds a Pipeline bound to a fresh store handle. Each batch worker
// calls it once so no two workers ever share a connection.
type Factory func(ctx context.Context) (*Pipeline, store.Store, error)

// BatchRunner fans a set of files out over a bounded worker pool. One file's
// failure, including a panic, never disturbs the others.
type BatchRunner struct {
	factory     Factory
	concurrency int
}

// NewBatchRunner builds a runner. Concurrency below one is clamped to one.
func NewBatchRunner(factory Factory, concurrency int) *BatchRunner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &BatchRunner{factory: factory, concurrency: concurrency}
}

// Run processes the files and returns one report per input, index-aligned.
// With concurrency one the files run sequentially on a single store handle.
func (b *BatchRunner) Run(ctx context.Context, files []string, opts model.Options) ([]model.StatusReport, error) {
	reports := make([]model.StatusReport, len(files))
	if len(files) == 0 {
		return reports, nil
	}

	if b.concurrency == 1 {
		return reports, b.runSequential(ctx, files, opts, reports)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, file := range files {
		g.Go(func() error {
			p, st, err := b.factory(gctx)
			if err != nil {
				reports[i] = *failedReport(file, err)
				return nil
			}
			defer st.Close()
			reports[i] = *b.processOne(gctx, p, file, opts)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}

func (b *BatchRunner) runSequential(ctx context.Context, files []string, opts model.Options, reports []model.StatusReport) error {
	p, st, err := b.factory(ctx)
	if err != nil {
		for i, file := range files {
			reports[i] = *failedReport(file, err)
		}
		return nil
	}
	defer st.Close()

	for i, file := range files {
		reports[i] = *b.processOne(ctx, p, file, opts)
	}
	return nil
}

// processOne runs one file and converts panics and orchestrator errors into
// a failed report so the batch keeps moving.
func (b *BatchRunner) processOne(ctx context.Context, p *Pipeline, file string, opts model.Options) (report *model.StatusReport) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("batch: worker panic",
				zap.String("file", file),
				zap.Any("panic", r))
			report = failedReport(file, fmt.Errorf("panic: %v", r))
			report.Duration = time.Since(start)
		}
	}()

	report, err := p.ProcessDocument(ctx, file, opts)
	if err != nil {
		zap.L().Error("batch: document errored", zap.String("file", file), zap.Error(err))
		report = failedReport(file, err)
		report.Duration = time.Since(start)
	}
	return report
}

func failedReport(file string, err error) *model.StatusReport {
	r := &model.StatusReport{File: file}
	r.OCR = model.Failed(err.Error())
	r.Metadata = model.Skipped("upstream stage failed")
	r.Extraction = model.Skipped("upstream stage failed")
	r.Refinement = model.Skipped("upstream stage failed")
	return r
}

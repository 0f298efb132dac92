package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/paperbase/internal/model"
	"github.com/sells-group/paperbase/pkg/anthropic"
)

// MockOCR implements ocr.Extractor.
type MockOCR struct {
	mock.Mock
}

func (m *MockOCR) ExtractText(ctx context.Context, pdf []byte) (string, error) {
	args := m.Called(ctx, pdf)
	return args.String(0), args.Error(1)
}

// MockMetadata implements MetadataExecutor.
type MockMetadata struct {
	mock.Mock
}

func (m *MockMetadata) Extract(ctx context.Context, content string) (*model.Bibliography, error) {
	args := m.Called(ctx, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Bibliography), args.Error(1)
}

// MockExtraction implements ExtractionExecutor.
type MockExtraction struct {
	mock.Mock
}

func (m *MockExtraction) Extract(ctx context.Context, doc *model.Document) ([]model.Record, error) {
	args := m.Called(ctx, doc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Record), args.Error(1)
}

// MockRefinement implements RefinementExecutor.
type MockRefinement struct {
	mock.Mock
}

func (m *MockRefinement) Refine(ctx context.Context, doc *model.Document, existing []model.Record) ([]model.Record, error) {
	args := m.Called(ctx, doc, existing)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Record), args.Error(1)
}

// MockAnthropicClient implements anthropic.Client.
type MockAnthropicClient struct {
	mock.Mock
}

func (m *MockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

package room

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/scribe/backend/internal/storage"
)

// MarkdownHandler obtains a fresh canonical text extraction from exactly one
// connected client per save cycle. It is owned by a single room actor and
// must only be used from the actor's processing loop.
type MarkdownHandler struct {
	docID        string
	table        *CorrelationTable
	store        *storage.Store
	logger       *zap.Logger
	deadline     time.Duration
	selectTarget func() (Conn, bool)
	newRequestID func() string
}

// MarkdownHandlerConfig bundles the dependencies of a MarkdownHandler.
type MarkdownHandlerConfig struct {
	DocID        string
	Table        *CorrelationTable
	Store        *storage.Store
	Logger       *zap.Logger
	Deadline     time.Duration
	SelectTarget func() (Conn, bool)
	NewRequestID func() string
}

// NewMarkdownHandler returns a handler using uuid request ids unless a
// generator is injected.
func NewMarkdownHandler(cfg MarkdownHandlerConfig) *MarkdownHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = defaultExtractTimeout
	}
	newRequestID := cfg.NewRequestID
	if newRequestID == nil {
		newRequestID = uuid.NewString
	}
	return &MarkdownHandler{
		docID:        cfg.DocID,
		table:        cfg.Table,
		store:        cfg.Store,
		logger:       logger,
		deadline:     deadline,
		selectTarget: cfg.SelectTarget,
		newRequestID: newRequestID,
	}
}

// Extract requests canonical text from one target connection and invokes done
// with the result. done receives ok=false when no target is connected or the
// deadline passes; a successful extraction is persisted before done runs.
func (handler *MarkdownHandler) Extract(done func(markdown string, ok bool)) {
	target, found := handler.selectTarget()
	if !found {
		handler.logger.Debug("no extraction target connected",
			zap.String("doc_id", handler.docID))
		done("", false)
		return
	}

	requestID := handler.newRequestID()
	handler.table.Register(requestID, handler.deadline, func(markdown string, ok bool) {
		if ok {
			if err := handler.store.SaveCanonicalText(context.Background(), handler.docID, markdown); err != nil {
				// Best effort: the next successful cycle overwrites it.
				handler.logger.Warn("failed to persist canonical text",
					zap.String("doc_id", handler.docID),
					zap.Error(err))
			}
		} else {
			handler.logger.Debug("canonical text extraction timed out",
				zap.String("doc_id", handler.docID),
				zap.String("request_id", requestID))
		}
		done(markdown, ok)
	})
	target.Send(EncodeRequestMarkdown(requestID))
}

// Resolve routes a canonical-markdown response to its pending request.
// Unknown or expired request ids are ignored.
func (handler *MarkdownHandler) Resolve(requestID string, markdown string) bool {
	return handler.table.Resolve(requestID, markdown)
}

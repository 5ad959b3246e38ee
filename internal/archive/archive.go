// Package archive writes request outcomes to blob storage so results survive
// beyond the webhook delivery.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/toolrunner/internal/runner"
)

// Record is the archived form of one finished request.
type Record struct {
	Request        runner.Request  `json:"request"`
	Success        bool            `json:"success"`
	Results        []runner.Result `json:"results,omitempty"`
	Error          string          `json:"error,omitempty"`
	ProcessingTime int64           `json:"processingTime,omitempty"`
	ArchivedAt     time.Time       `json:"archivedAt"`
}

// Archiver serializes records into a BlobStore.
type Archiver struct {
	store  runner.BlobStore
	prefix string
	clock  runner.Clock
	logger *zap.Logger
}

// New builds an Archiver. Objects are written under prefix.
func New(store runner.BlobStore, prefix string, clock runner.Clock, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		clock:  clock,
		logger: logger.Named("archive"),
	}, nil
}

// Success archives a completed request and its results.
func (a *Archiver) Success(ctx context.Context, req runner.Request, results []runner.Result, took time.Duration) (string, error) {
	return a.save(ctx, Record{
		Request:        req,
		Success:        true,
		Results:        results,
		ProcessingTime: took.Milliseconds(),
	})
}

// Failure archives a request that ended in a user-facing error.
func (a *Archiver) Failure(ctx context.Context, req runner.Request, message string) (string, error) {
	return a.save(ctx, Record{Request: req, Error: message})
}

func (a *Archiver) save(ctx context.Context, rec Record) (string, error) {
	rec.ArchivedAt = a.clock.Now()
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal archive record: %w", err)
	}
	objectPath := a.ObjectPath(rec.Request, rec.ArchivedAt)
	uri, err := a.store.PutObject(ctx, objectPath, "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("archive request %d: %w", rec.Request.ID, err)
	}
	a.logger.Debug("request archived",
		zap.Int64("request_id", rec.Request.ID),
		zap.String("uri", uri),
		zap.Bool("success", rec.Success),
	)
	return uri, nil
}

// ObjectPath returns prefix/tool/yyyy/mm/dd/<id>-<unix ms>.json.
func (a *Archiver) ObjectPath(req runner.Request, at time.Time) string {
	at = at.UTC()
	tool := req.Tool
	if tool == "" {
		tool = "unknown"
	}
	name := fmt.Sprintf("%d-%d.json", req.ID, at.UnixMilli())
	return path.Join(a.prefix, tool, at.Format("2006/01/02"), name)
}

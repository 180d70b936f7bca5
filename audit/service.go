// Package audit persists a trail of relationship and canvas mutations.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mk12/mira/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	queueSize     = 1024
	batchSize     = 100
	flushInterval = 2 * time.Second
)

// Entry is one audited request.
type Entry struct {
	TraceID   string
	AccountID int64
	// TargetID is the other identity involved, zero when there is none.
	TargetID int64
	Action   string
	Outcome  string
	Request  any
	Err      error
	IP       string
	Duration time.Duration
}

// Service writes entries asynchronously in batches. Entries are dropped,
// with a warning, when the queue is full.
type Service struct {
	db       *gorm.DB
	ch       chan *model.AuditLog
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// New creates a Service and starts its background writer.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		ch:     make(chan *model.AuditLog, queueSize),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

// Log enqueues an entry. It never blocks.
func (svc *Service) Log(e Entry) {
	record := &model.AuditLog{
		TraceID:    e.TraceID,
		Action:     e.Action,
		Outcome:    e.Outcome,
		IP:         e.IP,
		DurationMs: int(e.Duration.Milliseconds()),
	}
	if e.AccountID != 0 {
		record.AccountID = &e.AccountID
	}
	if e.TargetID != 0 {
		record.TargetID = &e.TargetID
	}
	if e.Request != nil {
		if raw, err := json.Marshal(e.Request); err == nil {
			record.Request = datatypes.JSON(raw)
		}
	}
	if e.Err != nil {
		record.Error = e.Err.Error()
	}
	select {
	case <-svc.stopCh:
		svc.logger.Warn("audit stopped, dropping entry", zap.String("action", e.Action))
		return
	default:
	}
	select {
	case svc.ch <- record:
	default:
		svc.logger.Warn("audit queue full, dropping entry", zap.String("action", e.Action))
	}
}

// Stop flushes queued entries and waits for the writer to exit or ctx to end.
func (svc *Service) Stop(ctx context.Context) {
	svc.stopOnce.Do(func() { close(svc.stopCh) })
	done := make(chan struct{})
	go func() {
		svc.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		svc.logger.Warn("audit flush abandoned", zap.Error(ctx.Err()))
	}
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*model.AuditLog, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.CreateInBatches(&batch, batchSize).Error; err != nil {
			svc.logger.Error("audit batch write failed", zap.Int("entries", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-svc.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			for {
				select {
				case rec := <-svc.ch:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

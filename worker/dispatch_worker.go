package worker

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"rentnest/config"
	"rentnest/models"
	"rentnest/utils"
)

// backoffCapSeconds bounds the exponential retry delay.
const backoffCapSeconds = 60

// DispatchConfig carries the dispatch tuning knobs. Values come from the
// environment in production; tests construct it directly.
type DispatchConfig struct {
	TickInterval             time.Duration
	BatchLimit               int
	RecipientLimit           int
	DefaultThrottlePerMinute int
	DefaultMaxRetries        int
	ThrottleWindow           time.Duration
}

// DispatchConfigFromEnv builds the worker config from the loaded app config.
func DispatchConfigFromEnv() DispatchConfig {
	return DispatchConfig{
		TickInterval:             config.AppConfig.DispatchTickInterval,
		BatchLimit:               config.AppConfig.DispatchBatchLimit,
		RecipientLimit:           config.AppConfig.DispatchRecipientLimit,
		DefaultThrottlePerMinute: config.AppConfig.DefaultThrottlePerMinute,
		DefaultMaxRetries:        config.AppConfig.DefaultMaxRetries,
		ThrottleWindow:           config.AppConfig.ThrottleWindow,
	}
}

// DispatchWorker drives queued batches to a terminal status: it selects due
// batches and due recipients on a fixed tick, throttles per-batch volume
// against a trailing window of sent rows, retries transient failures with
// exponential backoff and finalizes batches with no outstanding work.
type DispatchWorker struct {
	DB        *gorm.DB
	Messenger utils.MessageService
	Config    DispatchConfig
	Logger    *log.Logger

	busy atomic.Bool
}

func NewDispatchWorker(db *gorm.DB, messenger utils.MessageService, cfg DispatchConfig, logger *log.Logger) *DispatchWorker {
	return &DispatchWorker{
		DB:        db,
		Messenger: messenger,
		Config:    cfg,
		Logger:    logger,
	}
}

// Start runs the tick loop until the context is cancelled.
func (dw *DispatchWorker) Start(ctx context.Context) {
	dw.Logger.Println("Dispatch worker started")

	ticker := time.NewTicker(dw.Config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			dw.Logger.Println("Dispatch worker shutting down...")
			return
		case <-ticker.C:
			dw.Tick()
		}
	}
}

// Tick runs one dispatch pass. It is single-flight: if a prior tick is still
// running the call returns immediately, since recipient transitions are not
// protected by any lock within one process.
func (dw *DispatchWorker) Tick() {
	if !dw.busy.CompareAndSwap(false, true) {
		return
	}
	defer dw.busy.Store(false)

	now := time.Now()

	var batches []models.BulkMessageBatch
	err := dw.DB.
		Where("status IN ?", []models.BatchStatus{models.BatchStatusQueued, models.BatchStatusSending}).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", now).
		Order("created_at ASC").
		Limit(dw.Config.BatchLimit).
		Find(&batches).Error
	if err != nil {
		dw.reportStoreError("fetching due batches", err)
		return
	}

	for i := range batches {
		dw.processBatch(&batches[i], now)
	}
}

func (dw *DispatchWorker) processBatch(batch *models.BulkMessageBatch, now time.Time) {
	outstanding, err := dw.outstandingCount(batch.ID)
	if err != nil {
		dw.reportStoreError("counting outstanding recipients", err)
		return
	}
	if outstanding == 0 {
		dw.finalizeBatch(batch.ID)
		return
	}

	// Recipients eligible this tick: pending and not backed off.
	var due []models.BulkMessageRecipient
	err = dw.DB.
		Where("batch_id = ? AND status = ?", batch.ID, models.RecipientStatusPending).
		Where("next_attempt_at IS NULL OR next_attempt_at <= ?", now).
		Order("created_at ASC").
		Limit(dw.Config.RecipientLimit).
		Find(&due).Error
	if err != nil {
		dw.reportStoreError("fetching due recipients", err)
		return
	}
	if len(due) == 0 {
		// Everything pending is backed off; try again on a later tick.
		return
	}

	capacity, err := dw.remainingCapacity(batch, now)
	if err != nil {
		dw.reportStoreError("counting sends in throttle window", err)
		return
	}
	if capacity <= 0 {
		logrus.WithFields(logrus.Fields{
			"batch_id": batch.ID,
			"throttle": dw.throttleFor(batch),
		}).Debug("batch throttled, skipping tick")
		return
	}

	// A batch without a creator has nobody to send as. Non-retryable; no
	// recipient may transition before this check.
	if batch.CreatorID == 0 {
		dw.failBatchFatal(batch, "batch has no creator")
		return
	}

	if err := dw.markBatchSending(batch, now); err != nil {
		dw.reportStoreError("marking batch sending", err)
		return
	}

	if capacity < len(due) {
		due = due[:capacity]
	}
	for i := range due {
		dw.processRecipient(batch, &due[i], now)
	}
}

// outstandingCount counts recipients that still need work.
func (dw *DispatchWorker) outstandingCount(batchID uint) (int64, error) {
	var count int64
	err := dw.DB.Model(&models.BulkMessageRecipient{}).
		Where("batch_id = ? AND status IN ?", batchID,
			[]models.RecipientStatus{models.RecipientStatusPending, models.RecipientStatusSending}).
		Count(&count).Error
	return count, err
}

func (dw *DispatchWorker) throttleFor(batch *models.BulkMessageBatch) int {
	if batch.ThrottlePerMinute > 0 {
		return batch.ThrottlePerMinute
	}
	return dw.Config.DefaultThrottlePerMinute
}

func (dw *DispatchWorker) maxRetriesFor(batch *models.BulkMessageBatch) int {
	if batch.MaxRetries > 0 {
		return batch.MaxRetries
	}
	return dw.Config.DefaultMaxRetries
}

// remainingCapacity computes how many sends the batch may still perform this
// tick. The trailing window count is read from persisted sent transitions so
// the bound survives restarts.
func (dw *DispatchWorker) remainingCapacity(batch *models.BulkMessageBatch, now time.Time) (int, error) {
	windowStart := now.Add(-dw.Config.ThrottleWindow)

	var sentInWindow int64
	err := dw.DB.Model(&models.BulkMessageRecipient{}).
		Where("batch_id = ? AND status = ? AND updated_at >= ?",
			batch.ID, models.RecipientStatusSent, windowStart).
		Count(&sentInWindow).Error
	if err != nil {
		return 0, err
	}

	capacity := dw.throttleFor(batch) - int(sentInWindow)
	if capacity < 0 {
		capacity = 0
	}
	return capacity, nil
}

// markBatchSending moves the batch to sending and stamps started_at on first
// dispatch. Conditional on a non-terminal status so a finalized batch is
// never resurrected.
func (dw *DispatchWorker) markBatchSending(batch *models.BulkMessageBatch, now time.Time) error {
	if batch.Status == models.BatchStatusSending && batch.StartedAt != nil {
		return nil
	}

	updates := map[string]interface{}{"status": models.BatchStatusSending}
	if batch.StartedAt == nil {
		updates["started_at"] = now
	}

	err := dw.DB.Model(&models.BulkMessageBatch{}).
		Where("id = ? AND status IN ?", batch.ID,
			[]models.BatchStatus{models.BatchStatusQueued, models.BatchStatusSending}).
		Updates(updates).Error
	if err != nil {
		return err
	}

	batch.Status = models.BatchStatusSending
	if batch.StartedAt == nil {
		batch.StartedAt = &now
	}
	return nil
}

func (dw *DispatchWorker) processRecipient(batch *models.BulkMessageBatch, rcpt *models.BulkMessageRecipient, now time.Time) {
	// A recipient whose account vanished or was deactivated after queue time
	// is skipped, not attempted.
	var user models.User
	err := dw.DB.First(&user, rcpt.UserID).Error
	if err == gorm.ErrRecordNotFound || (err == nil && !user.IsActive) {
		dw.skipRecipient(batch, rcpt)
		return
	}
	if err != nil {
		dw.reportStoreError("loading recipient user", err)
		return
	}

	// Claim via conditional write so a concurrent dispatcher cannot
	// double-send the same recipient.
	claim := dw.DB.Model(&models.BulkMessageRecipient{}).
		Where("id = ? AND status = ?", rcpt.ID, models.RecipientStatusPending).
		Updates(map[string]interface{}{
			"status":          models.RecipientStatusSending,
			"attempts":        gorm.Expr("attempts + 1"),
			"last_attempt_at": now,
		})
	if claim.Error != nil {
		dw.reportStoreError("claiming recipient", claim.Error)
		return
	}
	if claim.RowsAffected == 0 {
		// Claimed elsewhere since we loaded it.
		return
	}
	rcpt.Attempts++

	content := rcpt.RenderedContent
	if content == "" {
		vars := utils.MergeVars(batch.MergeFieldsSnapshot, rcpt.MergeVariables)
		content = utils.RenderTemplate(batch.Body, vars)
	}

	messageID, sendErr := dw.Messenger.SendMessage(content, rcpt.UserID, batch.CreatorID)
	if sendErr != nil {
		dw.handleSendFailure(batch, rcpt, sendErr)
		return
	}

	err = dw.DB.Model(&models.BulkMessageRecipient{}).
		Where("id = ? AND status = ?", rcpt.ID, models.RecipientStatusSending).
		Updates(map[string]interface{}{
			"status":          models.RecipientStatusSent,
			"message_id":      messageID,
			"error_message":   "",
			"next_attempt_at": nil,
		}).Error
	if err != nil {
		dw.reportStoreError("marking recipient sent", err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"batch_id":   batch.ID,
		"user_id":    rcpt.UserID,
		"message_id": messageID,
		"attempts":   rcpt.Attempts,
	}).Info("bulk message delivered")

	dw.checkCompletion(batch.ID)
}

// handleSendFailure applies the retry policy: re-queue with exponential
// backoff while attempts remain, otherwise fail terminally.
func (dw *DispatchWorker) handleSendFailure(batch *models.BulkMessageBatch, rcpt *models.BulkMessageRecipient, sendErr error) {
	if rcpt.Attempts < dw.maxRetriesFor(batch) {
		nextAttempt := time.Now().Add(backoffDelay(rcpt.Attempts))
		err := dw.DB.Model(&models.BulkMessageRecipient{}).
			Where("id = ? AND status = ?", rcpt.ID, models.RecipientStatusSending).
			Updates(map[string]interface{}{
				"status":          models.RecipientStatusPending,
				"error_message":   sendErr.Error(),
				"next_attempt_at": nextAttempt,
			}).Error
		if err != nil {
			dw.reportStoreError("scheduling recipient retry", err)
			return
		}

		logrus.WithFields(logrus.Fields{
			"batch_id": batch.ID,
			"user_id":  rcpt.UserID,
			"attempts": rcpt.Attempts,
			"next_at":  nextAttempt,
		}).Warn("bulk send failed, retry scheduled")
		return
	}

	err := dw.DB.Model(&models.BulkMessageRecipient{}).
		Where("id = ? AND status = ?", rcpt.ID, models.RecipientStatusSending).
		Updates(map[string]interface{}{
			"status":          models.RecipientStatusFailed,
			"error_message":   sendErr.Error(),
			"next_attempt_at": nil,
		}).Error
	if err != nil {
		dw.reportStoreError("marking recipient failed", err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"user_id":  rcpt.UserID,
		"attempts": rcpt.Attempts,
	}).Error("bulk send failed permanently")

	dw.checkCompletion(batch.ID)
}

// skipRecipient terminally skips a recipient whose account is gone or
// inactive.
func (dw *DispatchWorker) skipRecipient(batch *models.BulkMessageBatch, rcpt *models.BulkMessageRecipient) {
	err := dw.DB.Model(&models.BulkMessageRecipient{}).
		Where("id = ? AND status = ?", rcpt.ID, models.RecipientStatusPending).
		Updates(map[string]interface{}{
			"status":        models.RecipientStatusSkipped,
			"error_message": "recipient account is inactive or deleted",
		}).Error
	if err != nil {
		dw.reportStoreError("skipping recipient", err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"user_id":  rcpt.UserID,
	}).Info("recipient skipped")

	dw.checkCompletion(batch.ID)
}

// checkCompletion finalizes the batch when no recipient has outstanding work.
func (dw *DispatchWorker) checkCompletion(batchID uint) {
	outstanding, err := dw.outstandingCount(batchID)
	if err != nil {
		dw.reportStoreError("counting outstanding recipients", err)
		return
	}
	if outstanding == 0 {
		dw.finalizeBatch(batchID)
	}
}

// finalizeBatch applies the one-time terminal transition: failed when any
// recipient failed, completed otherwise. Conditional on a non-terminal
// status, so it can never run twice.
func (dw *DispatchWorker) finalizeBatch(batchID uint) {
	var failedCount int64
	err := dw.DB.Model(&models.BulkMessageRecipient{}).
		Where("batch_id = ? AND status = ?", batchID, models.RecipientStatusFailed).
		Count(&failedCount).Error
	if err != nil {
		dw.reportStoreError("counting failed recipients", err)
		return
	}

	final := models.BatchStatusCompleted
	if failedCount > 0 {
		final = models.BatchStatusFailed
	}

	res := dw.DB.Model(&models.BulkMessageBatch{}).
		Where("id = ? AND status IN ?", batchID,
			[]models.BatchStatus{models.BatchStatusQueued, models.BatchStatusSending}).
		Updates(map[string]interface{}{
			"status":       final,
			"completed_at": time.Now(),
		})
	if res.Error != nil {
		dw.reportStoreError("finalizing batch", res.Error)
		return
	}
	if res.RowsAffected > 0 {
		dw.Logger.Printf("Batch %d finalized as %s", batchID, final)
	}
}

// failBatchFatal marks a batch failed without touching its recipients.
func (dw *DispatchWorker) failBatchFatal(batch *models.BulkMessageBatch, reason string) {
	err := dw.DB.Model(&models.BulkMessageBatch{}).
		Where("id = ? AND status IN ?", batch.ID,
			[]models.BatchStatus{models.BatchStatusQueued, models.BatchStatusSending}).
		Updates(map[string]interface{}{
			"status":       models.BatchStatusFailed,
			"completed_at": time.Now(),
		}).Error
	if err != nil {
		dw.reportStoreError("failing batch", err)
		return
	}

	logrus.WithFields(logrus.Fields{
		"batch_id": batch.ID,
		"reason":   reason,
	}).Error("batch failed fatally")
}

// reportStoreError surfaces persistence failures to the operator instead of
// swallowing them; dispatch state is only ever advanced by successful writes.
func (dw *DispatchWorker) reportStoreError(op string, err error) {
	dw.Logger.Printf("Store error while %s: %v", op, err)
	sentry.CaptureException(err)
}

// backoffDelay returns the retry delay after the given attempt count,
// doubling per attempt up to the cap.
func backoffDelay(attempts int) time.Duration {
	seconds := 1
	for i := 0; i < attempts; i++ {
		seconds *= 2
		if seconds >= backoffCapSeconds {
			return backoffCapSeconds * time.Second
		}
	}
	return time.Duration(seconds) * time.Second
}

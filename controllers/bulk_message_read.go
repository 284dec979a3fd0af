package controller

import (
	"github.com/gofiber/fiber/v2"

	"rentnest/models"
)

// failedReportLimit caps how many recent failures a delivery report includes.
const failedReportLimit = 10

// batchSummary aggregates recipient statuses for one batch. Failed folds in
// skipped, pending folds in sending.
func (bc *BulkMessageController) batchSummary(batchID uint) (models.BatchSummary, error) {
	rows, err := bc.DB.Model(&models.BulkMessageRecipient{}).
		Select("status, COUNT(*) AS count").
		Where("batch_id = ?", batchID).
		Group("status").
		Rows()
	if err != nil {
		return models.BatchSummary{}, err
	}
	defer rows.Close()

	var summary models.BatchSummary
	for rows.Next() {
		var status models.RecipientStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return models.BatchSummary{}, err
		}

		summary.Total += count
		switch status {
		case models.RecipientStatusSent:
			summary.Sent += count
		case models.RecipientStatusFailed, models.RecipientStatusSkipped:
			summary.Failed += count
		case models.RecipientStatusPending, models.RecipientStatusSending:
			summary.Pending += count
		}
	}

	return summary, rows.Err()
}

// findBatch loads the batch from the route param. On a missing batch it
// writes the 404 itself and returns a nil batch; callers must stop when the
// batch is nil regardless of the error value.
func (bc *BulkMessageController) findBatch(c *fiber.Ctx) (*models.BulkMessageBatch, error) {
	var batch models.BulkMessageBatch
	if err := bc.DB.First(&batch, c.Params("id")).Error; err != nil {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Batch not found",
		})
	}
	return &batch, nil
}

// ListBatches returns all batches, newest first, each with its summary.
func (bc *BulkMessageController) ListBatches(c *fiber.Ctx) error {
	var batches []models.BulkMessageBatch
	if err := bc.DB.Order("created_at DESC").Find(&batches).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch batches",
		})
	}

	out := make([]fiber.Map, 0, len(batches))
	for i := range batches {
		summary, err := bc.batchSummary(batches[i].ID)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to aggregate batch statuses",
			})
		}
		out = append(out, fiber.Map{
			"batch":   batches[i],
			"summary": summary,
		})
	}

	return c.JSON(fiber.Map{"batches": out})
}

// GetBatch returns one batch with its summary.
func (bc *BulkMessageController) GetBatch(c *fiber.Ctx) error {
	batch, err := bc.findBatch(c)
	if batch == nil {
		return err
	}

	summary, sumErr := bc.batchSummary(batch.ID)
	if sumErr != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to aggregate batch statuses",
		})
	}

	return c.JSON(fiber.Map{
		"batch":   batch,
		"summary": summary,
	})
}

// GetRecipientStatuses returns the full per-recipient listing, oldest first.
func (bc *BulkMessageController) GetRecipientStatuses(c *fiber.Ctx) error {
	batch, err := bc.findBatch(c)
	if batch == nil {
		return err
	}

	var recipients []models.BulkMessageRecipient
	if err := bc.DB.Where("batch_id = ?", batch.ID).
		Order("created_at ASC").
		Find(&recipients).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch recipients",
		})
	}

	return c.JSON(fiber.Map{
		"batch_id":   batch.ID,
		"recipients": recipients,
	})
}

// GetDeliveryReport returns the batch summary plus the most recent failures.
func (bc *BulkMessageController) GetDeliveryReport(c *fiber.Ctx) error {
	batch, err := bc.findBatch(c)
	if batch == nil {
		return err
	}

	summary, sumErr := bc.batchSummary(batch.ID)
	if sumErr != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to aggregate batch statuses",
		})
	}

	var failed []models.BulkMessageRecipient
	if err := bc.DB.Where("batch_id = ? AND status = ?", batch.ID, models.RecipientStatusFailed).
		Order("updated_at DESC").
		Limit(failedReportLimit).
		Find(&failed).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch failures",
		})
	}

	failures := make([]fiber.Map, 0, len(failed))
	for i := range failed {
		failures = append(failures, fiber.Map{
			"user_id":       failed[i].UserID,
			"error_message": failed[i].ErrorMessage,
		})
	}

	return c.JSON(fiber.Map{
		"batch_id":        batch.ID,
		"status":          batch.Status,
		"summary":         summary,
		"recent_failures": failures,
	})
}

package controller

import (
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"rentnest/config"
	"rentnest/models"
	"rentnest/utils"
)

// previewSampleSize is how many rendered candidates a preview returns.
const previewSampleSize = 5

type BulkMessageController struct {
	DB       *gorm.DB
	Logger   *log.Logger
	Resolver *utils.RecipientResolver
}

func NewBulkMessageController(db *gorm.DB, logger *log.Logger) *BulkMessageController {
	return &BulkMessageController{
		DB:       db,
		Logger:   logger,
		Resolver: utils.NewRecipientResolver(db),
	}
}

// BulkMessageRequest is the payload for both preview and queue.
type BulkMessageRequest struct {
	Title             string                  `json:"title" validate:"required,max=200"`
	Body              string                  `json:"body" validate:"required_without=TemplateID"`
	TemplateID        *uint                   `json:"template_id"`
	Filters           *models.RecipientFilter `json:"filters"`
	RecipientIDs      []uint                  `json:"recipient_ids"`
	MergeFields       map[string]string       `json:"merge_fields"`
	SendStrategy      string                  `json:"send_strategy" validate:"omitempty,oneof=immediate scheduled"`
	ScheduledAt       *time.Time              `json:"scheduled_at"`
	ThrottlePerMinute *int                    `json:"throttle_per_minute" validate:"omitempty,min=1"`
	MaxRetries        *int                    `json:"max_retries" validate:"omitempty,min=0"`
}

// RecipientPreview is one rendered sample row returned by preview.
type RecipientPreview struct {
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	Content  string `json:"content"`
}

var errTemplateNotFound = errors.New("template not found")

// resolveBody returns the template body when a template id is supplied,
// otherwise the literal body from the request.
func (bc *BulkMessageController) resolveBody(input *BulkMessageRequest) (string, error) {
	if input.TemplateID == nil {
		return input.Body, nil
	}

	var tmpl models.MessageTemplate
	if err := bc.DB.First(&tmpl, *input.TemplateID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", errTemplateNotFound
		}
		return "", err
	}
	return tmpl.Body, nil
}

// renderFor renders the resolved body for one recipient: derived variables
// overridden by the request's merge fields.
func (bc *BulkMessageController) renderFor(user *models.User, body string, mergeFields map[string]string) (string, map[string]string, error) {
	derived, err := bc.Resolver.MergeVariablesFor(user)
	if err != nil {
		return "", nil, err
	}
	vars := utils.MergeVars(derived, mergeFields)
	return utils.RenderTemplate(body, vars), vars, nil
}

// PreviewBulkMessage resolves recipients and renders the first few without
// persisting anything.
func (bc *BulkMessageController) PreviewBulkMessage(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input BulkMessageRequest
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	body, err := bc.resolveBody(&input)
	if err != nil {
		if errors.Is(err, errTemplateNotFound) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "Template not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load template",
		})
	}

	recipients, err := bc.Resolver.Resolve(input.Filters, input.RecipientIDs, user.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to resolve recipients",
		})
	}
	if len(recipients) == 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "No recipients match the given filters",
		})
	}

	sample := make([]RecipientPreview, 0, previewSampleSize)
	for i := range recipients {
		if i >= previewSampleSize {
			break
		}
		content, _, err := bc.renderFor(&recipients[i], body, input.MergeFields)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to render preview",
			})
		}
		sample = append(sample, RecipientPreview{
			UserID:   recipients[i].ID,
			Username: recipients[i].Username,
			Content:  content,
		})
	}

	return c.JSON(fiber.Map{
		"total_recipients": len(recipients),
		"sample":           sample,
	})
}

// QueueBulkMessage resolves recipients, then persists the batch and one
// pre-rendered recipient row per user in a single transaction. Delivery is
// picked up by the dispatch worker.
func (bc *BulkMessageController) QueueBulkMessage(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input BulkMessageRequest
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(&input); err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	if input.SendStrategy == models.SendStrategyScheduled && input.ScheduledAt == nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "scheduled_at is required for scheduled sends",
		})
	}

	body, err := bc.resolveBody(&input)
	if err != nil {
		if errors.Is(err, errTemplateNotFound) {
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
				"error": "Template not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load template",
		})
	}

	recipients, err := bc.Resolver.Resolve(input.Filters, input.RecipientIDs, user.ID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to resolve recipients",
		})
	}
	if len(recipients) == 0 {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": "No recipients match the given filters",
		})
	}

	throttle := config.AppConfig.DefaultThrottlePerMinute
	if input.ThrottlePerMinute != nil {
		throttle = *input.ThrottlePerMinute
	}
	maxRetries := config.AppConfig.DefaultMaxRetries
	if input.MaxRetries != nil {
		maxRetries = *input.MaxRetries
	}
	strategy := input.SendStrategy
	if strategy == "" {
		strategy = models.SendStrategyImmediate
	}

	// Render every recipient before opening the transaction: renderFor reads
	// leases through the pooled connection, which must not be held by an open
	// transaction.
	rows := make([]models.BulkMessageRecipient, 0, len(recipients))
	for i := range recipients {
		content, vars, err := bc.renderFor(&recipients[i], body, input.MergeFields)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to render recipient content",
			})
		}
		rows = append(rows, models.BulkMessageRecipient{
			UserID:          recipients[i].ID,
			Status:          models.RecipientStatusPending,
			MergeVariables:  vars,
			RenderedContent: content,
		})
	}

	tx := bc.DB.Begin()

	batch := models.BulkMessageBatch{
		Title:               input.Title,
		Body:                body,
		Status:              models.BatchStatusQueued,
		SendStrategy:        strategy,
		ScheduledAt:         input.ScheduledAt,
		ThrottlePerMinute:   throttle,
		MaxRetries:          maxRetries,
		FiltersSnapshot:     input.Filters,
		MergeFieldsSnapshot: input.MergeFields,
		TemplateID:          input.TemplateID,
		CreatorID:           user.ID,
	}
	if err := tx.Create(&batch).Error; err != nil {
		tx.Rollback()
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create batch",
		})
	}

	for i := range rows {
		rows[i].BatchID = batch.ID
		if err := tx.Create(&rows[i]).Error; err != nil {
			tx.Rollback()
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to create recipients",
			})
		}
	}

	if err := tx.Commit().Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to queue batch",
		})
	}

	bc.Logger.Printf("Queued batch %d with %d recipients", batch.ID, len(recipients))

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":               batch.ID,
		"status":           batch.Status,
		"total_recipients": len(recipients),
	})
}

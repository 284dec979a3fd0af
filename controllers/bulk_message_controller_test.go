package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rentnest/config"
	"rentnest/models"
)

type controllerFixture struct {
	db      *gorm.DB
	app     *fiber.App
	manager models.User
	tenants []models.User
}

func newControllerFixture(t *testing.T, tenantCount int) *controllerFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, config.MigrateDB(db))

	config.AppConfig.DefaultThrottlePerMinute = 60
	config.AppConfig.DefaultMaxRetries = 3

	f := &controllerFixture{db: db}

	f.manager = models.User{Username: "mgr", Email: "mgr@example.com", Role: models.RoleManager, IsActive: true}
	require.NoError(t, db.Create(&f.manager).Error)

	for i := 0; i < tenantCount; i++ {
		u := models.User{
			Username: fmt.Sprintf("tenant%d", i),
			Email:    fmt.Sprintf("tenant%d@example.com", i),
			Role:     models.RoleTenant,
			IsActive: true,
		}
		require.NoError(t, db.Create(&u).Error)
		f.tenants = append(f.tenants, u)
	}

	bc := NewBulkMessageController(db, log.New(os.Stdout, "BULK: ", log.LstdFlags))
	tc := NewTemplateController(db, log.New(os.Stdout, "TEMPLATE: ", log.LstdFlags))

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user", &f.manager)
		return c.Next()
	})
	app.Post("/bulk-messages/preview", bc.PreviewBulkMessage)
	app.Post("/bulk-messages", bc.QueueBulkMessage)
	app.Get("/bulk-messages", bc.ListBatches)
	app.Get("/bulk-messages/:id", bc.GetBatch)
	app.Get("/bulk-messages/:id/recipients", bc.GetRecipientStatuses)
	app.Get("/bulk-messages/:id/report", bc.GetDeliveryReport)
	app.Post("/templates", tc.CreateTemplate)
	app.Get("/templates", tc.ListTemplates)
	f.app = app

	return f
}

func (f *controllerFixture) request(t *testing.T, method, path string, payload interface{}) (int, map[string]interface{}) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, body)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp.StatusCode, decoded
}

func TestPreviewRendersSampleWithoutPersisting(t *testing.T) {
	f := newControllerFixture(t, 7)

	status, body := f.request(t, http.MethodPost, "/bulk-messages/preview", fiber.Map{
		"title":   "rent reminder",
		"body":    "Hello {{username}}, from {{managerName}}",
		"filters": fiber.Map{"roles": []string{models.RoleTenant}},
		"merge_fields": fiber.Map{
			"managerName": "Jordan",
		},
	})
	require.Equal(t, http.StatusOK, status)

	assert.EqualValues(t, 7, body["total_recipients"])
	sample := body["sample"].([]interface{})
	require.Len(t, sample, 5)

	first := sample[0].(map[string]interface{})
	assert.Equal(t, "Hello tenant0, from Jordan", first["content"])

	// preview leaves no trace
	var batches int64
	require.NoError(t, f.db.Model(&models.BulkMessageBatch{}).Count(&batches).Error)
	assert.Zero(t, batches)
	var rows int64
	require.NoError(t, f.db.Model(&models.BulkMessageRecipient{}).Count(&rows).Error)
	assert.Zero(t, rows)
}

func TestPreviewRejectsUnknownTemplate(t *testing.T) {
	f := newControllerFixture(t, 1)

	status, body := f.request(t, http.MethodPost, "/bulk-messages/preview", fiber.Map{
		"title":       "x",
		"template_id": 999,
		"filters":     fiber.Map{"roles": []string{models.RoleTenant}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Template not found", body["error"])
}

func TestPreviewRejectsEmptyResolution(t *testing.T) {
	f := newControllerFixture(t, 0)

	status, body := f.request(t, http.MethodPost, "/bulk-messages/preview", fiber.Map{
		"title":   "x",
		"body":    "hello",
		"filters": fiber.Map{"roles": []string{models.RoleTenant}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body["error"], "No recipients")
}

func TestQueuePersistsBatchAndPreRenderedRecipients(t *testing.T) {
	f := newControllerFixture(t, 3)

	status, body := f.request(t, http.MethodPost, "/bulk-messages", fiber.Map{
		"title":   "maintenance notice",
		"body":    "Hello {{username}}",
		"filters": fiber.Map{"roles": []string{models.RoleTenant}},
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, string(models.BatchStatusQueued), body["status"])
	assert.EqualValues(t, 3, body["total_recipients"])

	var batch models.BulkMessageBatch
	require.NoError(t, f.db.First(&batch, uint(body["id"].(float64))).Error)
	assert.Equal(t, models.BatchStatusQueued, batch.Status)
	assert.Equal(t, f.manager.ID, batch.CreatorID)
	// defaults resolved at queue time
	assert.Equal(t, 60, batch.ThrottlePerMinute)
	assert.Equal(t, 3, batch.MaxRetries)
	assert.Equal(t, models.SendStrategyImmediate, batch.SendStrategy)

	var rows []models.BulkMessageRecipient
	require.NoError(t, f.db.Where("batch_id = ?", batch.ID).Order("id ASC").Find(&rows).Error)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, models.RecipientStatusPending, r.Status)
		assert.Equal(t, fmt.Sprintf("Hello tenant%d", i), r.RenderedContent)
		assert.Equal(t, fmt.Sprintf("tenant%d", i), r.MergeVariables["username"])
	}
}

func TestQueueHonorsExplicitOverrides(t *testing.T) {
	f := newControllerFixture(t, 2)

	status, body := f.request(t, http.MethodPost, "/bulk-messages", fiber.Map{
		"title":               "notice",
		"body":                "hi",
		"recipient_ids":       []uint{f.tenants[0].ID},
		"throttle_per_minute": 5,
		"max_retries":         1,
	})
	require.Equal(t, http.StatusCreated, status)

	var batch models.BulkMessageBatch
	require.NoError(t, f.db.First(&batch, uint(body["id"].(float64))).Error)
	assert.Equal(t, 5, batch.ThrottlePerMinute)
	assert.Equal(t, 1, batch.MaxRetries)
	assert.EqualValues(t, 1, body["total_recipients"])
}

func TestQueueFromTemplate(t *testing.T) {
	f := newControllerFixture(t, 1)

	status, created := f.request(t, http.MethodPost, "/templates", fiber.Map{
		"name": "welcome",
		"body": "Welcome {{username}}!",
	})
	require.Equal(t, http.StatusCreated, status)
	tmplID := uint(created["ID"].(float64))

	status, body := f.request(t, http.MethodPost, "/bulk-messages", fiber.Map{
		"title":       "welcome wave",
		"template_id": tmplID,
		"filters":     fiber.Map{"roles": []string{models.RoleTenant}},
	})
	require.Equal(t, http.StatusCreated, status)

	var batch models.BulkMessageBatch
	require.NoError(t, f.db.First(&batch, uint(body["id"].(float64))).Error)
	assert.Equal(t, "Welcome {{username}}!", batch.Body)
	require.NotNil(t, batch.TemplateID)
	assert.Equal(t, tmplID, *batch.TemplateID)

	var row models.BulkMessageRecipient
	require.NoError(t, f.db.Where("batch_id = ?", batch.ID).First(&row).Error)
	assert.Equal(t, "Welcome tenant0!", row.RenderedContent)
}

func TestQueueScheduledRequiresTimestamp(t *testing.T) {
	f := newControllerFixture(t, 1)

	status, body := f.request(t, http.MethodPost, "/bulk-messages", fiber.Map{
		"title":         "later",
		"body":          "hi",
		"send_strategy": models.SendStrategyScheduled,
		"recipient_ids": []uint{f.tenants[0].ID},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Contains(t, body["error"], "scheduled_at")
}

func TestQueueRequiresTitle(t *testing.T) {
	f := newControllerFixture(t, 1)

	status, _ := f.request(t, http.MethodPost, "/bulk-messages", fiber.Map{
		"body":          "hi",
		"recipient_ids": []uint{f.tenants[0].ID},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func seedReportBatch(t *testing.T, f *controllerFixture) models.BulkMessageBatch {
	t.Helper()

	batch := models.BulkMessageBatch{
		Title:             "report fixture",
		Body:              "hi",
		Status:            models.BatchStatusSending,
		SendStrategy:      models.SendStrategyImmediate,
		ThrottlePerMinute: 60,
		MaxRetries:        3,
		CreatorID:         f.manager.ID,
	}
	require.NoError(t, f.db.Create(&batch).Error)

	rows := []models.BulkMessageRecipient{
		{BatchID: batch.ID, UserID: 101, Status: models.RecipientStatusSent},
		{BatchID: batch.ID, UserID: 102, Status: models.RecipientStatusSent},
		{BatchID: batch.ID, UserID: 103, Status: models.RecipientStatusFailed, ErrorMessage: "mailbox full"},
		{BatchID: batch.ID, UserID: 104, Status: models.RecipientStatusSkipped},
		{BatchID: batch.ID, UserID: 105, Status: models.RecipientStatusPending},
		{BatchID: batch.ID, UserID: 106, Status: models.RecipientStatusSending},
	}
	for i := range rows {
		require.NoError(t, f.db.Create(&rows[i]).Error)
	}
	return batch
}

func TestGetBatchSummaryBuckets(t *testing.T) {
	f := newControllerFixture(t, 0)
	batch := seedReportBatch(t, f)

	status, body := f.request(t, http.MethodGet, fmt.Sprintf("/bulk-messages/%d", batch.ID), nil)
	require.Equal(t, http.StatusOK, status)

	summary := body["summary"].(map[string]interface{})
	assert.EqualValues(t, 6, summary["total"])
	assert.EqualValues(t, 2, summary["sent"])
	// failed folds in skipped, pending folds in sending
	assert.EqualValues(t, 2, summary["failed"])
	assert.EqualValues(t, 2, summary["pending"])
}

func TestDeliveryReportListsRecentFailures(t *testing.T) {
	f := newControllerFixture(t, 0)
	batch := seedReportBatch(t, f)

	status, body := f.request(t, http.MethodGet, fmt.Sprintf("/bulk-messages/%d/report", batch.ID), nil)
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, string(models.BatchStatusSending), body["status"])
	failures := body["recent_failures"].([]interface{})
	require.Len(t, failures, 1)
	first := failures[0].(map[string]interface{})
	assert.EqualValues(t, 103, first["user_id"])
	assert.Equal(t, "mailbox full", first["error_message"])
}

func TestDeliveryReportCapsFailures(t *testing.T) {
	f := newControllerFixture(t, 0)

	batch := models.BulkMessageBatch{
		Title:     "many failures",
		Body:      "hi",
		Status:    models.BatchStatusFailed,
		CreatorID: f.manager.ID,
	}
	require.NoError(t, f.db.Create(&batch).Error)
	for i := 0; i < 15; i++ {
		row := models.BulkMessageRecipient{
			BatchID:      batch.ID,
			UserID:       uint(200 + i),
			Status:       models.RecipientStatusFailed,
			ErrorMessage: fmt.Sprintf("err %d", i),
		}
		require.NoError(t, f.db.Create(&row).Error)
	}

	status, body := f.request(t, http.MethodGet, fmt.Sprintf("/bulk-messages/%d/report", batch.ID), nil)
	require.Equal(t, http.StatusOK, status)
	failures := body["recent_failures"].([]interface{})
	assert.Len(t, failures, 10)
}

func TestRecipientListingIsOldestFirst(t *testing.T) {
	f := newControllerFixture(t, 0)

	batch := models.BulkMessageBatch{Title: "order", Body: "hi", Status: models.BatchStatusQueued, CreatorID: f.manager.ID}
	require.NoError(t, f.db.Create(&batch).Error)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		row := models.BulkMessageRecipient{BatchID: batch.ID, UserID: uint(301 + i), Status: models.RecipientStatusPending}
		require.NoError(t, f.db.Create(&row).Error)
		require.NoError(t, f.db.Model(&models.BulkMessageRecipient{}).
			Where("id = ?", row.ID).
			UpdateColumn("created_at", base.Add(time.Duration(i)*time.Minute)).Error)
	}

	status, body := f.request(t, http.MethodGet, fmt.Sprintf("/bulk-messages/%d/recipients", batch.ID), nil)
	require.Equal(t, http.StatusOK, status)

	recipients := body["recipients"].([]interface{})
	require.Len(t, recipients, 3)
	for i := range recipients {
		row := recipients[i].(map[string]interface{})
		assert.EqualValues(t, 301+i, row["user_id"])
	}
}

func TestUnknownBatchReturnsNotFound(t *testing.T) {
	f := newControllerFixture(t, 0)

	for _, path := range []string{
		"/bulk-messages/424242",
		"/bulk-messages/424242/recipients",
		"/bulk-messages/424242/report",
	} {
		status, body := f.request(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, status, path)
		assert.Equal(t, "Batch not found", body["error"], path)
	}
}

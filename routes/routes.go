package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"

	controller "rentnest/controllers"
	"rentnest/middleware"
)

func SetupRoutes(app *fiber.App, db *gorm.DB) {
	bulkController := controller.NewBulkMessageController(db, log.New(os.Stdout, "BULK: ", log.LstdFlags))
	templateController := controller.NewTemplateController(db, log.New(os.Stdout, "TEMPLATE: ", log.LstdFlags))

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Bulk messaging routes
	bulk := api.Group("/bulk-messages")
	bulk.Post("/preview", middleware.BulkSendRateLimiter(), bulkController.PreviewBulkMessage)
	bulk.Post("/", middleware.BulkSendRateLimiter(), bulkController.QueueBulkMessage)
	bulk.Get("/", bulkController.ListBatches)
	bulk.Get("/:id", bulkController.GetBatch)
	bulk.Get("/:id/recipients", bulkController.GetRecipientStatuses)
	bulk.Get("/:id/report", bulkController.GetDeliveryReport)

	// Template routes
	templates := api.Group("/templates")
	templates.Post("/", templateController.CreateTemplate)
	templates.Get("/", templateController.ListTemplates)
}

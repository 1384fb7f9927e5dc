package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/example/gait-access/internal/repository"
	"github.com/example/gait-access/internal/usecase"
)

// MaxUploadSize bounds one verification upload (all images together).
const MaxUploadSize = 10 << 20

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Everything but
// the health probe sits behind the auth middleware.
func RegisterRoutes(router *gin.Engine, uc *usecase.VerificationUseCase, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/", authMiddleware)

	protected.POST("/verify", func(c *gin.Context) {
		if c.Request.ContentLength > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds size limit"})
			return
		}

		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
			return
		}

		files := form.File["images"]
		if len(files) != 3 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "exactly 3 step-pattern images are required"})
			return
		}

		images := make([][]byte, 0, len(files))
		for _, file := range files {
			if contentType := file.Header.Get("Content-Type"); contentType != "" && !allowedImageTypes[contentType] {
				c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "images must be JPEG or PNG"})
				return
			}

			src, err := file.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
				return
			}
			data, err := io.ReadAll(src)
			src.Close()
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
				return
			}
			images = append(images, data)
		}

		result, err := uc.VerifyImages(c.Request.Context(), images)
		if err != nil {
			if errors.Is(err, usecase.ErrInvalidBatchSize) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, result)
	})

	protected.POST("/sessions", func(c *gin.Context) {
		requestID, err := uc.StartSession(c.Request.Context())
		if err != nil {
			if errors.Is(err, usecase.ErrSessionBusy) {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"request_id": requestID})
	})

	protected.GET("/sessions/current", func(c *gin.Context) {
		phase, percent, last := uc.SessionStatus()
		c.JSON(http.StatusOK, gin.H{
			"phase":       phase,
			"percent":     percent,
			"last_result": last,
		})
	})

	protected.DELETE("/sessions/current", func(c *gin.Context) {
		uc.ResetSession()
		c.Status(http.StatusNoContent)
	})

	protected.GET("/results/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		event, err := uc.GetResult(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		c.JSON(http.StatusOK, event)
	})

	protected.GET("/events", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		events, err := uc.RecentEvents(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	})

	protected.GET("/persons", func(c *gin.Context) {
		persons, err := uc.ListPersons(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"persons": persons})
	})

	protected.POST("/persons", func(c *gin.Context) {
		var person repository.Person
		if err := c.ShouldBindJSON(&person); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid person payload"})
			return
		}

		if err := uc.EnrollPerson(c.Request.Context(), &person); err != nil {
			if errors.Is(err, usecase.ErrInvalidPerson) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusCreated, person)
	})

	protected.GET("/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	mqtingestor "github.com/deerfields/molls-sub000/src/production/MQT.Ingestor"
	logger "github.com/deerfields/molls-sub000/src/production/MQT.Logger"
	registry "github.com/deerfields/molls-sub000/src/production/MQT.Registry"
	"github.com/gin-gonic/gin"
)

// MaxBatchSize bounds the readings accepted in one request
const MaxBatchSize = 1000

// BatchIngestor runs a device's buffered readings through the ingestion pipeline
type BatchIngestor interface {
	IngestBatch(ctx context.Context, src mqtingestor.Source, items []json.RawMessage) []mqtingestor.ItemResult
}

// IngestRequest is the body of the bulk readings endpoint
type IngestRequest struct {
	Readings []json.RawMessage `json:"readings" binding:"required"`
}

// IngestResponse lists the outcome of every submitted reading
type IngestResponse struct {
	MallID   string                   `json:"mall_id"`
	DeviceID string                   `json:"device_id"`
	Stored   int                      `json:"stored"`
	Results  []mqtingestor.ItemResult `json:"results"`
}

// IngestController accepts readings that a device buffered while offline
type IngestController struct {
	ingestor BatchIngestor
	auth     gin.HandlerFunc
	logger   *logger.Logger
}

func NewIngestController(ingestor BatchIngestor, auth gin.HandlerFunc, log *logger.Logger) *IngestController {
	return &IngestController{
		ingestor: ingestor,
		auth:     auth,
		logger:   log.WithComponent("ingest-api"),
	}
}

// RegisterRoutes registers the internal ingestion routes
func (c *IngestController) RegisterRoutes(router *gin.Engine) {
	internal := router.Group("/internal")
	internal.Use(c.auth)
	internal.POST("/malls/:mall_id/devices/:device_id/readings", c.IngestReadings)
}

func (c *IngestController) IngestReadings(ctx *gin.Context) {
	mallID := ctx.Param("mall_id")
	deviceID := ctx.Param("device_id")
	for field, value := range map[string]string{"mall_id": mallID, "device_id": deviceID} {
		if err := registry.ValidateIdentifier(field, value); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	var req IngestRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if len(req.Readings) == 0 {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "readings must not be empty"})
		return
	}
	if len(req.Readings) > MaxBatchSize {
		ctx.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "too many readings in one request"})
		return
	}

	src := mqtingestor.Source{MallID: mallID, DeviceID: deviceID, ReceivedAt: time.Now().UTC()}
	results := c.ingestor.IngestBatch(ctx.Request.Context(), src, req.Readings)

	resp := IngestResponse{MallID: mallID, DeviceID: deviceID, Results: results}
	for _, r := range results {
		if r.Status == mqtingestor.ItemStored {
			resp.Stored++
		}
	}
	c.logger.WithDevice(mallID, deviceID).WithFields(map[string]interface{}{
		"submitted": len(results),
		"stored":    resp.Stored,
	}).Info("bulk readings ingested")

	ctx.JSON(http.StatusOK, resp)
}

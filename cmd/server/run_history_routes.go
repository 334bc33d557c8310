package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"nbflow/engine_go/pkg/database"
)

// NewRunHistoryRouter builds the run history API as a gin engine. It is
// mounted under /api/run-history on the main router.
func NewRunHistoryRouter(db database.Database) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/run-history")
	{
		// Run management
		api.GET("/runs", listRuns(db))
		api.GET("/runs/:run_id", getRun(db))
		api.DELETE("/runs/:run_id", deleteRun(db))

		// Events and snapshots
		api.GET("/runs/:run_id/events", getRunEvents(db))
		api.GET("/runs/:run_id/snapshot", getLatestSnapshot(db))

		// Health check
		api.GET("/health", historyHealthCheck(db))
	}

	return router
}

// listRuns lists stored runs with pagination and optional status filter
func listRuns(db database.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		limitStr := c.DefaultQuery("limit", "20")
		offsetStr := c.DefaultQuery("offset", "0")
		statusFilter := c.Query("status")

		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
			return
		}

		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset parameter"})
			return
		}

		var statusPtr *string
		if statusFilter != "" {
			statusPtr = &statusFilter
		}

		runs, total, err := db.ListRuns(c.Request.Context(), limit, offset, statusPtr)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"runs":   runs,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}

// getRun returns one stored run record
func getRun(db database.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("run_id")

		run, err := db.GetRun(c.Request.Context(), runID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, run)
	}
}

// deleteRun deletes a run and its events and snapshots
func deleteRun(db database.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("run_id")

		if err := db.DeleteRun(c.Request.Context(), runID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{"run_id": runID, "status": "deleted"})
	}
}

// getRunEvents returns the stored event log of a run
func getRunEvents(db database.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("run_id")
		limitStr := c.DefaultQuery("limit", "100")
		offsetStr := c.DefaultQuery("offset", "0")

		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit parameter"})
			return
		}

		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset parameter"})
			return
		}

		// Incremental mode: ?since=<event_index> returns everything after
		// the cursor, ignoring limit and offset.
		if sinceStr := c.Query("since"); sinceStr != "" {
			since, err := strconv.Atoi(sinceStr)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since parameter"})
				return
			}

			stored, err := db.GetRunEventsSince(c.Request.Context(), runID, since)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}

			c.JSON(http.StatusOK, gin.H{"events": stored, "since": since})
			return
		}

		response, err := db.GetRunEvents(c.Request.Context(), runID, limit, offset)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, response)
	}
}

// getLatestSnapshot returns the most recent engine snapshot of a run
func getLatestSnapshot(db database.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("run_id")

		snapshot, err := db.LatestSnapshot(c.Request.Context(), runID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, snapshot)
	}
}

// historyHealthCheck verifies database connectivity
func historyHealthCheck(db database.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now(),
		})
	}
}

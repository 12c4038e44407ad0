package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/admission"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/breaker"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/datatypes"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/jobs"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/ratelimit"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/resource"
	"github.com/Siddhantbg/ai-code-reviewer-sub000/services/reviewer/store"
)

// Deps carries everything the REST surface reads from. All fields are
// required except Monitor.
type Deps struct {
	Store    *store.Store
	Limiter  *ratelimit.SlidingWindowLimiter
	Gate     *admission.Gate
	Breakers *breaker.Registry
	Manager  *jobs.Manager
	Hub      *SessionHub
	Monitor  *resource.Monitor
}

// RegisterRoutes wires the REST and websocket endpoints onto the
// router.
func RegisterRoutes(r *gin.Engine, deps Deps) {
	r.GET("/healthz", handleHealth(deps))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", HandleSession(deps.Hub, deps.Manager, deps.Limiter))

	api := r.Group("/api/v1")
	api.Use(apiRateLimit(deps.Limiter))
	api.GET("/results/:id", handleGetResult(deps))
	api.GET("/results", handleListResults(deps))
	api.GET("/stats/storage", handleStorageStats(deps))
	api.GET("/stats/ratelimit", handleRateLimitStats(deps))
	api.GET("/stats/admission", handleAdmissionStats(deps))
	api.GET("/stats/breakers", handleBreakerStats(deps))
}

// apiRateLimit enforces the API-class budget per client address.
func apiRateLimit(limiter *ratelimit.SlidingWindowLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP(), ratelimit.ClassAPI) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// handleGetResult serves one stored result. The caller identifies
// itself with a sessionId query parameter; clients that lost their
// session fall back to address-based recovery inside the store.
func handleGetResult(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		sessionID := c.Query("sessionId")

		rec, err := deps.Store.Get(id, sessionID, c.ClientIP())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"result":  rec,
		})
	}
}

func handleListResults(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Query("sessionId")
		limit := intQuery(c, "limit", 20)
		offset := intQuery(c, "offset", 0)

		summaries := deps.Store.ListForClient(sessionID, c.ClientIP(), limit, offset)
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"results": summaries,
			"count":   len(summaries),
		})
	}
}

func handleStorageStats(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"storage": deps.Store.Stats(),
		})
	}
}

func handleRateLimitStats(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"ratelimit": deps.Limiter.Stats(),
		})
	}
}

func handleAdmissionStats(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		out := gin.H{
			"success":   true,
			"admission": deps.Gate.Stats(),
			"live_jobs": deps.Manager.LiveCount(),
			"sessions":  deps.Hub.ActiveSessions(),
		}
		if deps.Monitor != nil {
			out["resources"] = deps.Monitor.Snapshot()
		}
		c.JSON(http.StatusOK, out)
	}
}

func handleBreakerStats(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"breakers": deps.Breakers.Snapshots(),
		})
	}
}

func handleHealth(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := http.StatusOK
		healthy := true
		if deps.Monitor != nil {
			if over, _ := deps.Monitor.OverCeiling(); over {
				status = http.StatusServiceUnavailable
				healthy = false
			}
		}
		c.JSON(status, gin.H{
			"healthy":   healthy,
			"live_jobs": deps.Manager.LiveCount(),
		})
	}
}

// respondError maps internal errors to client-safe responses. Every
// error path reports success=false; internal details stay in the log.
func respondError(c *gin.Context, err error) {
	msg := datatypes.UserMessage(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, datatypes.ErrNotFound), errors.Is(err, datatypes.ErrAuthorizationDenied):
		status = http.StatusNotFound
	case errors.Is(err, datatypes.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, datatypes.ErrAdmissionRejected):
		status = http.StatusTooManyRequests
	default:
		slog.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{
		"success": false,
		"error":   msg,
	})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

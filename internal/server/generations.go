package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	generationdomain "github.com/smallbiznis/genbroker/internal/generation/domain"
	"github.com/smallbiznis/genbroker/internal/jobstatus"
	obstracing "github.com/smallbiznis/genbroker/internal/observability/tracing"
)

const sseHeartbeat = 15 * time.Second

type submitResponse struct {
	JobID            string                  `json:"job_id"`
	State            generationdomain.State  `json:"state"`
	Charged          generationdomain.Charge `json:"charged"`
	ResolvedBackend  string                  `json:"resolved_backend"`
	EstimatedSeconds int                     `json:"estimated_seconds"`
}

func (s *Server) CreateGeneration(c *gin.Context) {
	var req generationdomain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	obstracing.AnnotateAccount(c, req.AccountID)

	result, err := s.generations.Submit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": submitResponse{
		JobID:            result.Job.ID.String(),
		State:            result.Job.State,
		Charged:          result.Charged,
		ResolvedBackend:  result.ResolvedBackend,
		EstimatedSeconds: result.EstimatedSeconds,
	}})
}

func (s *Server) PreviewGeneration(c *gin.Context) {
	var req generationdomain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	preview, err := s.generations.Preview(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": preview})
}

func (s *Server) GetGeneration(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	snapshot, err := s.status.Snapshot(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": snapshot})
}

// StreamGenerationEvents pushes job snapshots as server-sent events until the
// job reaches a terminal state or the client disconnects.
func (s *Server) StreamGenerationEvents(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	lastEventID := strings.TrimSpace(c.GetHeader("Last-Event-ID"))
	if lastEventID == "" {
		lastEventID = strings.TrimSpace(c.Query("last_event_id"))
	}

	ctx := c.Request.Context()
	stream, err := s.status.Subscribe(ctx, id, lastEventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-stream:
			if !open {
				return
			}
			if err := writeStatusEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeStatusEvent(w io.Writer, event jobstatus.StreamEvent) error {
	data, err := json.Marshal(event.Snapshot)
	if err != nil {
		return err
	}
	if event.ID != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", event.ID); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
	return err
}

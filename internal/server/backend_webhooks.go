package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	backenddomain "github.com/smallbiznis/genbroker/internal/backend/domain"
	generationdomain "github.com/smallbiznis/genbroker/internal/generation/domain"
	generationservice "github.com/smallbiznis/genbroker/internal/generation/service"
	"go.uber.org/zap"
)

// HandleBackendWebhook applies a completion or progress callback from a
// model backend. Callbacks for unknown jobs are acknowledged so the backend
// stops retrying.
func (s *Server) HandleBackendWebhook(c *gin.Context) {
	name := strings.TrimSpace(c.Param("backend"))
	dispatcher, err := s.backends.Get(name)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := dispatcher.VerifyWebhook(payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	status, err := dispatcher.ParseWebhook(payload)
	if err != nil {
		if errors.Is(err, backenddomain.ErrMalformedResponse) {
			err = backenddomain.ErrInvalidPayload
		}
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	job, err := s.generations.FindByExternalRef(ctx, dispatcher.Name(), status.ExternalRef)
	if err != nil {
		if errors.Is(err, generationdomain.ErrNotFound) {
			s.log.Warn("webhook for unknown job",
				zap.String("backend", name),
				zap.String("external_ref", status.ExternalRef),
			)
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	_, applied, err := s.generations.ApplyUpdate(ctx, job.ID, generationservice.UpdateFromStatus(status))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok", "applied": applied})
}

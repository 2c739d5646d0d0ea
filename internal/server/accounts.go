package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/genbroker/internal/credit/domain"
	obstracing "github.com/smallbiznis/genbroker/internal/observability/tracing"
	"github.com/smallbiznis/genbroker/pkg/db/pagination"
)

func (s *Server) GetAccountCredits(c *gin.Context) {
	accountID := strings.TrimSpace(c.Param("id"))
	obstracing.AnnotateAccount(c, accountID)

	account, err := s.credits.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": account})
}

func (s *Server) ListAccountTransactions(c *gin.Context) {
	var query struct {
		pagination.Pagination
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	accountID := strings.TrimSpace(c.Param("id"))
	obstracing.AnnotateAccount(c, accountID)

	resp, err := s.credits.ListTransactions(c.Request.Context(), creditdomain.ListTransactionsRequest{
		AccountID:  accountID,
		Pagination: query.Pagination,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"free_allowance": s.catalog.FreeAllowance(),
		"image_cost":     s.catalog.ImageCost(),
		"packs":          s.catalog.Packs(),
		"durations":      s.catalog.Durations(),
	}})
}

package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/genbroker/internal/credit/domain"
	obstracing "github.com/smallbiznis/genbroker/internal/observability/tracing"
	"go.uber.org/zap"
)

const (
	paymentSignatureHeader = "X-Signature-256"
	paymentSignaturePrefix = "sha256="
	maxWebhookBody         = 1 << 20
)

type paymentWebhookRequest struct {
	AccountID  string `json:"account_id"`
	PackID     string `json:"pack_id"`
	Amount     int64  `json:"amount"`
	PaymentRef string `json:"payment_ref"`
}

// HandlePaymentWebhook credits an account after a confirmed purchase.
// Replays of the same payment_ref are acknowledged without crediting twice.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if secret := s.cfg.Webhooks.PaymentSecret; secret != "" {
		if !verifyPaymentSignature(secret, payload, c.GetHeader(paymentSignatureHeader)) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
	}

	var req paymentWebhookRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	obstracing.AnnotateAccount(c, req.AccountID)

	result, err := s.credits.Deposit(c.Request.Context(), creditdomain.DepositRequest{
		AccountID:  req.AccountID,
		PackID:     req.PackID,
		Amount:     req.Amount,
		PaymentRef: req.PaymentRef,
		Provider:   provider,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if result.Duplicate {
		s.log.Info("payment webhook replayed",
			zap.String("provider", provider),
			zap.String("payment_ref", req.PaymentRef),
		)
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func signPaymentPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return paymentSignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func verifyPaymentSignature(secret string, payload []byte, header string) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, paymentSignaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(signPaymentPayload(secret, payload)), []byte(header))
}

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	analysisdomain "github.com/signalworks/insight/internal/analysis/domain"
	"github.com/signalworks/insight/internal/pricing"
	"go.uber.org/zap"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	analyzeEndpoint      = "POST /v1/analyze"
)

type analyzeRequest struct {
	Text        string `json:"text"`
	ImageCount  int    `json:"image_count"`
	Expanded    bool   `json:"expanded"`
	Explanation bool   `json:"explanation"`
	// Mode is an explicit mode request, honored for max-tier callers.
	Mode string `json:"mode"`
}

type analyzeResponse struct {
	JobID     string            `json:"job_id"`
	Status    string            `json:"status"`
	Mode      string            `json:"mode"`
	Breakdown pricing.Breakdown `json:"breakdown"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Failure   string            `json:"failure_reason,omitempty"`
	Balance   int64             `json:"balance"`
	Refunded  bool              `json:"refunded,omitempty"`
}

// @Summary      Run an analysis
// @Description  Prices the request, debits credits and runs the analysis
// @Tags         analysis
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        Idempotency-Key  header  string  false  "Idempotency key"
// @Param        request  body  analyzeRequest  true  "Analysis request"
// @Success      200  {object}  analyzeResponse
// @Router       /v1/analyze [post]
func (s *Server) Analyze(c *gin.Context) {
	account, ok := s.accountFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.ImageCount < 0 {
		AbortWithError(c, newValidationError("image_count", "invalid_image_count", "image_count must not be negative"))
		return
	}

	ctx := c.Request.Context()
	idemKey := strings.TrimSpace(c.GetHeader(idempotencyKeyHeader))
	if idemKey != "" {
		begin, err := s.idempotencySvc.Begin(ctx, idemKey, account.ID, analyzeEndpoint)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if begin.Cached != nil {
			c.Data(http.StatusOK, "application/json; charset=utf-8", begin.Cached)
			return
		}
	}

	// Once the key is claimed the record must be settled even if the caller
	// disconnects: the pipeline keeps running detached, so its outcome has
	// to be stored, or the claim dropped, under a context that survives the
	// request.
	recordCtx := context.WithoutCancel(ctx)

	result, err := s.analysisSvc.Submit(ctx, analysisdomain.SubmitRequest{
		AccountID:  account.ID,
		Tier:       account.Tier,
		Text:       req.Text,
		ImageCount: req.ImageCount,
		Options: pricing.Options{
			Expanded:    req.Expanded,
			Explanation: req.Explanation,
			Requested:   pricing.Mode(strings.ToLower(strings.TrimSpace(req.Mode))),
		},
	})
	if err != nil {
		s.releaseClaim(recordCtx, idemKey)
		AbortWithError(c, err)
		return
	}

	resp := analyzeResponse{
		JobID:     result.Job.ID.String(),
		Status:    string(result.Job.Status),
		Mode:      string(result.Job.Mode),
		Breakdown: result.Breakdown,
		Result:    json.RawMessage(result.Job.Result),
		Balance:   result.NewBalance,
		Refunded:  result.Refunded,
	}
	if result.Job.FailureReason != nil {
		resp.Failure = *result.Job.FailureReason
	}

	body, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		s.releaseClaim(recordCtx, idemKey)
		AbortWithError(c, marshalErr)
		return
	}
	if idemKey != "" {
		if err := s.idempotencySvc.Complete(recordCtx, idemKey, body); err != nil {
			s.log.Warn("idempotency complete failed",
				zap.String("key", idemKey),
				zap.Error(err),
			)
		}
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
}

// releaseClaim frees an idempotency key after a failed attempt so the
// caller can retry with it instead of being stuck behind the placeholder.
func (s *Server) releaseClaim(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.idempotencySvc.Release(ctx, key); err != nil {
		s.log.Warn("idempotency release failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

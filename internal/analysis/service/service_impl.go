package service

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	analysisdomain "github.com/signalworks/insight/internal/analysis/domain"
	"github.com/signalworks/insight/internal/analysis/provider"
	"github.com/signalworks/insight/internal/clock"
	"github.com/signalworks/insight/internal/config"
	creditdomain "github.com/signalworks/insight/internal/credit/domain"
	"github.com/signalworks/insight/internal/observability/metrics"
	"github.com/signalworks/insight/internal/pricing"
	"github.com/signalworks/insight/internal/tier"
	"github.com/signalworks/insight/internal/usagestats"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// A failed refund is retried this many times before being escalated.
const maxRefundAttempts = 3

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Catalog   *tier.Catalog
	CreditSvc creditdomain.Service
	Registry  *provider.Registry
	Recorder  *usagestats.Recorder
	Metrics   *metrics.LedgerMetrics `optional:"true"`
	Cfg       config.Config
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	catalog   *tier.Catalog
	creditSvc creditdomain.Service
	registry  *provider.Registry
	recorder  *usagestats.Recorder
	metrics   *metrics.LedgerMetrics

	callTimeout time.Duration

	// beforeRun is called after the job row is committed and before it
	// starts running; replaceable in tests.
	beforeRun func()
}

func NewService(p ServiceParam) analysisdomain.Service {
	timeout := p.Cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("analysis.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		catalog:     p.Catalog,
		creditSvc:   p.CreditSvc,
		registry:    p.Registry,
		recorder:    p.Recorder,
		metrics:     p.Metrics,
		callTimeout: timeout,
	}
}

func (s *Service) Submit(ctx context.Context, req analysisdomain.SubmitRequest) (analysisdomain.SubmitResult, error) {
	if req.Text == "" && req.ImageCount == 0 {
		return analysisdomain.SubmitResult{}, analysisdomain.ErrInvalidInput
	}

	mode := pricing.SelectMode(req.Tier, req.Text, req.ImageCount > 0, req.Options)
	breakdown := pricing.Price(s.catalog, req.Tier, mode, req.Text, req.ImageCount, req.Options)
	params := provider.ParamsForMode(mode)

	jobID := s.genID.Generate()

	// Debit before any work. An insufficient balance rejects the request
	// with no job and no partial state.
	debit, err := s.creditSvc.Adjust(ctx, req.AccountID, -breakdown.Total, creditdomain.KindActionSpend, map[string]any{
		"job_id": jobID.String(),
		"mode":   string(mode),
	})
	if err != nil {
		return analysisdomain.SubmitResult{}, err
	}

	// Everything past the committed debit runs under a context detached
	// from the request: a disconnected caller must not strand a debit
	// without the failure path's refund.
	runCtx := context.WithoutCancel(ctx)

	now := time.Now().UTC()
	job := &analysisdomain.AnalysisJob{
		ID:          jobID,
		AccountID:   req.AccountID,
		Mode:        mode,
		Provider:    params.Provider,
		Model:       params.Model,
		TextLength:  utf8.RuneCountInString(req.Text),
		ImageCount:  req.ImageCount,
		Status:      analysisdomain.StatusPending,
		CostCredits: breakdown.Total,
		DebitTxID:   debit.TransactionID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.WithContext(runCtx).Create(job).Error; err != nil {
		// The debit landed but the job row did not; compensate right away.
		s.refund(runCtx, job, breakdown.Total, "job_create_failed")
		return analysisdomain.SubmitResult{}, err
	}

	if s.beforeRun != nil {
		s.beforeRun()
	}

	if err := s.transition(runCtx, jobID, analysisdomain.StatusPending, analysisdomain.StatusProcessing); err != nil {
		// The job never started, so its debit must not stand either.
		s.failAndRefund(runCtx, job, analysisdomain.StatusPending, breakdown.Total, err)
		return analysisdomain.SubmitResult{}, err
	}
	job.Status = analysisdomain.StatusProcessing

	result, callErr := s.callProvider(runCtx, params, req)
	if callErr != nil {
		s.log.Warn("provider call failed",
			zap.String("job_id", jobID.String()),
			zap.String("provider", params.Provider),
			zap.Error(callErr),
		)
		refunded := s.failAndRefund(runCtx, job, analysisdomain.StatusProcessing, breakdown.Total, callErr)
		balance := debit.NewBalance
		if refunded {
			balance += breakdown.Total
		}
		result := analysisdomain.SubmitResult{
			Job:        job,
			Breakdown:  breakdown,
			NewBalance: balance,
			Refunded:   refunded,
		}
		if !refunded {
			// The result still carries the failed job so the caller can
			// surface it alongside the escalation.
			return result, analysisdomain.ErrRefundFailure
		}
		return result, nil
	}

	if err := s.finalize(runCtx, job, result); err != nil {
		return analysisdomain.SubmitResult{}, err
	}

	if err := s.recorder.RecordAnalysis(runCtx, params.Provider, result.TokensUsed, s.clock.Now()); err != nil {
		s.log.Warn("usage rollup failed", zap.String("job_id", jobID.String()), zap.Error(err))
	}
	s.metrics.IncJobCompleted(string(analysisdomain.StatusDone))

	return analysisdomain.SubmitResult{
		Job:        job,
		Breakdown:  breakdown,
		NewBalance: debit.NewBalance,
	}, nil
}

func (s *Service) Get(ctx context.Context, accountID, jobID snowflake.ID) (*analysisdomain.AnalysisJob, error) {
	var job analysisdomain.AnalysisJob
	err := s.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", jobID, accountID).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, analysisdomain.ErrJobNotFound
	}
	return &job, nil
}

func (s *Service) callProvider(ctx context.Context, params provider.Params, req analysisdomain.SubmitRequest) (*provider.Result, error) {
	adapter, err := s.registry.Get(params.Provider)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	start := time.Now()
	result, err := adapter.Analyze(callCtx, provider.Request{
		Model:       params.Model,
		System:      systemPrompt(req.Tier, req.Options),
		UserContent: req.Text,
		ImageCount:  req.ImageCount,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	})
	s.metrics.ObserveProviderLatency(params.Provider, time.Since(start))
	if err != nil {
		return nil, err
	}
	if result == nil || len(result.Output) == 0 {
		return nil, provider.ErrInvalidResult
	}
	return result, nil
}

func (s *Service) finalize(ctx context.Context, job *analysisdomain.AnalysisJob, result *provider.Result) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Exec(
		`UPDATE analysis_jobs
		 SET status = ?, result = ?, tokens_used = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		analysisdomain.StatusDone,
		[]byte(result.Output),
		result.TokensUsed,
		now,
		job.ID,
		analysisdomain.StatusProcessing,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return analysisdomain.ErrJobNotFound
	}
	job.Status = analysisdomain.StatusDone
	job.Result = []byte(result.Output)
	job.TokensUsed = result.TokensUsed
	job.UpdatedAt = now
	return nil
}

// failAndRefund moves the job from the given status to failed and issues
// the compensating refund, reporting whether the refund was applied. The
// refund is attempted even when the status update misses; the stranded
// debit matters more than the row.
func (s *Service) failAndRefund(ctx context.Context, job *analysisdomain.AnalysisJob, from analysisdomain.JobStatus, amount int64, cause error) bool {
	reason := cause.Error()
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Exec(
		`UPDATE analysis_jobs
		 SET status = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		analysisdomain.StatusFailed,
		reason,
		now,
		job.ID,
		from,
	)
	switch {
	case res.Error != nil:
		s.log.Error("failed to mark job failed", zap.String("job_id", job.ID.String()), zap.Error(res.Error))
	case res.RowsAffected > 0:
		job.Status = analysisdomain.StatusFailed
		job.FailureReason = &reason
		job.UpdatedAt = now
		s.metrics.IncJobCompleted(string(analysisdomain.StatusFailed))
	}

	return s.refund(ctx, job, amount, reason)
}

// refund compensates a debited job. Failures are retried a bounded number
// of times and then escalated loudly: a missed refund is an account that
// paid for nothing.
func (s *Service) refund(ctx context.Context, job *analysisdomain.AnalysisJob, amount int64, reason string) bool {
	detail := map[string]any{
		"job_id":               job.ID.String(),
		"debit_transaction_id": job.DebitTxID.String(),
		"reason":               reason,
	}

	var lastErr error
	for attempt := 0; attempt < maxRefundAttempts; attempt++ {
		res, err := s.creditSvc.Adjust(ctx, job.AccountID, amount, creditdomain.KindRefund, detail)
		if err == nil {
			refundID := res.TransactionID
			job.RefundTxID = &refundID
			if updErr := s.db.WithContext(ctx).Exec(
				`UPDATE analysis_jobs SET refund_tx_id = ? WHERE id = ?`,
				refundID,
				job.ID,
			).Error; updErr != nil {
				s.log.Warn("failed to link refund transaction", zap.String("job_id", job.ID.String()), zap.Error(updErr))
			}
			s.metrics.IncRefund("issued")
			return true
		}
		lastErr = err
		if !errors.Is(err, creditdomain.ErrConcurrentModification) {
			break
		}
	}

	s.metrics.IncRefund("failed")
	s.log.Error("refund compensation failed",
		zap.String("job_id", job.ID.String()),
		zap.String("account_id", job.AccountID.String()),
		zap.Int64("amount", amount),
		zap.Error(lastErr),
	)
	return false
}

func systemPrompt(t tier.Tier, opts pricing.Options) string {
	prompt := "You are an analyst. Review the user's content and return a structured assessment."
	if opts.Explanation && (t == tier.TierPlus || t == tier.TierMax) {
		prompt += " Include a short explanation of your reasoning."
	}
	return prompt
}

func (s *Service) transition(ctx context.Context, jobID snowflake.ID, from, to analysisdomain.JobStatus) error {
	res := s.db.WithContext(ctx).Exec(
		`UPDATE analysis_jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to,
		time.Now().UTC(),
		jobID,
		from,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return analysisdomain.ErrJobNotFound
	}
	return nil
}

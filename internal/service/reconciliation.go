package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos-lending/internal/metrics"
	"github.com/eidos-exchange/eidos-lending/internal/repository"
	"github.com/eidos-exchange/eidos-lending/pkg/logger"
)

// ReconciliationReport 协议 TVL 与市场 TVL 之和的核对结果
type ReconciliationReport struct {
	ProtocolTVL decimal.Decimal
	MarketsTVL  decimal.Decimal
	Drift       decimal.Decimal
	Markets     int
}

// ReconciliationService 周期性核对协议 TVL，仅观测不修正
type ReconciliationService struct {
	marketRepo   repository.MarketRepository
	protocolRepo repository.ProtocolRepository
	protocolID   string
	tolerance    decimal.Decimal
}

// NewReconciliationService 创建核对服务
func NewReconciliationService(
	marketRepo repository.MarketRepository,
	protocolRepo repository.ProtocolRepository,
	protocolID string,
	tolerance decimal.Decimal,
) *ReconciliationService {
	return &ReconciliationService{
		marketRepo:   marketRepo,
		protocolRepo: protocolRepo,
		protocolID:   protocolID,
		tolerance:    tolerance,
	}
}

// Check 执行一次核对
func (s *ReconciliationService) Check(ctx context.Context) (*ReconciliationReport, error) {
	protocol, err := s.protocolRepo.GetByID(ctx, s.protocolID)
	if err != nil {
		return nil, err
	}
	sum, err := s.marketRepo.SumTotalValueLocked(ctx, s.protocolID)
	if err != nil {
		return nil, err
	}
	ids, err := s.marketRepo.ListIDs(ctx, s.protocolID)
	if err != nil {
		return nil, err
	}

	report := &ReconciliationReport{
		ProtocolTVL: protocol.TotalValueLocked,
		MarketsTVL:  sum,
		Drift:       protocol.TotalValueLocked.Sub(sum),
		Markets:     len(ids),
	}

	protocolTVL, _ := report.ProtocolTVL.Float64()
	drift, _ := report.Drift.Float64()
	metrics.UpdateTVL(protocolTVL, drift)

	if report.Drift.Abs().GreaterThan(s.tolerance) {
		logger.Warn("protocol tvl drift detected",
			zap.String("protocol", s.protocolID),
			zap.String("protocol_tvl", report.ProtocolTVL.String()),
			zap.String("markets_tvl", report.MarketsTVL.String()),
			zap.String("drift", report.Drift.String()),
			zap.Int("markets", report.Markets))
	}
	return report, nil
}

// Start 按 interval 周期核对，ctx 取消后返回
func (s *ReconciliationService) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Check(ctx); err != nil && ctx.Err() == nil {
				logger.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}

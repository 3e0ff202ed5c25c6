package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/commerce-system/internal/model"
)

// PointService отвечает за чтение журнала поинтов и обслуживающие свипы:
// сгорание просроченных остатков и сверку снимков балансов с журналом.
type PointService struct {
	repo          Repository
	sweepInterval time.Duration
	logger        *zap.Logger
}

// NewPointService создаёт сервис поинтов.
func NewPointService(repo Repository, sweepInterval time.Duration, logger *zap.Logger) *PointService {
	return &PointService{repo: repo, sweepInterval: sweepInterval, logger: logger}
}

// Balance возвращает снимок баланса пользователя. Допустимо отставание от
// журнала в пределах интервала сверки.
func (s *PointService) Balance(ctx context.Context, userID int64) (int64, error) {
	return s.repo.GetPointBalance(ctx, userID)
}

// History возвращает журнал поинтов пользователя от новых к старым.
func (s *PointService) History(ctx context.Context, userID int64) ([]model.PointTransaction, error) {
	return s.repo.PointHistory(ctx, userID, 100)
}

// Expire гасит просроченные остатки начислений. Каждая строка обрабатывается
// своей транзакцией, ошибка по одной строке не прерывает проход. Возвращает
// число погашенных строк и общую сумму сгоревших поинтов.
func (s *PointService) Expire(ctx context.Context) (int, int64, error) {
	expired, err := s.repo.ListExpiredEarned(ctx, time.Now())
	if err != nil {
		return 0, 0, err
	}

	count := 0
	var forfeited int64
	for _, t := range expired {
		amount, err := s.repo.ExpireEarned(ctx, t.ID)
		if err != nil {
			s.logger.Warn("point expiry failed", zap.Int64("pointID", t.ID), zap.Error(err))
			continue
		}
		if amount > 0 {
			count++
			forfeited += amount
		}
	}

	return count, forfeited, nil
}

// SyncBalances сверяет снимки балансов всех пользователей с журналом.
// Возвращает число исправленных снимков.
func (s *PointService) SyncBalances(ctx context.Context) (int, error) {
	balances, err := s.repo.ListPointBalances(ctx)
	if err != nil {
		return 0, err
	}

	corrected := 0
	for _, b := range balances {
		changed, actual, err := s.repo.SyncPointBalance(ctx, b.UserID)
		if err != nil {
			s.logger.Warn("balance sync failed", zap.Int64("userID", b.UserID), zap.Error(err))
			continue
		}
		if changed {
			corrected++
			s.logger.Info("balance snapshot corrected",
				zap.Int64("userID", b.UserID),
				zap.Int64("was", b.CurrentPoints),
				zap.Int64("now", actual))
		}
	}

	return corrected, nil
}

// StartSweeps запускает фоновый цикл: сгорание просроченных поинтов и сразу
// за ним сверка балансов.
func (s *PointService) StartSweeps(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, forfeited, err := s.Expire(ctx)
				if err != nil {
					s.logger.Warn("point expiry sweep error", zap.Error(err))
				} else if count > 0 {
					s.logger.Info("point expiry sweep done",
						zap.Int("expired", count), zap.Int64("forfeited", forfeited))
				}

				corrected, err := s.SyncBalances(ctx)
				if err != nil {
					s.logger.Warn("balance sync sweep error", zap.Error(err))
				} else if corrected > 0 {
					s.logger.Info("balance sync sweep done", zap.Int("corrected", corrected))
				}
			}
		}
	}()
}

package service

import (
	"context"

	"github.com/mmeshcher/commerce-system/internal/model"
)

// MembershipService отвечает за чтение грейда и накопленной оплаты и за
// ручной пересчёт грейда.
type MembershipService struct {
	repo     Repository
	policies []model.GradePolicy
	decide   model.GradeDecider
}

// NewMembershipService создаёт сервис членства. Таблица грейдов задаётся
// один раз при старте и дальше не меняется.
func NewMembershipService(repo Repository, policies []model.GradePolicy) *MembershipService {
	return &MembershipService{
		repo:     repo,
		policies: policies,
		decide:   func(totalPaid int64) model.GradeName { return model.DetermineGrade(policies, totalPaid).Grade },
	}
}

// Grade возвращает текущий грейд пользователя и накопленную оплату.
func (s *MembershipService) Grade(ctx context.Context, userID int64) (model.GradeName, int64, error) {
	grade, err := s.repo.GetUserGrade(ctx, userID)
	if err != nil {
		return "", 0, err
	}
	paid, err := s.repo.GetPaidAmount(ctx, userID)
	if err != nil {
		return "", 0, err
	}
	return grade, paid, nil
}

// History возвращает историю смен грейда пользователя.
func (s *MembershipService) History(ctx context.Context, userID int64) ([]model.GradeHistory, error) {
	return s.repo.GradeHistoryByUser(ctx, userID)
}

// Policies возвращает таблицу грейдов.
func (s *MembershipService) Policies() []model.GradePolicy {
	return s.policies
}

// Recompute пересчитывает грейд пользователя по накопленной оплате.
// Совпадающий грейд не порождает записи истории.
func (s *MembershipService) Recompute(ctx context.Context, userID int64) (model.GradeChange, error) {
	return s.repo.RecomputeGrade(ctx, userID, "manual recompute", s.decide)
}

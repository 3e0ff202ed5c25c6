package model

// GradeName описывает название грейда членства.
type GradeName string

const (
	GradeNormal GradeName = "NORMAL"
	GradeVIP    GradeName = "VIP"
	GradeVVIP   GradeName = "VVIP"
)

// GradePolicy описывает один грейд: нижнюю границу накопленной оплаты и ставку
// начисления поинтов в базисных пунктах (100 = 1%).
type GradePolicy struct {
	Grade          GradeName
	MinAmount      int64
	AccrualRateBPS int64
}

// GradeDecider — чистая функция выбора грейда по накопленной сумме оплат.
// Передаётся в транзакционные пересчёты, чтобы политика оставалась снаружи
// слоя хранения.
type GradeDecider func(totalPaid int64) GradeName

// GradeChange — результат пересчёта грейда.
type GradeChange struct {
	Changed   bool
	From      GradeName
	To        GradeName
	TotalPaid int64
}

// DefaultGradePolicies возвращает таблицу грейдов по умолчанию, отсортированную
// по MinAmount. Нижняя граница включительна: 50 000 — ещё NORMAL,
// 50 001 — уже VIP, 150 000 — VVIP.
func DefaultGradePolicies() []GradePolicy {
	return []GradePolicy{
		{Grade: GradeNormal, MinAmount: 0, AccrualRateBPS: 100},
		{Grade: GradeVIP, MinAmount: 50001, AccrualRateBPS: 500},
		{Grade: GradeVVIP, MinAmount: 150000, AccrualRateBPS: 1000},
	}
}

// DetermineGrade выбирает старший грейд, чья нижняя граница не превышает
// накопленную сумму. Таблица должна быть отсортирована по MinAmount по
// возрастанию и содержать грейд с MinAmount == 0.
func DetermineGrade(policies []GradePolicy, totalPaid int64) GradePolicy {
	chosen := policies[0]
	for _, p := range policies[1:] {
		if totalPaid >= p.MinAmount {
			chosen = p
		}
	}
	return chosen
}

// AccrualRate возвращает ставку начисления для указанного грейда.
// Для неизвестного грейда возвращается ставка младшего грейда таблицы.
func AccrualRate(policies []GradePolicy, grade GradeName) int64 {
	for _, p := range policies {
		if p.Grade == grade {
			return p.AccrualRateBPS
		}
	}
	return policies[0].AccrualRateBPS
}

// EarnedPoints считает поинты к начислению: amount * rate / 10000 с
// округлением half-up. Суммы неотрицательные, целочисленная арифметика.
func EarnedPoints(finalAmount, rateBPS int64) int64 {
	return (finalAmount*rateBPS + 5000) / 10000
}

// Package validation содержит функции валидации входных данных.
package validation

import "time"

// IsValidOrderNumber проверяет формат публичного номера заказа
// ORD-YYYYMMDD-NNNN с реально существующей датой.
func IsValidOrderNumber(number string) bool {
	if len(number) != 17 {
		return false
	}
	if number[:4] != "ORD-" || number[12] != '-' {
		return false
	}

	if _, err := time.Parse("20060102", number[4:12]); err != nil {
		return false
	}

	for _, ch := range number[13:] {
		if ch < '0' || ch > '9' {
			return false
		}
	}

	return true
}

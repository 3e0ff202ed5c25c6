package service

import (
	"context"

	"github.com/mmeshcher/commerce-system/internal/model"
)

// ProductService отдаёт каталог товаров на чтение.
type ProductService struct {
	repo Repository
}

// NewProductService создаёт сервис каталога.
func NewProductService(repo Repository) *ProductService {
	return &ProductService{repo: repo}
}

// List возвращает активные товары каталога.
func (s *ProductService) List(ctx context.Context) ([]model.Product, error) {
	return s.repo.ListProducts(ctx)
}

// Get возвращает товар по идентификатору.
func (s *ProductService) Get(ctx context.Context, productID int64) (*model.Product, error) {
	return s.repo.GetProduct(ctx, productID)
}

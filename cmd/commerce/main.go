// Package main запускает HTTP-сервер движка заказов, платежей и поинтов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/commerce-system/internal/config"
	"github.com/mmeshcher/commerce-system/internal/gateway"
	"github.com/mmeshcher/commerce-system/internal/handler"
	"github.com/mmeshcher/commerce-system/internal/model"
	"github.com/mmeshcher/commerce-system/internal/repository"
	"github.com/mmeshcher/commerce-system/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	var gw service.Gateway
	if cfg.GatewayAddress != "" {
		gw = gateway.NewClient(cfg.GatewayAddress, cfg.GatewayTimeout)
	}

	policies := model.DefaultGradePolicies()

	orders := service.NewOrderService(repo, policies, cfg.PointValidity, cfg.AutoConfirmInterval, cfg.AutoConfirmGrace, logger)
	points := service.NewPointService(repo, cfg.PointSweepInterval, logger)
	payments := service.NewPaymentService(repo, gw, logger)
	memberships := service.NewMembershipService(repo, policies)
	refunds := service.NewRefundService(service.NewPostgresRefundStore(repo), repo, gw, policies, logger)
	products := service.NewProductService(repo)

	h := handler.NewHandler(orders, points, payments, memberships, refunds, products, logger)

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: h.SetupRouter(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновые свипы: автоподтверждение заказов, сгорание и сверка поинтов
	g.Go(func() error {
		orders.StartAutoConfirm(ctx)
		points.StartSweeps(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting commerce server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

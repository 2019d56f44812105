package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/skalibog/speedkeeper/internal/config"
	"github.com/skalibog/speedkeeper/pkg/models"
)

// Storage интерфейс для работы с хранилищем измерений и стратегий
type Storage interface {
	// Методы для измерений скорости
	SaveSample(ctx context.Context, sample *models.SpeedSample) (int64, error)
	SamplesSince(ctx context.Context, since time.Time) ([]*models.SpeedSample, error)

	// Методы для профилей провайдеров
	SaveISPProfile(ctx context.Context, profile *models.ISPProfile) (int64, error)
	CurrentISPProfile(ctx context.Context) (*models.ISPProfile, error)

	// Методы для стратегий оптимизации
	SaveStrategy(ctx context.Context, strategy *models.OptimizationStrategy) (int64, error)
	BestStrategy(ctx context.Context) (*models.OptimizationStrategy, error)

	// Методы для каталога серверов между перезапусками
	SaveEndpoints(ctx context.Context, endpoints []*models.Endpoint) error
	ListEndpoints(ctx context.Context) ([]*models.Endpoint, error)

	// Очистка устаревших измерений
	PurgeOlderThan(ctx context.Context, days int) error

	Close()
}

// New создает хранилище согласно конфигурации
func New(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "influxdb":
		return NewInfluxDBStorage(cfg)
	case "sqlite", "":
		return NewSQLiteStorage(cfg.Path)
	default:
		return nil, fmt.Errorf("неизвестный тип хранилища: %s", cfg.Type)
	}
}

package intelligence

import (
	"context"
	"time"

	"github.com/skalibog/speedkeeper/internal/config"
	"github.com/skalibog/speedkeeper/internal/storage"
	"github.com/skalibog/speedkeeper/pkg/logger"
	"go.uber.org/zap"
)

// DecisionLoop периодически обучает модель и оценивает решение об оптимизации
type DecisionLoop struct {
	store  storage.Storage
	engine *Engine
	cfg    config.IntelligenceConfig
}

// NewDecisionLoop создает цикл принятия решений
func NewDecisionLoop(store storage.Storage, engine *Engine, cfg config.IntelligenceConfig) *DecisionLoop {
	return &DecisionLoop{
		store:  store,
		engine: engine,
		cfg:    cfg,
	}
}

// Run запускает периодический цикл до отмены контекста
func (l *DecisionLoop) Run(ctx context.Context) {
	interval := time.Duration(l.cfg.TrainingIntervalMinutes) * time.Minute

	for {
		l.runOnce(ctx)

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			logger.Info("Цикл принятия решений остановлен")
			return
		}
	}
}

// runOnce один проход цикла: очистка, обучение, оценка решения
func (l *DecisionLoop) runOnce(ctx context.Context) {
	// Удаление устаревших данных согласно политике хранения
	if err := l.store.PurgeOlderThan(ctx, l.cfg.RetentionDays); err != nil {
		logger.Warn("Очистка устаревших данных не удалась", zap.Error(err))
	}

	if err := l.engine.Train(ctx); err != nil {
		logger.Warn("Обучение модели не удалось", zap.Error(err))
	}

	decision, err := l.engine.Decide(ctx)
	if err != nil {
		logger.Warn("Оценка решения не удалась", zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.Bool("should_activate", decision.ShouldActivate),
		zap.Float64("confidence", decision.Confidence),
		zap.String("reason", decision.Reason),
	}
	if decision.EstimatedImprovement != nil {
		fields = append(fields, zap.Float64("estimated_improvement", *decision.EstimatedImprovement))
	}
	logger.Info("Решение об оптимизации оценено", fields...)
}

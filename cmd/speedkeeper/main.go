package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/skalibog/speedkeeper/internal/appstate"
	"github.com/skalibog/speedkeeper/internal/config"
	"github.com/skalibog/speedkeeper/internal/intelligence"
	"github.com/skalibog/speedkeeper/internal/keeper"
	"github.com/skalibog/speedkeeper/internal/monitor"
	"github.com/skalibog/speedkeeper/internal/servers"
	"github.com/skalibog/speedkeeper/internal/stealth"
	"github.com/skalibog/speedkeeper/internal/storage"
	"github.com/skalibog/speedkeeper/pkg/logger"
	"github.com/skalibog/speedkeeper/pkg/models"
	"go.uber.org/zap"
)

func main() {
	logger.Init()
	defer logger.GetLogger().Sync()

	// Переменные окружения из .env, если файл присутствует
	_ = godotenv.Load()

	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	flag.Parse()

	// Проверяем наличие файла конфигурации
	logger.Info("Проверка наличия файла конфигурации", zap.String("path", *configPath))
	if _, err := os.Stat(*configPath); os.IsNotExist(err) {
		logger.Fatal("Файл конфигурации не найден", zap.String("path", *configPath))
	}

	// Загружаем конфигурацию
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Ошибка загрузки конфигурации", zap.Error(err))
	}

	// Создаем контекст с возможностью отмены через горутину
	ctx, cancel := context.WithCancel(context.Background())

	// Настраиваем обработку сигналов завершения
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nЗавершение работы...")
		cancel()
		time.Sleep(5 * time.Second) // Даем горутинам время на завершение
		os.Exit(0)
	}()

	// Инициализируем хранилище
	store, err := storage.New(cfg.Storage)
	if err != nil {
		logger.Fatal("Ошибка инициализации хранилища", zap.Error(err))
	}
	defer store.Close()

	// Общее состояние режима оптимизации
	state := appstate.NewSharedState()

	// Загружаем пул серверов с сохранением каталога в хранилище
	pool := servers.NewServerPool(cfg.Servers, store)
	if cfg.Servers.Latitude != nil && cfg.Servers.Longitude != nil {
		pool.SetUserLocation(*cfg.Servers.Latitude, *cfg.Servers.Longitude)
	}
	if err := pool.LoadServers(ctx); err != nil {
		logger.Fatal("Ошибка загрузки списка серверов", zap.Error(err))
	}
	if _, err := pool.EstablishConnections(ctx, cfg.Servers.PoolSize); err != nil {
		logger.Warn("Пул соединений сформирован не полностью", zap.Error(err))
	}

	// Аналитический движок и цикл принятия решений
	intel := intelligence.NewEngine(store, cfg.Intelligence)
	decisionLoop := intelligence.NewDecisionLoop(store, intel, cfg.Intelligence)
	go decisionLoop.Run(ctx)

	// Движок маскирующего трафика
	stealthEngine := stealth.NewEngine(pool,
		models.ParseStealthLevel(cfg.Stealth.Level), cfg.Stealth.RotationSetSize, nil)

	// Применение решений: включение и выключение маскировки
	go runDecisionActuator(ctx, intel, stealthEngine, state)

	// Дозирующий планировщик фоновых всплесков
	burstKeeper := keeper.NewKeeper(store, state, pool, cfg.Keeper, keeperProgressLogger, nil)
	go burstKeeper.Run(ctx)

	// Фоновый мониторинг скорости
	if cfg.Monitoring.Enabled {
		speedMonitor := monitor.NewMonitor(store, state, pool, cfg.Monitoring)
		go speedMonitor.Run(ctx)
	}

	// Периодическая проверка состояния пула соединений
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := pool.MonitorConnections(ctx); err != nil {
					logger.Warn("Проверка соединений не удалась", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info("Служба запущена",
		zap.String("stealth_level", cfg.Stealth.Level),
		zap.Bool("keeper_enabled", cfg.Keeper.Enabled),
		zap.Bool("monitoring_enabled", cfg.Monitoring.Enabled))

	<-ctx.Done()
	stealthEngine.Stop()
	logger.Info("Служба остановлена")
}

// runDecisionActuator переводит решения аналитики в режим работы маскировки
func runDecisionActuator(ctx context.Context, intel *intelligence.Engine, eng *stealth.Engine, state *appstate.SharedState) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			decision, err := intel.Decide(ctx)
			if err != nil {
				logger.Warn("Не удалось оценить решение", zap.Error(err))
				continue
			}

			switch {
			case decision.ShouldActivate && !eng.IsActive():
				if err := eng.Start(ctx); err != nil {
					logger.Error("Не удалось запустить маскировку", zap.Error(err))
					continue
				}
				state.SetMode(appstate.OptimizationEnabled)
				go eng.Run(ctx)
				logger.Info("Маскировка включена",
					zap.Float64("confidence", decision.Confidence),
					zap.String("reason", decision.Reason))

			case !decision.ShouldActivate && eng.IsActive():
				eng.Stop()
				state.SetMode(appstate.OptimizationDisabled)
				logger.Info("Маскировка выключена", zap.String("reason", decision.Reason))
			}

		case <-ctx.Done():
			return
		}
	}
}

// keeperProgressLogger публикует ход работы планировщика в журнал
func keeperProgressLogger(p keeper.Progress) {
	logger.Debug("Ход работы планировщика",
		zap.String("cadence", p.Cadence),
		zap.Int("next_burst_in_s", p.NextBurstInS),
		zap.Int("last_burst_kb", p.LastBurstKB),
		zap.Float64("hour_used_mb", p.HourUsedMB),
		zap.Float64("hour_budget_mb", p.HourBudgetMB))
}

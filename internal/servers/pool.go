package servers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/skalibog/speedkeeper/internal/config"
	"github.com/skalibog/speedkeeper/pkg/logger"
	"github.com/skalibog/speedkeeper/pkg/models"
	"go.uber.org/zap"
)

// ErrNoSuitableEndpoints возвращается, когда в каталоге нет подходящих серверов
var ErrNoSuitableEndpoints = errors.New("нет подходящих серверов в каталоге")

// EndpointCache хранилище каталога серверов между перезапусками
type EndpointCache interface {
	SaveEndpoints(ctx context.Context, endpoints []*models.Endpoint) error
	ListEndpoints(ctx context.Context) ([]*models.Endpoint, error)
}

// Браузерный User-Agent для запросов к каталогу серверов
const browserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// apiEndpoint запись сервера в ответе каталога speedtest.net
type apiEndpoint struct {
	ID      string  `json:"id"`
	Host    string  `json:"host"`
	Name    string  `json:"name"`
	Country string  `json:"country"`
	Sponsor string  `json:"sponsor"`
	Lat     float64 `json:"lat,string"`
	Lon     float64 `json:"lon,string"`
}

// ConnectionHealth состояние постоянного соединения с сервером
type ConnectionHealth struct {
	ServerID            string
	IsConnected         bool
	LastPing            time.Time
	ConsecutiveFailures int
	AverageLatencyMs    *float64
	EstablishedAt       time.Time
	LastActivity        time.Time
}

// ConnectionStats сводная статистика по соединениям пула
type ConnectionStats struct {
	TotalConnections   int
	HealthyConnections int
	AverageLatencyMs   *float64
	EndpointsAvailable int
}

// ServerPool каталог серверов измерения скорости с управлением соединениями
type ServerPool struct {
	mu           sync.RWMutex
	cfg          config.ServersConfig
	client       *http.Client
	cache        EndpointCache
	endpoints    []*models.Endpoint
	connections  map[string]*ConnectionHealth
	currentIndex int
	userLat      *float64
	userLon      *float64
}

// NewServerPool создает пул серверов; cache может быть nil
func NewServerPool(cfg config.ServersConfig, cache EndpointCache) *ServerPool {
	return &ServerPool{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		cache:       cache,
		connections: make(map[string]*ConnectionHealth),
	}
}

// SetUserLocation задает координаты пользователя для расчета расстояний
func (p *ServerPool) SetUserLocation(lat, lon float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userLat = &lat
	p.userLon = &lon
	logger.Info("Задано местоположение пользователя",
		zap.Float64("lat", lat), zap.Float64("lon", lon))
}

// LoadServers загружает каталог серверов из API. При успехе каталог
// сохраняется в хранилище, при недоступности API читается сохраненный,
// в крайнем случае используется резервный список.
func (p *ServerPool) LoadServers(ctx context.Context) error {
	logger.Info("Загрузка каталога серверов", zap.String("api_url", p.cfg.APIURL))

	endpoints, err := p.fetchFromAPI(ctx)
	if err == nil {
		if p.cache != nil {
			if cacheErr := p.cache.SaveEndpoints(ctx, endpoints); cacheErr != nil {
				logger.Warn("Не удалось сохранить каталог серверов", zap.Error(cacheErr))
			}
		}
	} else {
		logger.Warn("Каталог недоступен, используется сохраненный список", zap.Error(err))
		if p.cache != nil {
			cached, cacheErr := p.cache.ListEndpoints(ctx)
			if cacheErr != nil {
				logger.Warn("Ошибка чтения сохраненного каталога", zap.Error(cacheErr))
			}
			endpoints = cached
		}
		if len(endpoints) == 0 {
			logger.Warn("Сохраненный каталог пуст, используется резервный список")
			endpoints = fallbackEndpoints()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Сортировка по региональному приоритету
	sort.SliceStable(endpoints, func(i, j int) bool {
		return p.endpointPriority(endpoints[i]) > p.endpointPriority(endpoints[j])
	})

	p.endpoints = endpoints
	p.currentIndex = 0

	logger.Info("Каталог серверов загружен", zap.Int("count", len(endpoints)))
	return nil
}

// fetchFromAPI получает список серверов из каталога speedtest.net
func (p *ServerPool) fetchFromAPI(ctx context.Context) ([]*models.Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.APIURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса каталога: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("каталог вернул статус %d", resp.StatusCode)
	}

	var raw []apiEndpoint
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("ошибка разбора ответа каталога: %w", err)
	}

	p.mu.RLock()
	userLat, userLon := p.userLat, p.userLon
	p.mu.RUnlock()

	endpoints := make([]*models.Endpoint, 0, len(raw))
	for _, r := range raw {
		// Порт каталог не сообщает, стандартный порт серверов измерения
		host := r.Host
		if idx := strings.IndexByte(host, ':'); idx >= 0 {
			host = host[:idx]
		}
		ep := models.NewEndpoint(r.ID, host, 8080, r.Name, r.Country, r.Sponsor)

		if userLat != nil && userLon != nil {
			d := haversineKm(*userLat, *userLon, r.Lat, r.Lon)
			ep.Distance = &d
		}

		endpoints = append(endpoints, ep)
	}

	logger.Debug("Получены серверы из каталога", zap.Int("count", len(endpoints)))
	return endpoints, nil
}

// fallbackEndpoints резервный список надежных серверов региона
func fallbackEndpoints() []*models.Endpoint {
	return []*models.Endpoint{
		models.NewEndpoint("21541", "speedtest.dialog.lk", 8080, "Dialog Axiata", "Sri Lanka", "Dialog Axiata PLC"),
		models.NewEndpoint("24037", "speedtest-sin1.digitalocean.com", 8080, "Singapore", "Singapore", "DigitalOcean"),
		models.NewEndpoint("13623", "speedtest.slt.lk", 8080, "Sri Lanka Telecom", "Sri Lanka", "Sri Lanka Telecom PLC"),
		models.NewEndpoint("28910", "speedtest-blr1.digitalocean.com", 8080, "Bangalore", "India", "DigitalOcean"),
		models.NewEndpoint("15322", "lg-sin.fdcservers.net", 8080, "Singapore", "Singapore", "FDC Servers"),
	}
}

// endpointPriority оценка приоритета сервера, больше - лучше
func (p *ServerPool) endpointPriority(ep *models.Endpoint) float64 {
	priority := 0.0

	country := strings.ToLower(ep.Country)
	switch {
	case strings.Contains(country, "sri lanka"):
		priority += 100.0
	case strings.Contains(country, "singapore"):
		priority += 80.0
	case strings.Contains(country, "india"):
		priority += 70.0
	case strings.Contains(country, "malaysia"), strings.Contains(country, "thailand"):
		priority += 60.0
	}

	if ep.Distance != nil {
		priority += (1000.0 - math.Min(*ep.Distance, 1000.0)) / 10.0
	}

	if ep.IsActive {
		priority += 10.0
	}

	return priority
}

// haversineKm расстояние между двумя точками на сфере в километрах
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0

	dLat := (lat2 - lat1) * math.Pi / 180.0
	dLon := (lon2 - lon1) * math.Pi / 180.0

	a := math.Pow(math.Sin(dLat/2), 2) +
		math.Cos(lat1*math.Pi/180.0)*math.Cos(lat2*math.Pi/180.0)*math.Pow(math.Sin(dLon/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// NextEndpoint возвращает следующий сервер по кругу
func (p *ServerPool) NextEndpoint() (*models.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) == 0 {
		return nil, ErrNoSuitableEndpoints
	}

	ep := p.endpoints[p.currentIndex]
	p.currentIndex = (p.currentIndex + 1) % len(p.endpoints)
	return ep, nil
}

// RegionalEndpoints возвращает серверы указанной страны
func (p *ServerPool) RegionalEndpoints(country string) []*models.Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var result []*models.Endpoint
	for _, ep := range p.endpoints {
		if strings.EqualFold(ep.Country, country) {
			result = append(result, ep)
		}
	}
	return result
}

// ClosestEndpoints возвращает ближайшие по расстоянию серверы
func (p *ServerPool) ClosestEndpoints(count int) []*models.Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	sorted := make([]*models.Endpoint, len(p.endpoints))
	copy(sorted, p.endpoints)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Distance, sorted[j].Distance
		switch {
		case a != nil && b != nil:
			return *a < *b
		case a != nil:
			return true
		default:
			return false
		}
	})

	if count > len(sorted) {
		count = len(sorted)
	}
	return sorted[:count]
}

// EndpointCount число серверов в каталоге
func (p *ServerPool) EndpointCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}

// SetEndpoints задает каталог напрямую, минуя загрузку из API
func (p *ServerPool) SetEndpoints(endpoints []*models.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endpoints = endpoints
	p.currentIndex = 0
}

// ConnectToEndpoint устанавливает постоянное соединение с сервером
func (p *ServerPool) ConnectToEndpoint(ctx context.Context, ep *models.Endpoint) error {
	logger.Debug("Установка соединения с сервером",
		zap.String("name", ep.Name), zap.String("host", ep.Host))

	latency, err := p.pingEndpoint(ctx, ep)
	if err != nil {
		p.recordFailure(ep.ServerID)
		return fmt.Errorf("ошибка соединения с %s: %w", ep.Host, err)
	}

	now := time.Now()

	p.mu.Lock()
	p.connections[ep.ServerID] = &ConnectionHealth{
		ServerID:         ep.ServerID,
		IsConnected:      true,
		LastPing:         now,
		AverageLatencyMs: &latency,
		EstablishedAt:    now,
		LastActivity:     now,
	}
	p.mu.Unlock()

	logger.Info("Соединение с сервером установлено",
		zap.String("name", ep.Name), zap.Float64("latency_ms", latency))
	return nil
}

// EstablishConnections устанавливает соединения с несколькими серверами для отказоустойчивости
func (p *ServerPool) EstablishConnections(ctx context.Context, target int) (int, error) {
	logger.Info("Формирование пула соединений", zap.Int("target", target))

	p.mu.RLock()
	candidates := make([]*models.Endpoint, len(p.endpoints))
	copy(candidates, p.endpoints)
	p.mu.RUnlock()

	maxAttempts := target * 2
	if maxAttempts > len(candidates) {
		maxAttempts = len(candidates)
	}

	established := 0
	for _, ep := range candidates[:maxAttempts] {
		if established >= target {
			break
		}
		if err := ctx.Err(); err != nil {
			return established, err
		}

		if err := p.ConnectToEndpoint(ctx, ep); err != nil {
			logger.Warn("Сервер недоступен", zap.String("host", ep.Host), zap.Error(err))
			continue
		}
		established++

		// Пауза между попытками, чтобы не создавать нагрузку на серверы
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return established, ctx.Err()
		}
	}

	if established == 0 {
		return 0, fmt.Errorf("не удалось установить ни одного соединения: %w", ErrNoSuitableEndpoints)
	}

	logger.Info("Пул соединений сформирован",
		zap.Int("established", established), zap.Int("target", target))
	return established, nil
}

// MonitorConnections проверяет состояние соединений и переподключает отказавшие.
// Сервер с тремя последовательными отказами переподключается с экспоненциальной задержкой.
func (p *ServerPool) MonitorConnections(ctx context.Context) error {
	p.mu.RLock()
	var stale []*models.Endpoint
	for _, ep := range p.endpoints {
		health, ok := p.connections[ep.ServerID]
		if ok && time.Since(health.LastActivity) > time.Minute {
			stale = append(stale, ep)
		}
	}
	p.mu.RUnlock()

	for _, ep := range stale {
		latency, err := p.pingEndpoint(ctx, ep)
		if err == nil {
			p.recordSuccess(ep.ServerID, latency)
			logger.Debug("Проверка состояния пройдена",
				zap.String("name", ep.Name), zap.Float64("latency_ms", latency))
			continue
		}

		failures := p.recordFailure(ep.ServerID)
		if failures < 3 {
			continue
		}

		logger.Warn("Сервер не прошел проверку состояния, переподключение",
			zap.String("name", ep.Name), zap.Int("failures", failures))

		if err := p.reconnect(ctx, ep); err != nil {
			logger.Error("Переподключение не удалось",
				zap.String("name", ep.Name), zap.Error(err))
		}
	}

	return nil
}

// reconnect пытается восстановить соединение с экспоненциальной задержкой
func (p *ServerPool) reconnect(ctx context.Context, ep *models.Endpoint) error {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if lastErr = p.ConnectToEndpoint(ctx, ep); lastErr == nil {
			return nil
		}
	}

	return fmt.Errorf("переподключение к %s не удалось: %w", ep.Host, lastErr)
}

// pingEndpoint проверяет доступность сервера легковесным запросом
func (p *ServerPool) pingEndpoint(ctx context.Context, ep *models.Endpoint) (float64, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/speedtest/latency.txt", ep.Host, ep.Port)
	req, err := http.NewRequestWithContext(pingCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("ошибка создания запроса: %w", err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("ошибка запроса: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("сервер вернул статус %d", resp.StatusCode)
	}

	return float64(time.Since(start).Milliseconds()), nil
}

// recordSuccess фиксирует успешную проверку соединения
func (p *ServerPool) recordSuccess(serverID string, latency float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	health, ok := p.connections[serverID]
	if !ok {
		return
	}
	now := time.Now()
	health.IsConnected = true
	health.LastPing = now
	health.LastActivity = now
	health.ConsecutiveFailures = 0
	health.AverageLatencyMs = &latency
}

// recordFailure фиксирует отказ и возвращает число последовательных отказов
func (p *ServerPool) recordFailure(serverID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	health, ok := p.connections[serverID]
	if !ok {
		return 0
	}
	health.IsConnected = false
	health.ConsecutiveFailures++
	return health.ConsecutiveFailures
}

// ConnectedEndpoints имена серверов с живыми соединениями
func (p *ServerPool) ConnectedEndpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var names []string
	for _, ep := range p.endpoints {
		if health, ok := p.connections[ep.ServerID]; ok && health.IsConnected {
			names = append(names, ep.Name)
		}
	}
	return names
}

// Stats сводная статистика по соединениям
func (p *ServerPool) Stats() ConnectionStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := ConnectionStats{
		TotalConnections:   len(p.connections),
		EndpointsAvailable: len(p.endpoints),
	}

	var latencySum float64
	var latencyCount int
	for _, health := range p.connections {
		if health.IsConnected {
			stats.HealthyConnections++
		}
		if health.AverageLatencyMs != nil {
			latencySum += *health.AverageLatencyMs
			latencyCount++
		}
	}

	if latencyCount > 0 {
		avg := latencySum / float64(latencyCount)
		stats.AverageLatencyMs = &avg
	}

	return stats
}

package stealth

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skalibog/speedkeeper/internal/servers"
	"github.com/skalibog/speedkeeper/pkg/logger"
	"github.com/skalibog/speedkeeper/pkg/models"
	"go.uber.org/zap"
)

// Пулы заголовков для обфускации под разные клиенты измерения скорости
var (
	userAgentPool = []string{
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Speedtest/4.6.0 (Macintosh; OS X 10.15.7) Java/1.8.0_311",
		"Speedtest/4.6.0 (Windows; Windows 10) Java/1.8.0_311",
	}
	acceptEncodingPool = []string{"gzip, deflate, br", "gzip, deflate", "gzip"}
	connectionPool     = []string{"keep-alive", "close"}
	cacheControlPool   = []string{"no-cache", "no-store", "max-age=0"}
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const hexChars = "0123456789abcdef"
const payloadChars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// rotationState состояние ротации серверов
type rotationState struct {
	currentIndex int
	lastRotation time.Time
	interval     time.Duration
	endpoints    []*models.Endpoint
}

// adaptiveState адаптивное состояние маскировки
type adaptiveState struct {
	riskLevel           DetectionRisk
	consecutiveFailures int
	lastAssessment      time.Time
	effectivenessScore  float64
	adaptationCount     int
}

// connState накопленная активность по серверу
type connState struct {
	endpoint     *models.Endpoint
	lastActivity time.Time
	packetCount  int64
	bytesSent    int64
}

// StealthStats снимок состояния маскирующего трафика
type StealthStats struct {
	ActiveConnections int
	TotalPacketsSent  int64
	TotalBytesSent    int64
	CurrentServer     string
	NextRotationIn    time.Duration
	StealthLevel      models.StealthLevel
	SessionID         string
	DPIBypass         DPIBypassStats
}

// DPIBypassStats снимок состояния обхода DPI
type DPIBypassStats struct {
	DetectionRisk         DetectionRisk
	ConsecutiveFailures   int
	EffectivenessScore    float64
	AdaptationCount       int
	PacketFragmentation   bool
	HeaderObfuscation     bool
	DSCPMarking           int
	DNSPatternReplication bool
}

// Engine генератор маскирующего трафика с адаптивным обходом DPI
type Engine struct {
	pool            *servers.ServerPool
	rotationSetSize int
	sessionID       string
	client          *http.Client

	mu          sync.RWMutex
	level       models.StealthLevel
	pattern     TrafficPattern
	dpi         DPIBypassConfig
	rotation    rotationState
	adaptive    adaptiveState
	connections map[string]*connState
	active      bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewEngine создает генератор маскирующего трафика.
// Источник случайности задается извне, чтобы тесты были воспроизводимыми.
func NewEngine(pool *servers.ServerPool, level models.StealthLevel, rotationSetSize int, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		pool:            pool,
		rotationSetSize: rotationSetSize,
		sessionID:       uuid.NewString(),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		level:   level,
		pattern: trafficPatternFor(level),
		dpi:     dpiBypassConfigFor(level),
		adaptive: adaptiveState{
			riskLevel:          RiskLow,
			lastAssessment:     time.Now(),
			effectivenessScore: 1.0,
		},
		connections: make(map[string]*connState),
		rng:         rng,
	}
}

// randIntn случайное число из внутреннего источника
func (e *Engine) randIntn(n int) int {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Intn(n)
}

// randFloat случайное число от 0.0 до 1.0
func (e *Engine) randFloat() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

// randString случайная hex-строка для параметров запросов
func (e *Engine) randString(length int) string {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()

	b := make([]byte, length)
	for i := range b {
		b[i] = hexChars[e.rng.Intn(len(hexChars))]
	}
	return string(b)
}

// Start запускает маскировку: формирует набор ротации. Повторный вызов безопасен.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active {
		return nil
	}

	logger.Info("Запуск маскирующего трафика",
		zap.String("level", e.level.String()),
		zap.String("session_id", e.sessionID))

	if err := e.initRotationLocked(); err != nil {
		return err
	}

	e.active = true
	return nil
}

// Stop останавливает маскировку и закрывает учтенные соединения
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.active {
		return
	}

	logger.Info("Остановка маскирующего трафика")
	e.connections = make(map[string]*connState)
	e.active = false
}

// IsActive признак работающей маскировки
func (e *Engine) IsActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// initRotationLocked формирует набор серверов для ротации
func (e *Engine) initRotationLocked() error {
	// Сначала региональные серверы
	var set []*models.Endpoint
	for _, country := range []string{"Sri Lanka", "Singapore", "India"} {
		set = append(set, e.pool.RegionalEndpoints(country)...)
	}

	// Запасной вариант: ближайшие серверы
	if len(set) == 0 {
		set = e.pool.ClosestEndpoints(e.rotationSetSize)
	}
	if len(set) == 0 {
		return fmt.Errorf("набор ротации пуст: %w", servers.ErrNoSuitableEndpoints)
	}

	e.rotation = rotationState{
		lastRotation: time.Now(),
		interval:     e.rotationIntervalLocked(),
		endpoints:    set,
	}

	logger.Info("Сформирован набор ротации серверов", zap.Int("count", len(set)))
	return nil
}

// rotationIntervalLocked интервал ротации со случайным смещением,
// чтобы избежать предсказуемых закономерностей
func (e *Engine) rotationIntervalLocked() time.Duration {
	var base time.Duration
	switch e.level {
	case models.StealthLow:
		base = 15 * time.Minute
	case models.StealthHigh:
		base = 5 * time.Minute
	case models.StealthMaximum:
		base = 3 * time.Minute
	default:
		base = 10 * time.Minute
	}

	variation := int(base.Seconds()) / 4
	return base + time.Duration(e.randIntn(variation))*time.Second
}

// Run основной цикл маскировки до отмены контекста
func (e *Engine) Run(ctx context.Context) {
	logger.Info("Запущен цикл маскирующего трафика")

	for e.IsActive() {
		if err := ctx.Err(); err != nil {
			break
		}

		if err := e.RunCycle(ctx); err != nil {
			logger.Error("Ошибка цикла маскировки", zap.Error(err))
			if !sleepCtx(ctx, 30*time.Second) {
				break
			}
			continue
		}

		if !sleepCtx(ctx, e.nextCycleDelay()) {
			break
		}
	}

	logger.Info("Цикл маскирующего трафика остановлен")
}

// nextCycleDelay случайная задержка до следующего цикла
func (e *Engine) nextCycleDelay() time.Duration {
	e.mu.RLock()
	minDelay, maxDelay := e.pattern.TimingMin, e.pattern.TimingMax
	e.mu.RUnlock()

	spread := int(maxDelay.Milliseconds() - minDelay.Milliseconds())
	return minDelay + time.Duration(e.randIntn(spread))*time.Millisecond
}

// RunCycle один цикл маскировки: ротация, адаптация, генерация трафика
func (e *Engine) RunCycle(ctx context.Context) error {
	if e.shouldRotate() {
		e.rotateServers()
	}

	return e.generateMimicryTraffic(ctx)
}

// shouldRotate пора ли менять сервер
func (e *Engine) shouldRotate() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return time.Since(e.rotation.lastRotation) >= e.rotation.interval
}

// rotateServers переключает активный сервер для ухода от обнаружения
func (e *Engine) rotateServers() {
	e.mu.Lock()

	if len(e.rotation.endpoints) == 0 {
		e.mu.Unlock()
		return
	}

	old := e.rotation.endpoints[e.rotation.currentIndex]
	e.rotation.currentIndex = (e.rotation.currentIndex + 1) % len(e.rotation.endpoints)
	e.rotation.lastRotation = time.Now()
	e.rotation.interval = e.rotationIntervalLocked()

	current := e.rotation.endpoints[e.rotation.currentIndex]
	interval := e.rotation.interval
	delete(e.connections, old.ServerID)

	e.mu.Unlock()

	logger.Info("Ротация сервера",
		zap.String("from", old.Name),
		zap.String("to", current.Name),
		zap.Duration("next_rotation_in", interval))
}

// generateMimicryTraffic генерирует трафик, имитирующий измерение скорости
func (e *Engine) generateMimicryTraffic(ctx context.Context) error {
	e.mu.RLock()
	if len(e.rotation.endpoints) == 0 {
		e.mu.RUnlock()
		return nil
	}
	current := e.rotation.endpoints[e.rotation.currentIndex]
	level := e.level
	e.mu.RUnlock()

	// Оценка риска и адаптация перед выходом в сеть
	if err := e.adaptStrategy(ctx); err != nil {
		return err
	}

	// Воспроизведение DNS-паттернов перед соединением
	if err := e.replicateDNSPatterns(ctx, current); err != nil {
		return err
	}

	var err error
	if level == models.StealthMaximum {
		err = e.sendRawStealthTraffic(ctx, current)
	} else {
		if err = e.sendMimicryRequests(ctx, current); err == nil {
			err = e.sendRangePulls(ctx, current, 2)
		}
	}

	if err != nil {
		e.RecordResult(false, nil)
		logger.Warn("Не удалось сгенерировать маскирующий трафик",
			zap.String("server", current.Name), zap.Error(err))
		return err
	}

	effectiveness := 0.8
	e.RecordResult(true, &effectiveness)
	logger.Debug("Сгенерирован маскирующий трафик", zap.String("server", current.Name))
	return nil
}

// sendMimicryRequests последовательность легких запросов, как у настоящего клиента
func (e *Engine) sendMimicryRequests(ctx context.Context, ep *models.Endpoint) error {
	// Замер задержки
	e.sendLatencyProbe(ctx, ep)

	if !sleepCtx(ctx, 500*time.Millisecond) {
		return ctx.Err()
	}

	// Загрузочный запрос со случайной полезной нагрузкой
	e.sendUploadProbe(ctx, ep)

	if !sleepCtx(ctx, 300*time.Millisecond) {
		return ctx.Err()
	}

	// Поддержание соединения
	e.sendKeepAlive(ctx, ep)

	return nil
}

// sendLatencyProbe имитация замера задержки; отказ не прерывает цикл
func (e *Engine) sendLatencyProbe(ctx context.Context, ep *models.Endpoint) {
	url := fmt.Sprintf("http://%s:%d/speedtest/latency.txt?r=%s", ep.Host, ep.Port, e.randString(8))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	req.Header = e.obfuscatedHeaders()

	resp, err := e.client.Do(req)
	if err != nil {
		logger.Debug("Замер задержки не удался", zap.String("server", ep.Name), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	e.updateConnStats(ep, 0)
}

// sendUploadProbe имитация загрузочного запроса со случайной нагрузкой
func (e *Engine) sendUploadProbe(ctx context.Context, ep *models.Endpoint) {
	e.mu.RLock()
	sizeMin, sizeMax := e.pattern.PacketSizeMin, e.pattern.PacketSizeMax
	e.mu.RUnlock()

	size := sizeMin + e.randIntn(sizeMax-sizeMin+1)
	payload := e.speedtestPayload(size)

	url := fmt.Sprintf("http://%s:%d/speedtest/upload.php", ep.Host, ep.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		return
	}
	req.Header = e.obfuscatedHeaders()
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	e.updateConnStats(ep, int64(size))
}

// sendKeepAlive поддерживающий запрос без тела
func (e *Engine) sendKeepAlive(ctx context.Context, ep *models.Endpoint) {
	url := fmt.Sprintf("http://%s:%d/speedtest/latency.txt", ep.Host, ep.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return
	}
	req.Header = e.obfuscatedHeaders()

	resp, err := e.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()

	e.updateConnStats(ep, 0)
}

// sendRangePulls контролируемые частичные загрузки для поддержания пропускной способности
func (e *Engine) sendRangePulls(ctx context.Context, ep *models.Endpoint, streams int) error {
	e.mu.RLock()
	size := rangePullBytes(e.level)
	e.mu.RUnlock()

	if streams < 1 {
		streams = 1
	}

	url := fmt.Sprintf("http://%s:%d/speedtest/random4000x4000.jpg", ep.Host, ep.Port)

	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		start := int64(e.randIntn(8192))
		rangeValue := fmt.Sprintf("bytes=%d-%d", start, start+size-1)

		wg.Add(1)
		go func() {
			defer wg.Done()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return
			}
			req.Header = e.obfuscatedHeaders()
			req.Header.Set("Range", rangeValue)

			resp, err := e.client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
		}()
	}
	wg.Wait()

	return nil
}

// speedtestPayload полезная нагрузка в формате загрузочного запроса
func (e *Engine) speedtestPayload(size int) string {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()

	var b strings.Builder
	b.Grow(size)
	b.WriteString("content1=")

	dataSize := size - 10
	for i := 0; i < dataSize; i++ {
		b.WriteByte(payloadChars[e.rng.Intn(len(payloadChars))])
	}
	return b.String()
}

// obfuscatedHeaders заголовки запроса: случайные при обфускации, канонические иначе
func (e *Engine) obfuscatedHeaders() http.Header {
	e.mu.RLock()
	obfuscate := e.dpi.HeaderObfuscation
	e.mu.RUnlock()

	headers := make(http.Header)

	if obfuscate {
		headers.Set("User-Agent", userAgentPool[e.randIntn(len(userAgentPool))])
		headers.Set("Accept-Encoding", acceptEncodingPool[e.randIntn(len(acceptEncodingPool))])
		headers.Set("Connection", connectionPool[e.randIntn(len(connectionPool))])
		headers.Set("Cache-Control", cacheControlPool[e.randIntn(len(cacheControlPool))])
	} else {
		headers.Set("User-Agent", defaultUserAgent)
		headers.Set("Accept-Encoding", "gzip, deflate, br")
		headers.Set("Connection", "keep-alive")
		headers.Set("Cache-Control", "no-cache")
	}

	headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
	headers.Set("Accept-Language", "en-US,en;q=0.9")

	return headers
}

// sendRawStealthTraffic прямое TCP-соединение для максимальной маскировки
func (e *Engine) sendRawStealthTraffic(ctx context.Context, ep *models.Endpoint) error {
	conn, err := e.dialStealth(ctx, ep)
	if err != nil {
		return err
	}
	defer conn.Close()

	request := e.rawHTTPRequest(ep)

	if err := e.writeFragmented(ctx, conn, request); err != nil {
		return err
	}

	// Минимальное чтение ответа, содержимое не важно
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buffer := make([]byte, 1024)
	conn.Read(buffer)

	logger.Debug("Отправлен низкоуровневый маскирующий трафик", zap.String("server", ep.Name))
	return nil
}

// dialStealth TCP-соединение с размытием временных закономерностей
func (e *Engine) dialStealth(ctx context.Context, ep *models.Endpoint) (net.Conn, error) {
	e.mu.RLock()
	timingObfuscation := e.dpi.TimingObfuscation
	e.mu.RUnlock()

	if timingObfuscation {
		// Случайная пауза перед соединением
		if !sleepCtx(ctx, time.Duration(50+e.randIntn(150))*time.Millisecond) {
			return nil, ctx.Err()
		}
	}

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 60 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", ep.Host, ep.Port))
	if err != nil {
		return nil, fmt.Errorf("ошибка соединения с %s: %w", ep.Host, err)
	}

	if timingObfuscation {
		// Пауза после соединения имитирует поведение человека
		if !sleepCtx(ctx, time.Duration(100+e.randIntn(400))*time.Millisecond) {
			conn.Close()
			return nil, ctx.Err()
		}
	}

	return conn, nil
}

// rawHTTPRequest HTTP-запрос, собранный вручную для полного контроля над байтами
func (e *Engine) rawHTTPRequest(ep *models.Endpoint) []byte {
	headers := e.obfuscatedHeaders()

	var b strings.Builder
	b.WriteString(fmt.Sprintf("GET /speedtest/latency.txt?r=%s HTTP/1.1\r\n", e.randString(8)))
	b.WriteString(fmt.Sprintf("Host: %s:%d\r\n", ep.Host, ep.Port))

	for _, name := range []string{"User-Agent", "Accept-Encoding", "Accept-Language", "Accept", "Connection", "Cache-Control"} {
		if value := headers.Get(name); value != "" {
			b.WriteString(fmt.Sprintf("%s: %s\r\n", name, value))
		}
	}

	b.WriteString("\r\n")
	return []byte(b.String())
}

// writeFragmented запись с дроблением на мелкие фрагменты для обхода DPI
func (e *Engine) writeFragmented(ctx context.Context, conn net.Conn, data []byte) error {
	e.mu.RLock()
	fragmentation := e.dpi.PacketFragmentation
	e.mu.RUnlock()

	if !fragmentation {
		if _, err := conn.Write(data); err != nil {
			return fmt.Errorf("ошибка записи: %w", err)
		}
		return nil
	}

	fragmentSize := 64 + e.randIntn(192)
	for offset := 0; offset < len(data); {
		end := offset + fragmentSize
		if end > len(data) {
			end = len(data)
		}

		if _, err := conn.Write(data[offset:end]); err != nil {
			return fmt.Errorf("ошибка записи фрагмента: %w", err)
		}

		// Случайная пауза между фрагментами
		if !sleepCtx(ctx, time.Duration(1+e.randIntn(9))*time.Millisecond) {
			return ctx.Err()
		}

		offset = end
	}

	logger.Debug("Отправлен фрагментированный запрос", zap.Int("bytes", len(data)))
	return nil
}

// replicateDNSPatterns воспроизводит временные закономерности DNS-запросов клиента измерения
func (e *Engine) replicateDNSPatterns(ctx context.Context, ep *models.Endpoint) error {
	e.mu.RLock()
	enabled := e.dpi.DNSPatternReplication
	e.mu.RUnlock()

	if !enabled {
		return nil
	}

	queries := []string{
		ep.Host,
		"www.speedtest.net",
		"c.speedtest.net",
		fmt.Sprintf("ping-%d.speedtest.net", 1+e.randIntn(9)),
	}

	for _, query := range queries {
		if !sleepCtx(ctx, time.Duration(10+e.randIntn(40))*time.Millisecond) {
			return ctx.Err()
		}
		logger.Debug("Воспроизведен DNS-запрос", zap.String("query", query))
	}

	return nil
}

// AssessRisk оценивает риск обнаружения по отказам и эффективности
func (e *Engine) AssessRisk() DetectionRisk {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.assessRiskLocked()
}

func (e *Engine) assessRiskLocked() DetectionRisk {
	var failureRisk DetectionRisk
	switch {
	case e.adaptive.consecutiveFailures <= 2:
		failureRisk = RiskLow
	case e.adaptive.consecutiveFailures <= 5:
		failureRisk = RiskMedium
	case e.adaptive.consecutiveFailures <= 11:
		failureRisk = RiskHigh
	default:
		failureRisk = RiskCritical
	}

	effectivenessRisk := RiskLow
	switch {
	case e.adaptive.effectivenessScore < 0.3:
		effectivenessRisk = RiskHigh
	case e.adaptive.effectivenessScore < 0.6:
		effectivenessRisk = RiskMedium
	}

	return maxRisk(failureRisk, effectivenessRisk)
}

// adaptStrategy подстраивает маскировку под текущий риск обнаружения
func (e *Engine) adaptStrategy(ctx context.Context) error {
	e.mu.Lock()
	risk := e.assessRiskLocked()

	if risk != e.adaptive.riskLevel {
		logger.Info("Изменился риск обнаружения",
			zap.String("from", e.adaptive.riskLevel.String()),
			zap.String("to", risk.String()))
	}

	switch risk {
	case RiskMedium:
		// Учащение ротации серверов
		e.rotation.interval = 180 * time.Second
		logger.Debug("Учащена ротация серверов: средний риск обнаружения")
	case RiskHigh:
		e.rotation.interval = 120 * time.Second
		logger.Debug("Включены максимальные меры маскировки: высокий риск обнаружения")
	}

	e.adaptive.riskLevel = risk
	e.adaptive.adaptationCount++
	e.adaptive.lastAssessment = time.Now()
	e.mu.Unlock()

	if risk == RiskCritical {
		// Короткая приостановка при критическом риске
		logger.Warn("Критический риск обнаружения: короткая приостановка")
		if !sleepCtx(ctx, time.Second) {
			return ctx.Err()
		}
	}

	return nil
}

// RecordResult фиксирует исход сетевой операции для адаптивного обучения.
// Счетчик отказов не сбрасывается успехами: память об обнаружении сохраняется.
func (e *Engine) RecordResult(success bool, effectiveness *float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if success {
		if effectiveness != nil {
			// Экспоненциальное скользящее среднее эффективности
			e.adaptive.effectivenessScore = 0.7*e.adaptive.effectivenessScore + 0.3*(*effectiveness)
		}
		return
	}

	e.adaptive.consecutiveFailures++
	e.adaptive.effectivenessScore *= 0.9
}

// updateConnStats учитывает активность по серверу
func (e *Engine) updateConnStats(ep *models.Endpoint, bytesSent int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if conn, ok := e.connections[ep.ServerID]; ok {
		conn.lastActivity = time.Now()
		conn.packetCount++
		conn.bytesSent += bytesSent
		return
	}

	e.connections[ep.ServerID] = &connState{
		endpoint:     ep,
		lastActivity: time.Now(),
		packetCount:  1,
		bytesSent:    bytesSent,
	}
}

// UpdateStealthLevel меняет уровень маскировки на лету
func (e *Engine) UpdateStealthLevel(level models.StealthLevel) {
	e.mu.Lock()
	defer e.mu.Unlock()

	logger.Info("Смена уровня маскировки",
		zap.String("from", e.level.String()),
		zap.String("to", level.String()))

	e.level = level
	e.pattern = trafficPatternFor(level)
	e.dpi = dpiBypassConfigFor(level)
	e.rotation.interval = e.rotationIntervalLocked()
}

// Level текущий уровень маскировки
func (e *Engine) Level() models.StealthLevel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.level
}

// Pattern снимок текущего шаблона трафика
func (e *Engine) Pattern() TrafficPattern {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pattern
}

// Stats снимок состояния маскировки
func (e *Engine) Stats() StealthStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var totalPackets, totalBytes int64
	for _, conn := range e.connections {
		totalPackets += conn.packetCount
		totalBytes += conn.bytesSent
	}

	stats := StealthStats{
		ActiveConnections: len(e.connections),
		TotalPacketsSent:  totalPackets,
		TotalBytesSent:    totalBytes,
		StealthLevel:      e.level,
		SessionID:         e.sessionID,
		DPIBypass:         e.dpiStatsLocked(),
	}

	if len(e.rotation.endpoints) > 0 {
		stats.CurrentServer = e.rotation.endpoints[e.rotation.currentIndex].Name
		remaining := e.rotation.interval - time.Since(e.rotation.lastRotation)
		if remaining < 0 {
			remaining = 0
		}
		stats.NextRotationIn = remaining
	}

	return stats
}

// DPIStats снимок состояния обхода DPI
func (e *Engine) DPIStats() DPIBypassStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dpiStatsLocked()
}

func (e *Engine) dpiStatsLocked() DPIBypassStats {
	return DPIBypassStats{
		DetectionRisk:         e.adaptive.riskLevel,
		ConsecutiveFailures:   e.adaptive.consecutiveFailures,
		EffectivenessScore:    e.adaptive.effectivenessScore,
		AdaptationCount:       e.adaptive.adaptationCount,
		PacketFragmentation:   e.dpi.PacketFragmentation,
		HeaderObfuscation:     e.dpi.HeaderObfuscation,
		DSCPMarking:           e.dpi.DSCPMarking,
		DNSPatternReplication: e.dpi.DNSPatternReplication,
	}
}

// sleepCtx пауза с учетом отмены контекста; false при отмене
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

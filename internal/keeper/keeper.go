package keeper

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/skalibog/speedkeeper/internal/appstate"
	"github.com/skalibog/speedkeeper/internal/config"
	"github.com/skalibog/speedkeeper/internal/servers"
	"github.com/skalibog/speedkeeper/internal/storage"
	"github.com/skalibog/speedkeeper/pkg/logger"
	"github.com/skalibog/speedkeeper/pkg/models"
	"go.uber.org/zap"
)

// Cadence темп поддерживающих всплесков
type Cadence int

const (
	// CadenceWarmup разгон после запуска или приостановки
	CadenceWarmup Cadence = iota
	// CadenceSteady устойчивый темп
	CadenceSteady
	// CadenceRecovery восстановление после падения скорости
	CadenceRecovery
	// CadenceSuspended всплески приостановлены
	CadenceSuspended
)

// Закрытая таблица строковых представлений темпа
var cadenceNames = map[Cadence]string{
	CadenceWarmup:    "warmup",
	CadenceSteady:    "steady",
	CadenceRecovery:  "recovery",
	CadenceSuspended: "suspended",
}

// String строковое представление темпа
func (c Cadence) String() string {
	if name, ok := cadenceNames[c]; ok {
		return name
	}
	return "suspended"
}

// Progress снимок состояния планировщика для подписчиков
type Progress struct {
	NextBurstInS int
	LastBurstKB  int
	HourUsedMB   float64
	HourBudgetMB float64
	Cadence      string
}

// ProgressSink получатель уведомлений о ходе работы планировщика
type ProgressSink func(Progress)

// Фиксированный набор заголовков, имитирующий Safari
const keeperUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"

// Keeper планировщик поддерживающих всплесков в пределах часового бюджета трафика
type Keeper struct {
	store storage.Storage
	state *appstate.SharedState
	pool  *servers.ServerPool
	sink  ProgressSink

	client *http.Client

	mu           sync.RWMutex
	cfg          config.KeeperConfig
	running      bool
	budgetUsedMB float64
	lastReset    time.Time
	cadence      Cadence
	lastChange   time.Time
	lastBurstKB  int

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewKeeper создает планировщик всплесков.
// Источник случайности задается извне для воспроизводимости тестов.
func NewKeeper(store storage.Storage, state *appstate.SharedState, pool *servers.ServerPool, cfg config.KeeperConfig, sink ProgressSink, rng *rand.Rand) *Keeper {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Keeper{
		store: store,
		state: state,
		pool:  pool,
		sink:  sink,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		cfg:         cfg,
		lastReset:   time.Now().UTC(),
		cadence:     CadenceWarmup,
		lastChange:  time.Now(),
		lastBurstKB: 64,
		rng:         rng,
	}
}

// UpdateConfig обновляет конфигурацию на лету
func (k *Keeper) UpdateConfig(cfg config.KeeperConfig) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cfg = cfg
}

// Stop останавливает цикл планировщика
func (k *Keeper) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.running = false
}

// Cadence текущий темп всплесков
func (k *Keeper) Cadence() Cadence {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.cadence
}

// BudgetUsedMB израсходованная часть часового бюджета
func (k *Keeper) BudgetUsedMB() float64 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.budgetUsedMB
}

// nextCadence переход машины состояний темпа.
// Выход из приостановки всегда ведет в разгон.
func nextCadence(current Cadence, dropDetected, stableEnough bool) Cadence {
	switch current {
	case CadenceWarmup:
		if stableEnough {
			return CadenceSteady
		}
		return CadenceWarmup
	case CadenceSteady:
		if dropDetected {
			return CadenceRecovery
		}
		return CadenceSteady
	case CadenceRecovery:
		if stableEnough {
			return CadenceSteady
		}
		return CadenceRecovery
	default:
		return CadenceWarmup
	}
}

// burstSizeKB размер всплеска для темпа
func burstSizeKB(sizes []int, cadence Cadence, lastKB int) int {
	sorted := make([]int, len(sizes))
	copy(sorted, sizes)
	sort.Ints(sorted)

	minSize, maxSize := 64, 256
	if len(sorted) > 0 {
		minSize = sorted[0]
		maxSize = sorted[len(sorted)-1]
	}

	switch cadence {
	case CadenceWarmup:
		if minSize < 64 {
			return 64
		}
		return minSize
	case CadenceRecovery:
		doubled := lastKB * 2
		if doubled > maxSize {
			return maxSize
		}
		return doubled
	case CadenceSteady:
		return lastKB
	default:
		return 0
	}
}

// trendFromSamples средняя скорость за последние 20 секунд и тренд
// относительно предыдущих 20 секунд
func trendFromSamples(samples []*models.SpeedSample, now time.Time) (avgLast float64, trend float64) {
	cutoff := now.Add(-20 * time.Second)

	var last, prev []float64
	for _, s := range samples {
		if s.Timestamp.After(cutoff) {
			last = append(last, s.DownloadMbps)
		} else {
			prev = append(prev, s.DownloadMbps)
		}
	}

	avgLast = mean(last)
	avgPrev := avgLast
	if len(prev) > 0 {
		avgPrev = mean(prev)
	}

	trend = 1.0
	if avgPrev > 0.0001 {
		trend = avgLast / avgPrev
	}
	return avgLast, trend
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// isQuietHour попадает ли текущий час в запрещенные
func isQuietHour(hours []int, now time.Time) bool {
	for _, h := range hours {
		if h == now.Hour() {
			return true
		}
	}
	return false
}

// jitter интервал со случайным отклонением до 15 процентов
func (k *Keeper) jitter(base time.Duration) time.Duration {
	k.rngMu.Lock()
	defer k.rngMu.Unlock()

	delta := (k.rng.Float64()*2 - 1) * 0.15 * float64(base)
	result := base + time.Duration(delta)
	if result < time.Second {
		result = time.Second
	}
	return result
}

// resetBudgetIfNeeded сбрасывает бюджет раз в час
func (k *Keeper) resetBudgetIfNeeded() {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := time.Now().UTC()
	if now.Sub(k.lastReset) >= time.Hour {
		k.budgetUsedMB = 0
		k.lastReset = now
		logger.Debug("Часовой бюджет планировщика сброшен")
	}
}

// recentTrend тренд скорости по измерениям за последние 40 секунд
func (k *Keeper) recentTrend(ctx context.Context) (float64, float64) {
	samples, err := k.store.SamplesSince(ctx, time.Now().UTC().Add(-40*time.Second))
	if err != nil {
		logger.Debug("Не удалось получить измерения для тренда", zap.Error(err))
		return 0, 1.0
	}
	return trendFromSamples(samples, time.Now().UTC())
}

// Run запускает цикл планировщика до отмены контекста. Повторный вызов безопасен.
func (k *Keeper) Run(ctx context.Context) {
	k.mu.Lock()
	if k.running {
		k.mu.Unlock()
		return
	}
	k.running = true
	k.mu.Unlock()

	logger.Info("Планировщик всплесков запущен")

	for {
		if ctx.Err() != nil {
			break
		}
		k.mu.RLock()
		running := k.running
		cfg := k.cfg
		k.mu.RUnlock()
		if !running {
			break
		}

		// Всплески разрешены только при включенной оптимизации вне тихих часов
		if !k.state.IsEnabled() || !cfg.Enabled || isQuietHour(cfg.QuietHours, time.Now().UTC()) {
			k.setCadence(CadenceSuspended)
			k.emit(0, 0, cfg)
			if !sleepCtx(ctx, 3*time.Second) {
				break
			}
			continue
		}

		k.resetBudgetIfNeeded()

		k.mu.RLock()
		used := k.budgetUsedMB
		k.mu.RUnlock()

		if used >= cfg.HourlyBudgetMB {
			k.setCadence(CadenceSuspended)
			k.emit(0, 0, cfg)
			if !sleepCtx(ctx, 30*time.Second) {
				break
			}
			continue
		}

		// Машина состояний темпа
		_, trend := k.recentTrend(ctx)
		dropDetected := trend <= 1.0-cfg.TightenThresholdDrop

		k.mu.Lock()
		stableEnough := time.Since(k.lastChange) >= time.Duration(cfg.RelaxThresholdStabilityS)*time.Second
		k.cadence = nextCadence(k.cadence, dropDetected, stableEnough)
		if k.cadence == CadenceRecovery || k.cadence == CadenceWarmup {
			k.lastChange = time.Now()
		}
		cadence := k.cadence
		lastBurst := k.lastBurstKB
		k.mu.Unlock()

		// Интервал с учетом близости к пределу бюджета
		var base time.Duration
		switch cadence {
		case CadenceWarmup, CadenceRecovery:
			base = 5 * time.Second
		case CadenceSteady:
			base = 10 * time.Second
		default:
			base = 15 * time.Second
		}
		budgetRatio := used / math.Max(cfg.HourlyBudgetMB, 0.001)
		if budgetRatio > 0.8 {
			base += 5 * time.Second
		}
		if budgetRatio > 0.9 {
			base += 10 * time.Second
		}
		interval := k.jitter(base)

		sizeKB := burstSizeKB(cfg.BurstSizesKB, cadence, lastBurst)
		if sizeKB == 0 {
			if !sleepCtx(ctx, interval) {
				break
			}
			continue
		}

		level := k.stealthLevel(ctx)

		lastKB := k.recordBurst(sizeKB, k.performBurstWithRetry(ctx, sizeKB, level))

		k.emit(int(interval.Seconds()), lastKB, cfg)

		if !sleepCtx(ctx, interval) {
			break
		}
	}

	logger.Info("Планировщик всплесков остановлен")
}

// recordBurst учитывает результат всплеска и возвращает объем для отчета.
// Неудавшийся всплеск не меняет ни бюджет, ни запомненный объем.
func (k *Keeper) recordBurst(sizeKB int, ok bool) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	if ok {
		k.budgetUsedMB += float64(sizeKB) / 1024.0
		k.lastBurstKB = sizeKB
	}
	return k.lastBurstKB
}

// setCadence переводит темп с учетом блокировки
func (k *Keeper) setCadence(c Cadence) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cadence = c
}

// stealthLevel уровень маскировки из лучшей сохраненной стратегии
func (k *Keeper) stealthLevel(ctx context.Context) models.StealthLevel {
	strategy, err := k.store.BestStrategy(ctx)
	if err != nil || strategy == nil {
		return models.StealthMedium
	}
	return strategy.StealthLevel
}

// performBurstWithRetry всплеск с тремя попытками и экспоненциальной задержкой
func (k *Keeper) performBurstWithRetry(ctx context.Context, sizeKB int, level models.StealthLevel) bool {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    4 * time.Second,
		Factor: 2,
	}

	for attempt := 0; attempt < 3; attempt++ {
		if err := k.performBurst(ctx, sizeKB, level); err == nil {
			return true
		} else {
			logger.Warn("Всплеск не удался", zap.Int("attempt", attempt+1), zap.Error(err))
		}

		if !sleepCtx(ctx, b.Duration()) {
			return false
		}
	}
	return false
}

// burstHeaders фиксированный набор заголовков всплеска
func burstHeaders() http.Header {
	headers := make(http.Header)
	headers.Set("User-Agent", keeperUserAgent)
	headers.Set("Accept", "*/*")
	headers.Set("Accept-Language", "en-US,en;q=0.9")
	headers.Set("Accept-Encoding", "identity")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Pragma", "no-cache")
	headers.Set("Connection", "keep-alive")
	return headers
}

// targetURL адрес всплеска: сервер из каталога либо общедоступный резерв
func (k *Keeper) targetURL(level models.StealthLevel) string {
	ep, err := k.pool.NextEndpoint()
	if err != nil {
		return "https://speed.cloudflare.com/__down?bytes=262144"
	}

	scheme := "http"
	if level == models.StealthMaximum {
		scheme = "https"
	}
	nonce := time.Now().UnixMilli() & 0xFFFFFFFF
	return fmt.Sprintf("%s://%s:%d/download?nocache=%d", scheme, ep.Host, ep.Port, nonce)
}

// performBurst один всплеск: частичная загрузка со случайным диапазоном,
// иногда с предварительным HEAD-запросом
func (k *Keeper) performBurst(ctx context.Context, sizeKB int, level models.StealthLevel) error {
	url := k.targetURL(level)
	headers := burstHeaders()

	sizeBytes := int64(sizeKB) * 1024
	k.rngMu.Lock()
	start := int64(k.rng.Intn(2048))
	headFirst := k.rng.Float64() < 0.4
	pause := time.Duration(20+k.rng.Intn(60)) * time.Millisecond
	k.rngMu.Unlock()

	headers.Set("Range", fmt.Sprintf("bytes=%d-%d", start, start+sizeBytes-1))

	if headFirst {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err == nil {
			req.Header = headers.Clone()
			if resp, err := k.client.Do(req); err == nil {
				resp.Body.Close()
			}
		}
		if !sleepCtx(ctx, pause) {
			return ctx.Err()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("ошибка создания запроса всплеска: %w", err)
	}
	req.Header = headers

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка запроса всплеска: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return nil
}

// emit уведомляет подписчика о ходе работы
func (k *Keeper) emit(nextInS, lastKB int, cfg config.KeeperConfig) {
	if k.sink == nil {
		return
	}

	k.mu.RLock()
	used := k.budgetUsedMB
	cadence := k.cadence
	k.mu.RUnlock()

	k.sink(Progress{
		NextBurstInS: nextInS,
		LastBurstKB:  lastKB,
		HourUsedMB:   math.Round(used*100) / 100,
		HourBudgetMB: math.Round(cfg.HourlyBudgetMB*100) / 100,
		Cadence:      cadence.String(),
	})
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

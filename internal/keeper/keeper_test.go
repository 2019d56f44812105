package keeper

import (
	"math/rand"
	"testing"
	"time"

	"github.com/skalibog/speedkeeper/internal/appstate"
	"github.com/skalibog/speedkeeper/internal/config"
	"github.com/skalibog/speedkeeper/internal/servers"
	"github.com/skalibog/speedkeeper/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeeper(t *testing.T, cfg config.KeeperConfig) *Keeper {
	t.Helper()
	pool := servers.NewServerPool(config.ServersConfig{TimeoutSeconds: 5}, nil)
	rng := rand.New(rand.NewSource(1))
	return NewKeeper(nil, appstate.NewSharedState(), pool, cfg, nil, rng)
}

func TestNextCadenceTransitions(t *testing.T) {
	tests := []struct {
		name         string
		current      Cadence
		dropDetected bool
		stableEnough bool
		want         Cadence
	}{
		{"разгон остается при нестабильности", CadenceWarmup, false, false, CadenceWarmup},
		{"разгон переходит в устойчивый темп", CadenceWarmup, false, true, CadenceSteady},
		{"устойчивый темп сохраняется", CadenceSteady, false, true, CadenceSteady},
		{"падение скорости ведет к восстановлению", CadenceSteady, true, false, CadenceRecovery},
		{"восстановление продолжается", CadenceRecovery, true, false, CadenceRecovery},
		{"восстановление завершается", CadenceRecovery, false, true, CadenceSteady},
		{"выход из приостановки через разгон", CadenceSuspended, false, false, CadenceWarmup},
		{"выход из приостановки даже при падении", CadenceSuspended, true, true, CadenceWarmup},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextCadence(tt.current, tt.dropDetected, tt.stableEnough))
		})
	}
}

func TestBurstSizeKB(t *testing.T) {
	sizes := []int{256, 64, 128}

	// Разгон начинается с минимального размера
	assert.Equal(t, 64, burstSizeKB(sizes, CadenceWarmup, 128))

	// Устойчивый темп сохраняет предыдущий размер
	assert.Equal(t, 128, burstSizeKB(sizes, CadenceSteady, 128))

	// Восстановление удваивает размер до максимума
	assert.Equal(t, 128, burstSizeKB(sizes, CadenceRecovery, 64))
	assert.Equal(t, 256, burstSizeKB(sizes, CadenceRecovery, 128))
	assert.Equal(t, 256, burstSizeKB(sizes, CadenceRecovery, 256))

	// Приостановка полностью отключает всплески
	assert.Equal(t, 0, burstSizeKB(sizes, CadenceSuspended, 128))

	// Минимум не опускается ниже 64 КБ при разгоне
	assert.Equal(t, 64, burstSizeKB([]int{32, 512}, CadenceWarmup, 0))

	// Пустой список размеров использует значения по умолчанию
	assert.Equal(t, 64, burstSizeKB(nil, CadenceWarmup, 0))
	assert.Equal(t, 256, burstSizeKB(nil, CadenceRecovery, 200))
}

func TestTrendFromSamples(t *testing.T) {
	now := time.Now().UTC()

	makeSample := func(mbps float64, age time.Duration) *models.SpeedSample {
		s := models.NewSpeedSample(mbps, 1.0, 50, false)
		s.Timestamp = now.Add(-age)
		return s
	}

	// Скорость упала вдвое: тренд 0.5
	samples := []*models.SpeedSample{
		makeSample(40.0, 30*time.Second),
		makeSample(40.0, 25*time.Second),
		makeSample(20.0, 10*time.Second),
		makeSample(20.0, 5*time.Second),
	}
	avgLast, trend := trendFromSamples(samples, now)
	assert.InDelta(t, 20.0, avgLast, 1e-9)
	assert.InDelta(t, 0.5, trend, 1e-9)

	// Без предыдущих измерений тренд нейтрален
	recent := []*models.SpeedSample{makeSample(30.0, 5*time.Second)}
	avgLast, trend = trendFromSamples(recent, now)
	assert.InDelta(t, 30.0, avgLast, 1e-9)
	assert.InDelta(t, 1.0, trend, 1e-9)

	// Пустой список измерений
	avgLast, trend = trendFromSamples(nil, now)
	assert.Zero(t, avgLast)
	assert.InDelta(t, 1.0, trend, 1e-9)
}

func TestTrendDropTriggersRecovery(t *testing.T) {
	now := time.Now().UTC()
	samples := []*models.SpeedSample{
		{Timestamp: now.Add(-30 * time.Second), DownloadMbps: 40.0},
		{Timestamp: now.Add(-10 * time.Second), DownloadMbps: 20.0},
	}

	_, trend := trendFromSamples(samples, now)
	dropDetected := trend <= 1.0-0.3

	assert.True(t, dropDetected)
	assert.Equal(t, CadenceRecovery, nextCadence(CadenceSteady, dropDetected, false))
}

func TestIsQuietHour(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 1, 5, hour, 30, 0, 0, time.UTC)
	}

	assert.True(t, isQuietHour([]int{2, 3, 4}, at(3)))
	assert.False(t, isQuietHour([]int{2, 3, 4}, at(12)))
	assert.False(t, isQuietHour(nil, at(3)))
}

func TestJitterBounds(t *testing.T) {
	k := newTestKeeper(t, config.KeeperConfig{})

	base := 10 * time.Second
	for i := 0; i < 100; i++ {
		got := k.jitter(base)
		assert.GreaterOrEqual(t, got, time.Duration(float64(base)*0.85))
		assert.LessOrEqual(t, got, time.Duration(float64(base)*1.15))
	}

	// Нижняя граница в одну секунду
	assert.GreaterOrEqual(t, k.jitter(500*time.Millisecond), time.Second)
}

func TestCadenceString(t *testing.T) {
	assert.Equal(t, "warmup", CadenceWarmup.String())
	assert.Equal(t, "steady", CadenceSteady.String())
	assert.Equal(t, "recovery", CadenceRecovery.String())
	assert.Equal(t, "suspended", CadenceSuspended.String())
	assert.Equal(t, "suspended", Cadence(99).String())
}

func TestKeeperInitialState(t *testing.T) {
	k := newTestKeeper(t, config.KeeperConfig{
		Enabled:        true,
		HourlyBudgetMB: 1.0,
		BurstSizesKB:   []int{64, 128, 256},
	})

	require.Equal(t, CadenceWarmup, k.Cadence())
	assert.Zero(t, k.BudgetUsedMB())
}

func TestBudgetResetsOncePerHour(t *testing.T) {
	k := newTestKeeper(t, config.KeeperConfig{HourlyBudgetMB: 1.0})

	k.mu.Lock()
	k.budgetUsedMB = 0.75
	k.lastReset = time.Now().UTC().Add(-30 * time.Minute)
	k.mu.Unlock()

	// До истечения часа бюджет сохраняется
	k.resetBudgetIfNeeded()
	assert.InDelta(t, 0.75, k.BudgetUsedMB(), 1e-9)

	k.mu.Lock()
	k.lastReset = time.Now().UTC().Add(-61 * time.Minute)
	k.mu.Unlock()

	k.resetBudgetIfNeeded()
	assert.Zero(t, k.BudgetUsedMB())

	// Повторный вызов сразу после сброса ничего не меняет
	k.mu.Lock()
	k.budgetUsedMB = 0.25
	k.mu.Unlock()
	k.resetBudgetIfNeeded()
	assert.InDelta(t, 0.25, k.BudgetUsedMB(), 1e-9)
}

func TestRecordBurstKeepsLastSizeOnFailure(t *testing.T) {
	k := newTestKeeper(t, config.KeeperConfig{HourlyBudgetMB: 1.0})

	assert.Equal(t, 128, k.recordBurst(128, true))
	assert.InDelta(t, 0.125, k.BudgetUsedMB(), 1e-9)

	// Неудавшийся всплеск: отчет сохраняет прежний объем, бюджет не растет
	assert.Equal(t, 128, k.recordBurst(256, false))
	assert.InDelta(t, 0.125, k.BudgetUsedMB(), 1e-9)
}

func TestKeeperUpdateConfig(t *testing.T) {
	k := newTestKeeper(t, config.KeeperConfig{HourlyBudgetMB: 1.0})

	k.UpdateConfig(config.KeeperConfig{HourlyBudgetMB: 2.5, Enabled: true})

	k.mu.RLock()
	defer k.mu.RUnlock()
	assert.InDelta(t, 2.5, k.cfg.HourlyBudgetMB, 1e-9)
	assert.True(t, k.cfg.Enabled)
}

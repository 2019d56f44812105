package stealth

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/skalibog/speedkeeper/internal/config"
	"github.com/skalibog/speedkeeper/internal/servers"
	"github.com/skalibog/speedkeeper/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, level models.StealthLevel, endpoints []*models.Endpoint) *Engine {
	t.Helper()
	pool := servers.NewServerPool(config.ServersConfig{TimeoutSeconds: 5}, nil)
	pool.SetEndpoints(endpoints)
	return NewEngine(pool, level, 5, rand.New(rand.NewSource(1)))
}

func testEndpoints() []*models.Endpoint {
	return []*models.Endpoint{
		models.NewEndpoint("21541", "speedtest.dialog.lk", 8080, "Colombo", "Sri Lanka", "Dialog"),
		models.NewEndpoint("24037", "sg.example.com", 8080, "Singapore", "Singapore", "DO"),
		models.NewEndpoint("28910", "blr.example.com", 8080, "Bangalore", "India", "DO"),
	}
}

func TestStartBuildsRotationSet(t *testing.T) {
	e := newTestEngine(t, models.StealthMedium, testEndpoints())

	require.NoError(t, e.Start(context.Background()))
	assert.True(t, e.IsActive())

	stats := e.Stats()
	assert.Equal(t, "Colombo", stats.CurrentServer)
	assert.NotEmpty(t, stats.SessionID)

	// Повторный запуск безопасен
	require.NoError(t, e.Start(context.Background()))

	e.Stop()
	assert.False(t, e.IsActive())
}

func TestStartFailsWithoutEndpoints(t *testing.T) {
	e := newTestEngine(t, models.StealthMedium, nil)

	err := e.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, servers.ErrNoSuitableEndpoints)
	assert.False(t, e.IsActive())
}

func TestAssessRiskFromFailures(t *testing.T) {
	e := newTestEngine(t, models.StealthMedium, testEndpoints())

	assert.Equal(t, RiskLow, e.AssessRisk())

	// Отказы накапливаются и повышают риск
	for i := 0; i < 3; i++ {
		e.RecordResult(false, nil)
	}
	assert.Equal(t, RiskMedium, e.AssessRisk())

	for i := 0; i < 3; i++ {
		e.RecordResult(false, nil)
	}
	assert.Equal(t, RiskHigh, e.AssessRisk())

	for i := 0; i < 6; i++ {
		e.RecordResult(false, nil)
	}
	assert.Equal(t, RiskCritical, e.AssessRisk())
}

func TestRecordResultEffectivenessEMA(t *testing.T) {
	e := newTestEngine(t, models.StealthMedium, testEndpoints())

	eff := 0.5
	e.RecordResult(true, &eff)

	stats := e.DPIStats()
	assert.InDelta(t, 0.7*1.0+0.3*0.5, stats.EffectivenessScore, 1e-9)
	assert.Zero(t, stats.ConsecutiveFailures)

	// Отказ снижает эффективность и увеличивает счетчик
	before := stats.EffectivenessScore
	e.RecordResult(false, nil)
	stats = e.DPIStats()
	assert.InDelta(t, before*0.9, stats.EffectivenessScore, 1e-9)
	assert.Equal(t, 1, stats.ConsecutiveFailures)

	// Успех не сбрасывает память об отказах
	e.RecordResult(true, &eff)
	assert.Equal(t, 1, e.DPIStats().ConsecutiveFailures)
}

func TestEffectivenessRecoversOnSuccess(t *testing.T) {
	e := newTestEngine(t, models.StealthMedium, testEndpoints())

	// Серия отказов опускает оценку эффективности
	for i := 0; i < 5; i++ {
		e.RecordResult(false, nil)
	}
	low := e.DPIStats().EffectivenessScore

	// Успех с эффективностью выше текущей оценки поднимает ее
	high := 0.95
	e.RecordResult(true, &high)
	assert.Greater(t, e.DPIStats().EffectivenessScore, low)
}

func TestLowEffectivenessRaisesRisk(t *testing.T) {
	e := newTestEngine(t, models.StealthMedium, testEndpoints())

	// Эффективность падает ниже 0.3 после серии неудачных успехов
	low := 0.0
	for i := 0; i < 10; i++ {
		e.RecordResult(true, &low)
	}

	assert.Less(t, e.DPIStats().EffectivenessScore, 0.3)
	assert.Equal(t, RiskHigh, e.AssessRisk())
}

func TestAdaptStrategyTightensRotation(t *testing.T) {
	e := newTestEngine(t, models.StealthMedium, testEndpoints())
	require.NoError(t, e.Start(context.Background()))

	for i := 0; i < 4; i++ {
		e.RecordResult(false, nil)
	}

	require.NoError(t, e.adaptStrategy(context.Background()))

	stats := e.DPIStats()
	assert.Equal(t, RiskMedium, stats.DetectionRisk)
	assert.Equal(t, 1, stats.AdaptationCount)

	e.mu.RLock()
	interval := e.rotation.interval
	e.mu.RUnlock()
	assert.Equal(t, 180*time.Second, interval)
}

func TestUpdateStealthLevel(t *testing.T) {
	e := newTestEngine(t, models.StealthLow, testEndpoints())

	assert.Equal(t, models.StealthLow, e.Level())
	assert.False(t, e.Pattern().FragmentationEnabled)

	e.UpdateStealthLevel(models.StealthMaximum)

	assert.Equal(t, models.StealthMaximum, e.Level())
	pattern := e.Pattern()
	assert.True(t, pattern.FragmentationEnabled)
	assert.True(t, pattern.HeaderModification)
	assert.Equal(t, 300, pattern.PacketSizeMin)
	assert.Equal(t, 1000, pattern.PacketSizeMax)
}

func TestTrafficPatternTables(t *testing.T) {
	low := trafficPatternFor(models.StealthLow)
	assert.Equal(t, 1000, low.PacketSizeMin)
	assert.Equal(t, 1500, low.PacketSizeMax)
	assert.False(t, low.FragmentationEnabled)
	assert.False(t, low.DSCPMarkingEnabled)

	medium := trafficPatternFor(models.StealthMedium)
	assert.True(t, medium.FragmentationEnabled)
	assert.True(t, medium.DSCPMarkingEnabled)
	assert.False(t, medium.HeaderModification)

	high := trafficPatternFor(models.StealthHigh)
	assert.True(t, high.HeaderModification)
	assert.True(t, high.TCPWindowScaling)

	maximum := trafficPatternFor(models.StealthMaximum)
	assert.Equal(t, 15*time.Second, maximum.TimingMin)
	assert.Equal(t, 180*time.Second, maximum.TimingMax)
	assert.InDelta(t, 0.25, maximum.BurstProbability, 1e-9)
}

func TestDPIBypassConfigTables(t *testing.T) {
	low := dpiBypassConfigFor(models.StealthLow)
	assert.False(t, low.PacketFragmentation)
	assert.Equal(t, 65535, low.TCPWindowSize)

	medium := dpiBypassConfigFor(models.StealthMedium)
	assert.Equal(t, 46, medium.DSCPMarking)
	assert.False(t, medium.HeaderObfuscation)

	high := dpiBypassConfigFor(models.StealthHigh)
	assert.Equal(t, 34, high.DSCPMarking)
	assert.True(t, high.MSSClamping)

	maximum := dpiBypassConfigFor(models.StealthMaximum)
	assert.Equal(t, 26, maximum.DSCPMarking)
	assert.Equal(t, 8192, maximum.TCPWindowSize)
}

func TestDetectionRiskString(t *testing.T) {
	assert.Equal(t, "low", RiskLow.String())
	assert.Equal(t, "critical", RiskCritical.String())
	assert.Equal(t, "low", DetectionRisk(99).String())
	assert.Equal(t, RiskHigh, maxRisk(RiskMedium, RiskHigh))
	assert.Equal(t, RiskHigh, maxRisk(RiskHigh, RiskLow))
}

func TestRotationIntervalByLevel(t *testing.T) {
	tests := []struct {
		level models.StealthLevel
		base  time.Duration
	}{
		{models.StealthLow, 15 * time.Minute},
		{models.StealthMedium, 10 * time.Minute},
		{models.StealthHigh, 5 * time.Minute},
		{models.StealthMaximum, 3 * time.Minute},
	}

	for _, tt := range tests {
		e := newTestEngine(t, tt.level, testEndpoints())
		e.mu.Lock()
		interval := e.rotationIntervalLocked()
		e.mu.Unlock()

		// Интервал равен базе плюс случайное смещение до четверти базы
		assert.GreaterOrEqual(t, interval, tt.base)
		assert.Less(t, interval, tt.base+tt.base/4)
	}
}

func TestObfuscatedHeaders(t *testing.T) {
	e := newTestEngine(t, models.StealthHigh, testEndpoints())

	headers := e.obfuscatedHeaders()
	assert.NotEmpty(t, headers.Get("User-Agent"))
	assert.NotEmpty(t, headers.Get("Accept"))
	assert.Equal(t, "en-US,en;q=0.9", headers.Get("Accept-Language"))
	assert.Contains(t, userAgentPool, headers.Get("User-Agent"))
}

func TestRangePullBytesByLevel(t *testing.T) {
	assert.Equal(t, int64(256*1024), rangePullBytes(models.StealthLow))
	assert.Equal(t, int64(512*1024), rangePullBytes(models.StealthMedium))
	assert.Equal(t, int64(1024*1024), rangePullBytes(models.StealthHigh))
	assert.Equal(t, int64(1024*1024), rangePullBytes(models.StealthMaximum))
}

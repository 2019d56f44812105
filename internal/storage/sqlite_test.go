package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/skalibog/speedkeeper/internal/config"
	"github.com/skalibog/speedkeeper/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestNewSelectsBackend(t *testing.T) {
	store, err := New(config.StorageConfig{Type: "sqlite", Path: filepath.Join(t.TempDir(), "s.db")})
	require.NoError(t, err)
	store.Close()

	// Пустой тип означает SQLite по умолчанию
	store, err = New(config.StorageConfig{Path: filepath.Join(t.TempDir(), "d.db")})
	require.NoError(t, err)
	store.Close()

	_, err = New(config.StorageConfig{Type: "postgres"})
	assert.Error(t, err)
}

func TestSaveAndLoadSamples(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	old := models.NewSpeedSample(30.0, 5.0, 45, false)
	old.Timestamp = time.Now().UTC().Add(-2 * time.Hour)
	recent := models.NewSpeedSample(12.5, 2.0, 80, true)
	recent.Confidence = 0.7

	id, err := store.SaveSample(ctx, old)
	require.NoError(t, err)
	assert.Positive(t, id)
	_, err = store.SaveSample(ctx, recent)
	require.NoError(t, err)

	// Только измерения за последний час
	samples, err := store.SamplesSince(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.InDelta(t, 12.5, samples[0].DownloadMbps, 1e-9)
	assert.InDelta(t, 0.7, samples[0].Confidence, 1e-9)
	assert.True(t, samples[0].OptimizationActive)
	assert.Equal(t, 80, samples[0].LatencyMs)

	// Полная выборка упорядочена по времени
	samples, err = store.SamplesSince(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.False(t, samples[0].OptimizationActive)
}

func TestSaveSampleRejectsInvalid(t *testing.T) {
	store := newTestStorage(t)

	bad := models.NewSpeedSample(-1.0, 5.0, 45, false)
	_, err := store.SaveSample(context.Background(), bad)
	assert.Error(t, err)
}

func TestISPProfileRoundTrip(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	// Профиля еще нет
	profile, err := store.CurrentISPProfile(ctx)
	require.NoError(t, err)
	assert.Nil(t, profile)

	first := models.NewISPProfile("Dialog", "Sri Lanka", "dns_analysis")
	first.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	_, err = store.SaveISPProfile(ctx, first)
	require.NoError(t, err)

	second := models.NewISPProfile("Hutch", "Sri Lanka", "public_ip")
	_, err = store.SaveISPProfile(ctx, second)
	require.NoError(t, err)

	// Возвращается профиль с самой свежей отметкой обновления
	profile, err = store.CurrentISPProfile(ctx)
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "Hutch", profile.Name)
	assert.Equal(t, "public_ip", profile.DetectionMethod)
}

func TestStrategyRoundTrip(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	// Стратегий еще нет
	best, err := store.BestStrategy(ctx)
	require.NoError(t, err)
	assert.Nil(t, best)

	weak := models.DefaultStrategy()
	score := 0.4
	weak.EffectivenessScore = &score
	_, err = store.SaveStrategy(ctx, weak)
	require.NoError(t, err)

	strong := models.HighStealthStrategy()
	strongScore := 0.9
	strong.EffectivenessScore = &strongScore
	_, err = store.SaveStrategy(ctx, strong)
	require.NoError(t, err)

	unrated := models.DefaultStrategy()
	unrated.Name = "Unrated"
	_, err = store.SaveStrategy(ctx, unrated)
	require.NoError(t, err)

	best, err = store.BestStrategy(ctx)
	require.NoError(t, err)
	require.NotNil(t, best)
	assert.Equal(t, "High Stealth", best.Name)
	assert.Equal(t, models.StealthHigh, best.StealthLevel)
	assert.Equal(t, 5*time.Minute, best.RotationInterval)
	assert.Equal(t, 45*time.Second, best.PacketTimingMin)
	assert.Equal(t, 90*time.Second, best.PacketTimingMax)
	require.NotNil(t, best.EffectivenessScore)
	assert.InDelta(t, 0.9, *best.EffectivenessScore, 1e-9)
}

func TestEndpointRoundTrip(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	// Каталог еще пуст
	endpoints, err := store.ListEndpoints(ctx)
	require.NoError(t, err)
	assert.Empty(t, endpoints)

	colombo := models.NewEndpoint("21541", "speedtest.dialog.lk", 8080, "Colombo", "Sri Lanka", "Dialog")
	distance := 12.5
	colombo.Distance = &distance
	latency := 38.0
	colombo.LatencyMs = &latency
	lastUsed := time.Now().UTC().Add(-time.Hour)
	colombo.LastUsed = &lastUsed

	singapore := models.NewEndpoint("24037", "sg.example.com", 8080, "Singapore", "Singapore", "DO")

	retired := models.NewEndpoint("13623", "old.example.com", 8080, "Old", "Sri Lanka", "SLT")
	retired.IsActive = false

	require.NoError(t, store.SaveEndpoints(ctx, []*models.Endpoint{colombo, singapore, retired}))

	// Неактивные серверы в выборку не попадают
	endpoints, err = store.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)

	byID := make(map[string]*models.Endpoint)
	for _, ep := range endpoints {
		byID[ep.ServerID] = ep
	}

	got := byID["21541"]
	require.NotNil(t, got)
	assert.Equal(t, "speedtest.dialog.lk", got.Host)
	assert.Equal(t, 8080, got.Port)
	assert.Equal(t, "Sri Lanka", got.Country)
	assert.Equal(t, "Dialog", got.Sponsor)
	require.NotNil(t, got.Distance)
	assert.InDelta(t, 12.5, *got.Distance, 1e-9)
	require.NotNil(t, got.LatencyMs)
	assert.InDelta(t, 38.0, *got.LatencyMs, 1e-9)
	require.NotNil(t, got.LastUsed)
	assert.True(t, got.LastUsed.Equal(lastUsed))

	bare := byID["24037"]
	require.NotNil(t, bare)
	assert.Nil(t, bare.Distance)
	assert.Nil(t, bare.LatencyMs)
	assert.Nil(t, bare.LastUsed)
}

func TestSaveEndpointsUpserts(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	ep := models.NewEndpoint("21541", "speedtest.dialog.lk", 8080, "Colombo", "Sri Lanka", "Dialog")
	require.NoError(t, store.SaveEndpoints(ctx, []*models.Endpoint{ep}))

	// Повторное сохранение обновляет запись, а не дублирует ее
	updated := models.NewEndpoint("21541", "new.dialog.lk", 8081, "Colombo", "Sri Lanka", "Dialog")
	require.NoError(t, store.SaveEndpoints(ctx, []*models.Endpoint{updated}))

	endpoints, err := store.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "new.dialog.lk", endpoints[0].Host)
	assert.Equal(t, 8081, endpoints[0].Port)
}

func TestPurgeOlderThan(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	stale := models.NewSpeedSample(20.0, 3.0, 60, false)
	stale.Timestamp = time.Now().UTC().AddDate(0, 0, -40)
	fresh := models.NewSpeedSample(25.0, 4.0, 55, false)

	_, err := store.SaveSample(ctx, stale)
	require.NoError(t, err)
	_, err = store.SaveSample(ctx, fresh)
	require.NoError(t, err)

	require.NoError(t, store.PurgeOlderThan(ctx, 30))

	samples, err := store.SamplesSince(ctx, time.Now().UTC().AddDate(0, 0, -60))
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.InDelta(t, 25.0, samples[0].DownloadMbps, 1e-9)
}

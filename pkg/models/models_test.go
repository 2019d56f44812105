package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStealthLevelRoundTrip(t *testing.T) {
	levels := []StealthLevel{StealthLow, StealthMedium, StealthHigh, StealthMaximum}
	for _, level := range levels {
		assert.Equal(t, level, ParseStealthLevel(level.String()))
	}

	// Неизвестные значения сводятся к среднему уровню
	assert.Equal(t, StealthMedium, ParseStealthLevel("Extreme"))
	assert.Equal(t, StealthMedium, ParseStealthLevel(""))
	assert.Equal(t, "Medium", StealthLevel(42).String())
}

func TestSpeedSampleValidate(t *testing.T) {
	sample := NewSpeedSample(25.0, 5.0, 40, false)
	require.NoError(t, sample.Validate())

	tests := []struct {
		name   string
		modify func(*SpeedSample)
	}{
		{"отрицательная загрузка", func(s *SpeedSample) { s.DownloadMbps = -1 }},
		{"отрицательная отдача", func(s *SpeedSample) { s.UploadMbps = -0.5 }},
		{"задержка выше предела", func(s *SpeedSample) { s.LatencyMs = 10001 }},
		{"уверенность выше единицы", func(s *SpeedSample) { s.Confidence = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSpeedSample(25.0, 5.0, 40, false)
			tt.modify(s)
			assert.Error(t, s.Validate())
		})
	}
}

func TestSpeedSamplePerformanceScore(t *testing.T) {
	// Идеальное соединение: все составляющие на максимуме, кроме задержки
	perfect := NewSpeedSample(100.0, 20.0, 0, false)
	assert.InDelta(t, 1.0, perfect.PerformanceScore(), 1e-9)

	// Половинная уверенность пропорционально снижает оценку
	halved := NewSpeedSample(100.0, 20.0, 0, false)
	halved.Confidence = 0.5
	assert.InDelta(t, 0.5, halved.PerformanceScore(), 1e-9)

	// 50 Мбит/с загрузка, 10 Мбит/с отдача, 500 мс задержка
	mid := NewSpeedSample(50.0, 10.0, 500, false)
	assert.InDelta(t, 0.5*0.5+0.5*0.3+0.5*0.2, mid.PerformanceScore(), 1e-9)
}

func TestSpeedSampleIsGoodPerformance(t *testing.T) {
	assert.True(t, NewSpeedSample(20.0, 2.0, 50, false).IsGoodPerformance())
	assert.False(t, NewSpeedSample(5.0, 2.0, 50, false).IsGoodPerformance())
	assert.False(t, NewSpeedSample(20.0, 0.5, 50, false).IsGoodPerformance())
	assert.False(t, NewSpeedSample(20.0, 2.0, 150, false).IsGoodPerformance())
}

func TestISPProfileKnownThrottling(t *testing.T) {
	assert.True(t, NewISPProfile("Hutch Lanka", "Sri Lanka", "dns_analysis").IsKnownThrottlingISP())
	assert.True(t, NewISPProfile("dialog axiata", "Sri Lanka", "dns_analysis").IsKnownThrottlingISP())
	assert.False(t, NewISPProfile("Starlink", "Global", "dns_analysis").IsKnownThrottlingISP())
}

func TestISPProfileValidate(t *testing.T) {
	require.NoError(t, NewISPProfile("Dialog", "Sri Lanka", "dns_analysis").Validate())
	assert.Error(t, NewISPProfile("  ", "Sri Lanka", "dns_analysis").Validate())
	assert.Error(t, NewISPProfile("Dialog", "", "dns_analysis").Validate())
}

func TestThrottlingWindowIsActiveAt(t *testing.T) {
	window := &ThrottlingWindow{
		StartHour:  18,
		EndHour:    22,
		EndMinute:  59,
		Weekdays:   AllWeekdays(),
		Severity:   0.7,
		Confidence: 0.8,
	}
	require.NoError(t, window.Validate())

	// 2026-01-05 понедельник
	inWindow := time.Date(2026, 1, 5, 20, 30, 0, 0, time.UTC)
	outOfWindow := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	assert.True(t, window.IsActiveAt(inWindow))
	assert.False(t, window.IsActiveAt(outOfWindow))

	// Окно только по будням не действует в воскресенье
	weekdayOnly := &ThrottlingWindow{
		StartHour: 18,
		EndHour:   22,
		Weekdays:  []time.Weekday{time.Monday, time.Tuesday},
	}
	sunday := time.Date(2026, 1, 4, 20, 0, 0, 0, time.UTC)
	assert.False(t, weekdayOnly.IsActiveAt(sunday))
}

func TestThrottlingWindowMidnightWraparound(t *testing.T) {
	window := &ThrottlingWindow{
		StartHour: 23,
		EndHour:   2,
		Weekdays:  AllWeekdays(),
	}

	assert.True(t, window.IsActiveAt(time.Date(2026, 1, 5, 23, 30, 0, 0, time.UTC)))
	assert.True(t, window.IsActiveAt(time.Date(2026, 1, 5, 1, 0, 0, 0, time.UTC)))
	assert.False(t, window.IsActiveAt(time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)))
}

func TestThrottlingWindowValidate(t *testing.T) {
	assert.Error(t, (&ThrottlingWindow{StartHour: 24}).Validate())
	assert.Error(t, (&ThrottlingWindow{EndHour: -1}).Validate())
	assert.Error(t, (&ThrottlingWindow{Severity: 1.2}).Validate())
	assert.Error(t, (&ThrottlingWindow{StartMinute: 60}).Validate())
}

func TestOptimizationStrategyValidate(t *testing.T) {
	require.NoError(t, DefaultStrategy().Validate())
	require.NoError(t, HighStealthStrategy().Validate())

	noName := DefaultStrategy()
	noName.Name = " "
	assert.Error(t, noName.Validate())

	tooManyConns := DefaultStrategy()
	tooManyConns.ConnectionCount = 11
	assert.Error(t, tooManyConns.Validate())

	invertedTiming := DefaultStrategy()
	invertedTiming.PacketTimingMin = 90 * time.Second
	invertedTiming.PacketTimingMax = 30 * time.Second
	assert.Error(t, invertedTiming.Validate())

	badScore := DefaultStrategy()
	score := 1.5
	badScore.EffectivenessScore = &score
	assert.Error(t, badScore.Validate())
}

func TestOptimizationStrategyIsEffective(t *testing.T) {
	strategy := DefaultStrategy()
	assert.False(t, strategy.IsEffective())

	low := 0.4
	strategy.EffectivenessScore = &low
	assert.False(t, strategy.IsEffective())

	high := 0.8
	strategy.EffectivenessScore = &high
	assert.True(t, strategy.IsEffective())
}

func TestEndpointValidate(t *testing.T) {
	require.NoError(t, NewEndpoint("21541", "speedtest.dialog.lk", 8080, "Colombo", "Sri Lanka", "Dialog").Validate())
	assert.Error(t, NewEndpoint("", "host", 8080, "", "", "").Validate())
	assert.Error(t, NewEndpoint("1", "", 8080, "", "", "").Validate())
	assert.Error(t, NewEndpoint("1", "host", 0, "", "", "").Validate())
	assert.Error(t, NewEndpoint("1", "host", 70000, "", "", "").Validate())
}

func TestEndpointIsSuitableForRegion(t *testing.T) {
	sg := NewEndpoint("1", "sg.example.com", 8080, "Singapore", "Singapore", "DO")
	in := NewEndpoint("2", "in.example.com", 8080, "Bangalore", "India", "DO")
	us := NewEndpoint("3", "us.example.com", 8080, "New York", "United States", "DO")

	// Соседние страны пригодны для Шри-Ланки
	assert.True(t, sg.IsSuitableForRegion("Sri Lanka"))
	assert.True(t, in.IsSuitableForRegion("Sri Lanka"))
	assert.False(t, us.IsSuitableForRegion("Sri Lanka"))

	assert.True(t, sg.IsSuitableForRegion("Singapore"))
}

package models

import (
	"fmt"
	"strings"
	"time"
)

// StealthLevel уровень маскировки трафика
type StealthLevel int

const (
	StealthLow StealthLevel = iota
	StealthMedium
	StealthHigh
	StealthMaximum
)

// Закрытая таблица соответствия уровней маскировки и строк для хранения
var stealthLevelNames = map[StealthLevel]string{
	StealthLow:     "Low",
	StealthMedium:  "Medium",
	StealthHigh:    "High",
	StealthMaximum: "Maximum",
}

// String возвращает строковое представление уровня для базы данных
func (l StealthLevel) String() string {
	if name, ok := stealthLevelNames[l]; ok {
		return name
	}
	return "Medium"
}

// ParseStealthLevel восстанавливает уровень из строки; неизвестные значения дают Medium
func ParseStealthLevel(s string) StealthLevel {
	for level, name := range stealthLevelNames {
		if name == s {
			return level
		}
	}
	return StealthMedium
}

// SpeedSample представляет одно измерение скорости соединения
type SpeedSample struct {
	ID                 int64
	Timestamp          time.Time
	DownloadMbps       float64
	UploadMbps         float64
	LatencyMs          int
	OptimizationActive bool
	Confidence         float64
}

// NewSpeedSample создает измерение с текущим временем и полной уверенностью
func NewSpeedSample(downloadMbps, uploadMbps float64, latencyMs int, optimizationActive bool) *SpeedSample {
	return &SpeedSample{
		Timestamp:          time.Now().UTC(),
		DownloadMbps:       downloadMbps,
		UploadMbps:         uploadMbps,
		LatencyMs:          latencyMs,
		OptimizationActive: optimizationActive,
		Confidence:         1.0,
	}
}

// Validate проверяет корректность измерения
func (s *SpeedSample) Validate() error {
	if s.DownloadMbps < 0 {
		return fmt.Errorf("скорость загрузки не может быть отрицательной: %f", s.DownloadMbps)
	}
	if s.UploadMbps < 0 {
		return fmt.Errorf("скорость отдачи не может быть отрицательной: %f", s.UploadMbps)
	}
	if s.LatencyMs < 0 || s.LatencyMs > 10000 {
		return fmt.Errorf("задержка вне допустимого диапазона 0-10000мс: %d", s.LatencyMs)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("уверенность должна быть в диапазоне 0.0-1.0: %f", s.Confidence)
	}
	return nil
}

// IsGoodPerformance признак хорошей производительности соединения
func (s *SpeedSample) IsGoodPerformance() bool {
	return s.DownloadMbps > 10.0 && s.UploadMbps > 1.0 && s.LatencyMs < 100
}

// PerformanceScore сводная оценка производительности от 0.0 до 1.0
func (s *SpeedSample) PerformanceScore() float64 {
	downloadScore := min(s.DownloadMbps/100.0, 1.0)
	uploadScore := min(s.UploadMbps/20.0, 1.0)
	latencyScore := max(1.0-float64(s.LatencyMs)/1000.0, 0.0)

	return (downloadScore*0.5 + uploadScore*0.3 + latencyScore*0.2) * s.Confidence
}

// ISPProfile профиль обнаруженного интернет-провайдера
type ISPProfile struct {
	ID              int64
	Name            string
	Region          string
	DetectionMethod string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewISPProfile создает профиль провайдера
func NewISPProfile(name, region, detectionMethod string) *ISPProfile {
	now := time.Now().UTC()
	return &ISPProfile{
		Name:            name,
		Region:          region,
		DetectionMethod: detectionMethod,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Validate проверяет корректность профиля
func (p *ISPProfile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("имя провайдера не может быть пустым")
	}
	if strings.TrimSpace(p.Region) == "" {
		return fmt.Errorf("регион провайдера не может быть пустым")
	}
	return nil
}

// Touch обновляет отметку времени изменения профиля
func (p *ISPProfile) Touch() {
	p.UpdatedAt = time.Now().UTC()
}

// Закрытый список провайдеров с известной практикой шейпинга
var knownThrottlingISPs = []string{"hutch", "dialog", "mobitel", "airtel"}

// IsKnownThrottlingISP признак провайдера с известной практикой ограничения скорости
func (p *ISPProfile) IsKnownThrottlingISP() bool {
	name := strings.ToLower(p.Name)
	for _, isp := range knownThrottlingISPs {
		if strings.Contains(name, isp) {
			return true
		}
	}
	return false
}

// ThrottlingWindow выявленное окно ограничения скорости провайдером
type ThrottlingWindow struct {
	ID          int64
	StartHour   int
	StartMinute int
	EndHour     int
	EndMinute   int
	Weekdays    []time.Weekday
	Severity    float64
	Confidence  float64
}

// Validate проверяет корректность окна
func (w *ThrottlingWindow) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return fmt.Errorf("час начала вне диапазона 0-23: %d", w.StartHour)
	}
	if w.EndHour < 0 || w.EndHour > 23 {
		return fmt.Errorf("час окончания вне диапазона 0-23: %d", w.EndHour)
	}
	if w.StartMinute < 0 || w.StartMinute > 59 {
		return fmt.Errorf("минута начала вне диапазона 0-59: %d", w.StartMinute)
	}
	if w.EndMinute < 0 || w.EndMinute > 59 {
		return fmt.Errorf("минута окончания вне диапазона 0-59: %d", w.EndMinute)
	}
	if w.Severity < 0 || w.Severity > 1 {
		return fmt.Errorf("серьезность должна быть в диапазоне 0.0-1.0: %f", w.Severity)
	}
	if w.Confidence < 0 || w.Confidence > 1 {
		return fmt.Errorf("уверенность должна быть в диапазоне 0.0-1.0: %f", w.Confidence)
	}
	return nil
}

// IsActiveAt проверяет, действует ли окно в указанный момент
func (w *ThrottlingWindow) IsActiveAt(t time.Time) bool {
	weekdayMatch := false
	for _, d := range w.Weekdays {
		if d == t.Weekday() {
			weekdayMatch = true
			break
		}
	}
	if !weekdayMatch {
		return false
	}

	startMinutes := w.StartHour*60 + w.StartMinute
	endMinutes := w.EndHour*60 + w.EndMinute
	currentMinutes := t.Hour()*60 + t.Minute()

	// Окна, пересекающие полночь
	if startMinutes > endMinutes {
		return currentMinutes >= startMinutes || currentMinutes <= endMinutes
	}
	return currentMinutes >= startMinutes && currentMinutes <= endMinutes
}

// Description человекочитаемое описание окна
func (w *ThrottlingWindow) Description() string {
	days := make([]string, len(w.Weekdays))
	for i, d := range w.Weekdays {
		days[i] = d.String()
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d по %s (серьезность: %.1f%%)",
		w.StartHour, w.StartMinute, w.EndHour, w.EndMinute,
		strings.Join(days, ", "), w.Severity*100)
}

// AllWeekdays все дни недели, для окон без привязки к конкретным дням
func AllWeekdays() []time.Weekday {
	return []time.Weekday{
		time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday,
	}
}

// OptimizationStrategy конфигурация стратегии оптимизации
type OptimizationStrategy struct {
	ID                 int64
	Name               string
	RotationInterval   time.Duration
	PacketTimingMin    time.Duration
	PacketTimingMax    time.Duration
	ConnectionCount    int
	TrafficIntensity   float64
	StealthLevel       StealthLevel
	EffectivenessScore *float64
	CreatedAt          time.Time
}

// DefaultStrategy стандартная стратегия для большинства провайдеров
func DefaultStrategy() *OptimizationStrategy {
	return &OptimizationStrategy{
		Name:             "Default",
		RotationInterval: 10 * time.Minute,
		PacketTimingMin:  30 * time.Second,
		PacketTimingMax:  60 * time.Second,
		ConnectionCount:  3,
		TrafficIntensity: 0.5,
		StealthLevel:     StealthMedium,
		CreatedAt:        time.Now().UTC(),
	}
}

// HighStealthStrategy стратегия повышенной маскировки для агрессивных провайдеров
func HighStealthStrategy() *OptimizationStrategy {
	return &OptimizationStrategy{
		Name:             "High Stealth",
		RotationInterval: 5 * time.Minute,
		PacketTimingMin:  45 * time.Second,
		PacketTimingMax:  90 * time.Second,
		ConnectionCount:  2,
		TrafficIntensity: 0.3,
		StealthLevel:     StealthHigh,
		CreatedAt:        time.Now().UTC(),
	}
}

// Validate проверяет корректность стратегии
func (s *OptimizationStrategy) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("имя стратегии не может быть пустым")
	}
	if s.ConnectionCount < 1 || s.ConnectionCount > 10 {
		return fmt.Errorf("число соединений вне диапазона 1-10: %d", s.ConnectionCount)
	}
	if s.TrafficIntensity < 0 || s.TrafficIntensity > 1 {
		return fmt.Errorf("интенсивность трафика должна быть в диапазоне 0.0-1.0: %f", s.TrafficIntensity)
	}
	if s.PacketTimingMin >= s.PacketTimingMax {
		return fmt.Errorf("минимальный интервал пакетов %v должен быть меньше максимального %v", s.PacketTimingMin, s.PacketTimingMax)
	}
	if s.EffectivenessScore != nil {
		if *s.EffectivenessScore < 0 || *s.EffectivenessScore > 1 {
			return fmt.Errorf("оценка эффективности должна быть в диапазоне 0.0-1.0: %f", *s.EffectivenessScore)
		}
	}
	return nil
}

// IsEffective признак стратегии с подтвержденной эффективностью
func (s *OptimizationStrategy) IsEffective() bool {
	return s.EffectivenessScore != nil && *s.EffectivenessScore > 0.6
}

// Endpoint сервер измерения скорости, кандидат для маскирующего трафика
type Endpoint struct {
	ID        int64
	ServerID  string
	Host      string
	Port      int
	Name      string
	Country   string
	Sponsor   string
	Distance  *float64
	LatencyMs *float64
	IsActive  bool
	LastUsed  *time.Time
}

// NewEndpoint создает запись о сервере
func NewEndpoint(serverID, host string, port int, name, country, sponsor string) *Endpoint {
	return &Endpoint{
		ServerID: serverID,
		Host:     host,
		Port:     port,
		Name:     name,
		Country:  country,
		Sponsor:  sponsor,
		IsActive: true,
	}
}

// Validate проверяет корректность записи о сервере
func (e *Endpoint) Validate() error {
	if strings.TrimSpace(e.ServerID) == "" {
		return fmt.Errorf("идентификатор сервера не может быть пустым")
	}
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("адрес сервера не может быть пустым")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return fmt.Errorf("порт сервера вне допустимого диапазона: %d", e.Port)
	}
	return nil
}

// MarkUsed отмечает сервер как недавно использованный
func (e *Endpoint) MarkUsed() {
	now := time.Now().UTC()
	e.LastUsed = &now
}

// IsSuitableForRegion проверяет пригодность сервера для региона
func (e *Endpoint) IsSuitableForRegion(region string) bool {
	regionLower := strings.ToLower(region)
	countryLower := strings.ToLower(e.Country)

	if strings.Contains(countryLower, regionLower) {
		return true
	}

	// Региональная близость для Шри-Ланки
	if strings.Contains(regionLower, "sri lanka") || strings.Contains(regionLower, "lanka") {
		return strings.Contains(countryLower, "singapore") ||
			strings.Contains(countryLower, "india") ||
			strings.Contains(countryLower, "sri lanka")
	}

	return false
}

package intelligence

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/skalibog/speedkeeper/internal/config"
	"github.com/skalibog/speedkeeper/internal/storage"
	"github.com/skalibog/speedkeeper/pkg/logger"
	"github.com/skalibog/speedkeeper/pkg/models"
	"go.uber.org/zap"
)

// Core интерфейс решающего ядра системы
type Core interface {
	// Analyze выявляет окна шейпинга и базовую скорость по накопленным данным
	Analyze(ctx context.Context) (*PatternAnalysis, error)

	// Decide определяет, нужно ли включать оптимизацию
	Decide(ctx context.Context) (*Decision, error)

	// Train обучает модель на исторических данных
	Train(ctx context.Context) error

	// Status возвращает текущее состояние системы
	Status(ctx context.Context) (*SystemStatus, error)
}

// Engine статистическое решающее ядро на основе накопленных измерений
type Engine struct {
	store storage.Storage
	cfg   config.IntelligenceConfig

	mu    sync.RWMutex
	model *PatternLearningModel
}

// NewEngine создает решающее ядро
func NewEngine(store storage.Storage, cfg config.IntelligenceConfig) *Engine {
	return &Engine{
		store: store,
		cfg:   cfg,
		model: NewPatternLearningModel(),
	}
}

// Model возвращает снимок текущей модели
func (e *Engine) Model() PatternLearningModel {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return *e.model
}

// seriesMean среднее значение ряда
func seriesMean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) < 2 {
		return values[0]
	}
	sma := talib.Sma(values, len(values))
	return sma[len(sma)-1]
}

// seriesVariance дисперсия ряда
func seriesVariance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	v := talib.Var(values, len(values))
	return v[len(v)-1]
}

// Train обучает модель на измерениях за обучающее окно
func (e *Engine) Train(ctx context.Context) error {
	since := time.Now().UTC().AddDate(0, 0, -e.cfg.TrainingWindowDays)
	samples, err := e.store.SamplesSince(ctx, since)
	if err != nil {
		return fmt.Errorf("ошибка загрузки измерений для обучения: %w", err)
	}

	// Недостаточно данных для осмысленного обучения
	if len(samples) < 50 {
		logger.Debug("Обучение пропущено: недостаточно измерений", zap.Int("count", len(samples)))
		return nil
	}

	if err := e.learnAdvancedPatterns(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Базовое обучение, если расширенного окна не хватило
	if len(e.model.TemporalWeights) == 0 {
		e.learnTemporalBasic(samples)
	}

	if len(e.model.StrategyEffectiveness) == 0 {
		if err := e.learnStrategyEffectivenessLocked(ctx); err != nil {
			return err
		}
	}

	if len(e.model.ISPParameters) == 0 {
		if err := e.learnISPDefaultsLocked(ctx); err != nil {
			return err
		}
	}

	e.model.TrainingSamples = len(samples)
	e.model.LastUpdated = time.Now().UTC()
	e.recomputeModelConfidenceLocked()

	logger.Info("Модель обучена",
		zap.Int("samples", len(samples)),
		zap.Float64("confidence", e.model.ModelConfidence))
	return nil
}

// learnAdvancedPatterns расширенное обучение на длинном окне данных
func (e *Engine) learnAdvancedPatterns(ctx context.Context) error {
	since := time.Now().UTC().AddDate(0, 0, -e.cfg.AdvancedWindowDays)
	samples, err := e.store.SamplesSince(ctx, since)
	if err != nil {
		return fmt.Errorf("ошибка загрузки измерений для расширенного обучения: %w", err)
	}

	// Расширенное обучение требует большего объема данных
	if len(samples) < 100 {
		return nil
	}

	profile, err := e.store.CurrentISPProfile(ctx)
	if err != nil {
		return fmt.Errorf("ошибка загрузки профиля провайдера: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.learnTemporalAdvancedLocked(samples)
	e.learnISPPatternsLocked(samples, profile)
	e.learnEffectivenessPatternsLocked(samples)
	e.recomputeModelConfidenceLocked()

	return nil
}

// learnTemporalAdvancedLocked вычисляет временные веса с учетом устойчивости показателей.
// Вес объединяет среднюю производительность и постоянство: часы со стабильно
// низкой скоростью получают низкий вес и трактуются как окна шейпинга.
func (e *Engine) learnTemporalAdvancedLocked(samples []*models.SpeedSample) {
	hourly := make(map[int][]float64)
	weekly := make(map[time.Weekday][]float64)

	for _, s := range samples {
		score := s.PerformanceScore()
		hourly[s.Timestamp.Hour()] = append(hourly[s.Timestamp.Hour()], score)
		weekly[s.Timestamp.Weekday()] = append(weekly[s.Timestamp.Weekday()], score)
	}

	for hour, scores := range hourly {
		if len(scores) >= 5 {
			mean := seriesMean(scores)
			variance := seriesVariance(scores)
			e.model.TemporalWeights[hour] = mean * (1.0 / (1.0 + variance))
		}
	}

	for weekday, scores := range weekly {
		if len(scores) >= 5 {
			mean := seriesMean(scores)
			variance := seriesVariance(scores)
			e.model.WeeklyWeights[weekday] = mean * (1.0 / (1.0 + variance))
		}
	}
}

// learnTemporalBasic простые средние веса по часам и дням недели
func (e *Engine) learnTemporalBasic(samples []*models.SpeedSample) {
	hourly := make(map[int][]float64)
	weekly := make(map[time.Weekday][]float64)

	for _, s := range samples {
		score := s.PerformanceScore()
		hourly[s.Timestamp.Hour()] = append(hourly[s.Timestamp.Hour()], score)
		weekly[s.Timestamp.Weekday()] = append(weekly[s.Timestamp.Weekday()], score)
	}

	for hour, scores := range hourly {
		if len(scores) >= 3 {
			e.model.TemporalWeights[hour] = seriesMean(scores)
		}
	}
	for weekday, scores := range weekly {
		if len(scores) >= 3 {
			e.model.WeeklyWeights[weekday] = seriesMean(scores)
		}
	}
}

// learnISPPatternsLocked выучивает параметры оптимизации для текущего провайдера
func (e *Engine) learnISPPatternsLocked(samples []*models.SpeedSample, profile *models.ISPProfile) {
	if profile == nil {
		return
	}

	var optimized []*models.SpeedSample
	for _, s := range samples {
		if s.OptimizationActive {
			optimized = append(optimized, s)
		}
	}
	if len(optimized) < 20 {
		return
	}

	// Эффективность оптимизации по часам суток
	hourlyEffectiveness := make(map[int][]float64)
	for _, s := range optimized {
		hourlyEffectiveness[s.Timestamp.Hour()] = append(hourlyEffectiveness[s.Timestamp.Hour()], s.PerformanceScore())
	}

	var avgEffectiveness float64
	var totalSamples int
	for _, scores := range hourlyEffectiveness {
		if len(scores) >= 3 {
			avgEffectiveness += seriesMean(scores) * float64(len(scores))
			totalSamples += len(scores)
		}
	}
	if totalSamples > 0 {
		avgEffectiveness /= float64(totalSamples)
	}

	// Уровень маскировки по характеру провайдера и достигнутой эффективности
	optimalStealth := models.StealthMedium
	if profile.IsKnownThrottlingISP() {
		if avgEffectiveness > 0.8 {
			optimalStealth = models.StealthHigh
		} else {
			optimalStealth = models.StealthMaximum
		}
	}

	var detectionRisk float64
	switch {
	case avgEffectiveness < 0.5:
		// Падающая эффективность указывает на противодействие провайдера
		detectionRisk = 0.9
	case profile.IsKnownThrottlingISP():
		detectionRisk = 0.6
	default:
		detectionRisk = 0.3
	}

	rotation := 10 * time.Minute
	intensity := 0.5
	if detectionRisk > 0.7 {
		rotation = 5 * time.Minute
		intensity = 0.3
	}

	e.model.ISPParameters[profile.Name] = &ISPLearningParams{
		OptimalStealthLevel:     optimalStealth,
		OptimalRotationInterval: rotation,
		OptimalTrafficIntensity: intensity,
		DetectionRisk:           detectionRisk,
		Confidence:              math.Min(float64(totalSamples)/50.0, 1.0),
	}
}

// learnEffectivenessPatternsLocked оценивает эффективность текущей стратегии
func (e *Engine) learnEffectivenessPatternsLocked(samples []*models.SpeedSample) {
	var optimized, baseline []*models.SpeedSample
	for _, s := range samples {
		if s.OptimizationActive {
			optimized = append(optimized, s)
		} else {
			baseline = append(baseline, s)
		}
	}

	if len(optimized) < 10 || len(baseline) < 10 {
		return
	}

	baselineAvg := avgDownload(baseline)
	optimizedAvg := avgDownload(optimized)

	improvement := 1.0
	if baselineAvg > 0 {
		improvement = optimizedAvg / baselineAvg
	}

	successRate := math.Max(improvement-1.0, 0)
	if improvement > 1.2 {
		successRate = 1.0
	}

	// Тренд: сравнение недавних измерений с более старыми
	recentCutoff := time.Now().UTC().AddDate(0, 0, -7)
	var recent, older []*models.SpeedSample
	for _, s := range optimized {
		if s.Timestamp.After(recentCutoff) {
			recent = append(recent, s)
		} else {
			older = append(older, s)
		}
	}

	var trend float64
	if len(recent) > 0 && len(older) > 0 {
		olderAvg := avgDownload(older)
		if olderAvg > 0 {
			trend = (avgDownload(recent) - olderAvg) / olderAvg
		}
	}

	e.model.StrategyEffectiveness["Default"] = &StrategyEffectiveness{
		AvgImprovement: improvement,
		SampleCount:    len(optimized),
		SuccessRate:    successRate,
		Confidence:     effectivenessConfidence(len(optimized), len(baseline), improvement),
		Trend:          trend,
		LastUsed:       time.Now().UTC(),
	}
}

// learnStrategyEffectivenessLocked базовая оценка эффективности известных стратегий
func (e *Engine) learnStrategyEffectivenessLocked(ctx context.Context) error {
	strategies := []*models.OptimizationStrategy{
		models.DefaultStrategy(),
		models.HighStealthStrategy(),
	}

	since := time.Now().UTC().AddDate(0, 0, -14)
	samples, err := e.store.SamplesSince(ctx, since)
	if err != nil {
		return fmt.Errorf("ошибка загрузки измерений для оценки стратегий: %w", err)
	}

	var optimized, baseline []*models.SpeedSample
	for _, s := range samples {
		if s.OptimizationActive {
			optimized = append(optimized, s)
		} else {
			baseline = append(baseline, s)
		}
	}

	for _, strategy := range strategies {
		effectiveness := NewStrategyEffectiveness()

		if len(optimized) >= 5 && len(baseline) >= 5 {
			baselineAvg := avgDownload(baseline)
			improvement := 1.0
			if baselineAvg > 0 {
				improvement = avgDownload(optimized) / baselineAvg
			}

			successRate := math.Min(math.Max(improvement-1.0, 0), 1.0)
			if improvement > 1.2 {
				successRate = 1.0
			}

			effectiveness.AvgImprovement = improvement
			effectiveness.SampleCount = len(optimized)
			effectiveness.SuccessRate = successRate
			effectiveness.Confidence = effectivenessConfidence(len(optimized), len(baseline), improvement)
		}

		e.model.StrategyEffectiveness[strategy.Name] = effectiveness
	}

	return nil
}

// learnISPDefaultsLocked параметры провайдера по умолчанию до накопления данных
func (e *Engine) learnISPDefaultsLocked(ctx context.Context) error {
	profile, err := e.store.CurrentISPProfile(ctx)
	if err != nil {
		return fmt.Errorf("ошибка загрузки профиля провайдера: %w", err)
	}
	if profile == nil {
		return nil
	}

	params := &ISPLearningParams{
		OptimalStealthLevel:     models.StealthMedium,
		OptimalRotationInterval: 10 * time.Minute,
		OptimalTrafficIntensity: 0.5,
		DetectionRisk:           0.3,
		Confidence:              0.6,
	}
	if profile.IsKnownThrottlingISP() {
		params.OptimalStealthLevel = models.StealthHigh
		params.DetectionRisk = 0.7
	}

	e.model.ISPParameters[profile.Name] = params
	return nil
}

// recomputeModelConfidenceLocked пересчитывает итоговую уверенность модели
func (e *Engine) recomputeModelConfidenceLocked() {
	dataConfidence := math.Min(float64(e.model.TrainingSamples)/1000.0, 1.0)

	var strategyConfidence float64
	if len(e.model.StrategyEffectiveness) > 0 {
		for _, s := range e.model.StrategyEffectiveness {
			strategyConfidence += s.Confidence
		}
		strategyConfidence /= float64(len(e.model.StrategyEffectiveness))
	}

	temporalConfidence := 0.4
	if len(e.model.TemporalWeights) >= 12 {
		temporalConfidence = 0.8
	}

	e.model.ModelConfidence = math.Min(
		dataConfidence*0.3+strategyConfidence*0.4+temporalConfidence*0.3, 1.0)
}

// effectivenessConfidence уверенность в оценке эффективности
func effectivenessConfidence(optimizedSamples, baselineSamples int, improvement float64) float64 {
	sampleConfidence := math.Min(float64(optimizedSamples+baselineSamples)/100.0, 1.0)

	improvementConfidence := 0.5
	switch {
	case improvement > 1.5:
		improvementConfidence = 1.0
	case improvement > 1.2:
		improvementConfidence = 0.8
	}

	return math.Min(sampleConfidence*0.6+improvementConfidence*0.4, 1.0)
}

// avgDownload средняя скорость загрузки по измерениям
func avgDownload(samples []*models.SpeedSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.DownloadMbps
	}
	return seriesMean(values)
}

// Analyze выявляет окна шейпинга и базовую скорость
func (e *Engine) Analyze(ctx context.Context) (*PatternAnalysis, error) {
	since := time.Now().UTC().AddDate(0, 0, -e.cfg.MinLearningDays)
	samples, err := e.store.SamplesSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки измерений для анализа: %w", err)
	}

	if len(samples) < 20 {
		return &PatternAnalysis{}, nil
	}

	var baseline []*models.SpeedSample
	for _, s := range samples {
		if !s.OptimizationActive {
			baseline = append(baseline, s)
		}
	}
	baselineSpeed := avgDownload(baseline)

	e.mu.RLock()
	defer e.mu.RUnlock()

	// Часы с низким весом трактуются как окна шейпинга
	var windows []models.ThrottlingWindow
	for hour, weight := range e.model.TemporalWeights {
		if weight < 0.6 {
			windows = append(windows, models.ThrottlingWindow{
				StartHour:   hour,
				StartMinute: 0,
				EndHour:     hour,
				EndMinute:   59,
				Weekdays:    models.AllWeekdays(),
				Severity:    math.Min(math.Max(1.0-weight, 0), 1.0),
				Confidence:  e.model.ModelConfidence,
			})
		}
	}
	sort.Slice(windows, func(i, j int) bool {
		return windows[i].StartHour < windows[j].StartHour
	})

	analysis := &PatternAnalysis{
		ThrottlingWindows:  windows,
		BaselineSpeed:      baselineSpeed,
		ConfidenceLevel:    e.model.ModelConfidence,
		DataCollectionDays: len(samples) / 24,
	}

	profile, err := e.store.CurrentISPProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки профиля провайдера: %w", err)
	}
	if profile != nil {
		analysis.ISPName = profile.Name
	}

	return analysis, nil
}

// Decide определяет, нужно ли включать оптимизацию
func (e *Engine) Decide(ctx context.Context) (*Decision, error) {
	analysis, err := e.Analyze(ctx)
	if err != nil {
		return nil, err
	}

	shouldActivate := analysis.ConfidenceLevel > 0.6 &&
		analysis.BaselineSpeed > 0 &&
		len(analysis.ThrottlingWindows) > 0

	var reason string
	switch {
	case shouldActivate:
		reason = "обнаружены окна шейпинга с достаточной уверенностью"
	case analysis.ConfidenceLevel <= 0.6:
		reason = "недостаточная уверенность в накопленных данных"
	default:
		reason = "значимых окон шейпинга не обнаружено"
	}

	decision := &Decision{
		ShouldActivate: shouldActivate,
		Reason:         reason,
		Confidence:     analysis.ConfidenceLevel,
	}

	if shouldActivate {
		e.mu.RLock()
		best := 1.0
		for _, s := range e.model.StrategyEffectiveness {
			if s.AvgImprovement > best {
				best = s.AvgImprovement
			}
		}
		e.mu.RUnlock()
		decision.EstimatedImprovement = &best
	}

	return decision, nil
}

// Status возвращает текущее состояние системы
func (e *Engine) Status(ctx context.Context) (*SystemStatus, error) {
	analysis, err := e.Analyze(ctx)
	if err != nil {
		return nil, err
	}

	if analysis.DataCollectionDays < e.cfg.MinLearningDays {
		progress := &LearningProgress{
			DaysCollected:      analysis.DataCollectionDays,
			DaysNeeded:         e.cfg.MinLearningDays,
			ProgressPercentage: float64(analysis.DataCollectionDays) / float64(e.cfg.MinLearningDays) * 100.0,
		}
		return &SystemStatus{
			State: StateLearning,
			Message: fmt.Sprintf("Изучение сетевых закономерностей (%d из %d дней)",
				analysis.DataCollectionDays, e.cfg.MinLearningDays),
			Progress: progress,
		}, nil
	}

	if analysis.ConfidenceLevel > 0.6 {
		e.mu.RLock()
		best := 1.0
		for _, s := range e.model.StrategyEffectiveness {
			if s.AvgImprovement > best {
				best = s.AvgImprovement
			}
		}
		e.mu.RUnlock()

		effectiveness := &EffectivenessMetrics{
			ImprovementFactor: best,
			BaselineSpeed:     analysis.BaselineSpeed,
			OptimizedSpeed:    analysis.BaselineSpeed * 1.5,
			Confidence:        analysis.ConfidenceLevel,
			LastUpdated:       time.Now().UTC(),
		}
		return &SystemStatus{
			State:         StateOptimizing,
			Message:       fmt.Sprintf("Оптимизация активна (улучшение в %.1f раза)", best),
			Effectiveness: effectiveness,
		}, nil
	}

	return &SystemStatus{
		State:   StateMonitoring,
		Message: "Наблюдение за сетевыми закономерностями",
	}, nil
}

// AnalyzeEffectiveness полный анализ эффективности оптимизации
func (e *Engine) AnalyzeEffectiveness(ctx context.Context) (*EffectivenessAnalysis, error) {
	since := time.Now().UTC().AddDate(0, 0, -30)
	samples, err := e.store.SamplesSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки измерений для анализа эффективности: %w", err)
	}

	if len(samples) < 50 {
		return &EffectivenessAnalysis{
			CurrentEffectiveness: EffectivenessMetrics{
				ImprovementFactor: 1.0,
				LastUpdated:       time.Now().UTC(),
			},
			BaselineComparison: BaselineComparison{ImprovementFactor: 1.0},
		}, nil
	}

	var optimized, baseline []*models.SpeedSample
	for _, s := range samples {
		if s.OptimizationActive {
			optimized = append(optimized, s)
		} else {
			baseline = append(baseline, s)
		}
	}

	comparison := baselineComparison(baseline, optimized)

	current := EffectivenessMetrics{
		ImprovementFactor: comparison.ImprovementFactor,
		BaselineSpeed:     comparison.BaselineSpeed,
		OptimizedSpeed:    comparison.OptimizedSpeed,
		Confidence:        effectivenessConfidence(len(optimized), len(baseline), comparison.ImprovementFactor),
		LastUpdated:       time.Now().UTC(),
	}

	e.mu.RLock()
	rankings := e.strategyRankingsLocked()
	recommendations := e.recommendationsLocked()
	modelConfidence := e.model.ModelConfidence
	e.mu.RUnlock()

	confidence := math.Min(float64(len(samples))/500.0, 1.0)*0.4 +
		current.Confidence*0.4 +
		modelConfidence*0.2

	return &EffectivenessAnalysis{
		CurrentEffectiveness: current,
		BaselineComparison:   comparison,
		StrategyRankings:     rankings,
		Recommendations:      recommendations,
		Confidence:           confidence,
	}, nil
}

// baselineComparison сравнение скорости с оптимизацией и без
func baselineComparison(baseline, optimized []*models.SpeedSample) BaselineComparison {
	baselineSpeed := avgDownload(baseline)
	optimizedSpeed := avgDownload(optimized)

	improvement := 1.0
	if baselineSpeed > 0 {
		improvement = optimizedSpeed / baselineSpeed
	}

	return BaselineComparison{
		BaselineSpeed:     baselineSpeed,
		OptimizedSpeed:    optimizedSpeed,
		ImprovementFactor: improvement,
		Significance:      statisticalSignificance(baseline, optimized),
	}
}

// statisticalSignificance значимость улучшения по приближенному t-критерию
func statisticalSignificance(baseline, optimized []*models.SpeedSample) float64 {
	if len(baseline) < 5 || len(optimized) < 5 {
		return 0
	}

	baselineValues := make([]float64, len(baseline))
	for i, s := range baseline {
		baselineValues[i] = s.DownloadMbps
	}
	optimizedValues := make([]float64, len(optimized))
	for i, s := range optimized {
		optimizedValues[i] = s.DownloadMbps
	}

	baselineMean := seriesMean(baselineValues)
	optimizedMean := seriesMean(optimizedValues)

	// Выборочная дисперсия из смещенной оценки
	nb := float64(len(baselineValues))
	no := float64(len(optimizedValues))
	baselineVariance := seriesVariance(baselineValues) * nb / (nb - 1)
	optimizedVariance := seriesVariance(optimizedValues) * no / (no - 1)

	pooledVariance := (baselineVariance + optimizedVariance) / 2.0
	if pooledVariance <= 0 {
		return 0
	}

	standardError := math.Sqrt(pooledVariance * (1.0/nb + 1.0/no))
	if standardError <= 0 {
		return 0
	}

	tStatistic := (optimizedMean - baselineMean) / standardError
	return math.Min(math.Abs(tStatistic)/3.0, 1.0)
}

// strategyRankingsLocked рейтинг стратегий по эффективности
func (e *Engine) strategyRankingsLocked() []StrategyRanking {
	var rankings []StrategyRanking
	for name, effectiveness := range e.model.StrategyEffectiveness {
		rankings = append(rankings, StrategyRanking{
			StrategyName:       name,
			EffectivenessScore: effectiveness.AvgImprovement - 1.0,
			Confidence:         effectiveness.Confidence,
			SampleCount:        effectiveness.SampleCount,
		})
	}

	sort.Slice(rankings, func(i, j int) bool {
		return rankings[i].EffectivenessScore > rankings[j].EffectivenessScore
	})
	return rankings
}

// recommendationsLocked рекомендации на основе выученных закономерностей
func (e *Engine) recommendationsLocked() []Recommendation {
	var recommendations []Recommendation

	for _, params := range e.model.ISPParameters {
		if params.DetectionRisk > 0.6 {
			recommendations = append(recommendations, Recommendation{
				Type:                RecommendStealthAdjustment,
				Description:         "Повысить уровень маскировки, чтобы избежать обнаружения провайдером",
				ExpectedImprovement: 1.2,
				Confidence:          params.Confidence,
				Priority:            1,
			})
		}
		break
	}

	var bestName string
	var best *StrategyEffectiveness
	for name, effectiveness := range e.model.StrategyEffectiveness {
		if best == nil || effectiveness.AvgImprovement > best.AvgImprovement {
			bestName = name
			best = effectiveness
		}
	}
	if best != nil && best.AvgImprovement > 1.5 && best.Confidence > 0.7 {
		recommendations = append(recommendations, Recommendation{
			Type:                RecommendStrategySwitch,
			Description:         fmt.Sprintf("Перейти на стратегию '%s' для лучшей производительности", bestName),
			ExpectedImprovement: best.AvgImprovement,
			Confidence:          best.Confidence,
			Priority:            2,
		})
	}

	var peakHours []int
	for hour, weight := range e.model.TemporalWeights {
		if weight < 0.5 {
			peakHours = append(peakHours, hour)
		}
	}
	sort.Ints(peakHours)
	if len(peakHours) > 0 {
		recommendations = append(recommendations, Recommendation{
			Type:                RecommendTimingOptimization,
			Description:         fmt.Sprintf("Сосредоточить оптимизацию в часы пикового шейпинга: %v", peakHours),
			ExpectedImprovement: 2.0,
			Confidence:          0.8,
			Priority:            1,
		})
	}

	return recommendations
}

// Recommendations снимок рекомендаций по улучшению оптимизации
func (e *Engine) Recommendations() []Recommendation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.recommendationsLocked()
}

// HourScore оценка выгодности часа для оптимизации
type HourScore struct {
	Hour  int
	Score float64
}

// PredictOptimalTimes часы, наиболее выгодные для оптимизации.
// Низкие временные веса указывают на шейпинг, когда оптимизация полезнее всего.
func (e *Engine) PredictOptimalTimes() []HourScore {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var times []HourScore
	for hour, weight := range e.model.TemporalWeights {
		if weight < 0.6 {
			times = append(times, HourScore{Hour: hour, Score: 1.0 - weight})
		}
	}

	sort.Slice(times, func(i, j int) bool {
		return times[i].Score > times[j].Score
	})
	return times
}

// TimeConfidence сводный вес для конкретного часа и дня недели
func (e *Engine) TimeConfidence(hour int, weekday time.Weekday) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.timeConfidenceLocked(hour, weekday)
}

func (e *Engine) timeConfidenceLocked(hour int, weekday time.Weekday) float64 {
	hourly, ok := e.model.TemporalWeights[hour]
	if !ok {
		hourly = 0.5
	}
	weekly, ok := e.model.WeeklyWeights[weekday]
	if !ok {
		weekly = 0.5
	}
	return math.Min(hourly*0.7+weekly*0.3, 1.0)
}

// IsFavorableTime благоприятен ли указанный момент для оптимизации.
// Низкий сводный вес указывает на шейпинг при достаточной уверенности модели.
func (e *Engine) IsFavorableTime(t time.Time) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	confidence := e.timeConfidenceLocked(t.Hour(), t.Weekday())
	return confidence < 0.6 && e.model.ModelConfidence > 0.5
}

// OptimalStrategy лучшая стратегия для текущего провайдера и условий
func (e *Engine) OptimalStrategy(ctx context.Context) (*models.OptimizationStrategy, error) {
	// Сначала лучшая сохраненная стратегия
	stored, err := e.store.BestStrategy(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки стратегий: %w", err)
	}
	if stored != nil {
		return stored, nil
	}

	// Стратегия из выученных параметров провайдера
	profile, err := e.store.CurrentISPProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки профиля провайдера: %w", err)
	}

	if profile != nil {
		e.mu.RLock()
		params, ok := e.model.ISPParameters[profile.Name]
		e.mu.RUnlock()

		if ok {
			timingMin := 30 * time.Second
			timingMax := 60 * time.Second
			connections := 3
			if params.DetectionRisk > 0.7 {
				timingMin = 45 * time.Second
				timingMax = 90 * time.Second
				connections = 2
			}

			confidence := params.Confidence
			return &models.OptimizationStrategy{
				Name:               fmt.Sprintf("Learned-%s", profile.Name),
				RotationInterval:   params.OptimalRotationInterval,
				PacketTimingMin:    timingMin,
				PacketTimingMax:    timingMax,
				ConnectionCount:    connections,
				TrafficIntensity:   params.OptimalTrafficIntensity,
				StealthLevel:       params.OptimalStealthLevel,
				EffectivenessScore: &confidence,
				CreatedAt:          time.Now().UTC(),
			}, nil
		}
	}

	return models.DefaultStrategy(), nil
}

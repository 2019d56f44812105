package intelligence

import (
	"time"

	"github.com/skalibog/speedkeeper/pkg/models"
)

// PatternLearningModel статистическая модель выученных закономерностей трафика
type PatternLearningModel struct {
	// Эффективность стратегий по именам
	StrategyEffectiveness map[string]*StrategyEffectiveness

	// Веса по часам суток: низкий вес указывает на шейпинг
	TemporalWeights map[int]float64

	// Веса по дням недели
	WeeklyWeights map[time.Weekday]float64

	// Параметры, выученные для конкретных провайдеров
	ISPParameters map[string]*ISPLearningParams

	// Итоговая уверенность модели от 0.0 до 1.0
	ModelConfidence float64

	// Число измерений, использованных при обучении
	TrainingSamples int

	LastUpdated time.Time
}

// NewPatternLearningModel создает пустую модель
func NewPatternLearningModel() *PatternLearningModel {
	return &PatternLearningModel{
		StrategyEffectiveness: make(map[string]*StrategyEffectiveness),
		TemporalWeights:       make(map[int]float64),
		WeeklyWeights:         make(map[time.Weekday]float64),
		ISPParameters:         make(map[string]*ISPLearningParams),
		LastUpdated:           time.Now().UTC(),
	}
}

// StrategyEffectiveness накопленная эффективность стратегии оптимизации
type StrategyEffectiveness struct {
	AvgImprovement float64
	SampleCount    int
	SuccessRate    float64
	Confidence     float64
	// Положительный тренд - эффективность растет
	Trend    float64
	LastUsed time.Time
}

// NewStrategyEffectiveness эффективность без накопленных данных
func NewStrategyEffectiveness() *StrategyEffectiveness {
	return &StrategyEffectiveness{
		AvgImprovement: 1.0,
		LastUsed:       time.Now().UTC(),
	}
}

// ISPLearningParams параметры оптимизации, выученные для провайдера
type ISPLearningParams struct {
	OptimalStealthLevel     models.StealthLevel
	OptimalRotationInterval time.Duration
	OptimalTrafficIntensity float64
	// Оценка риска обнаружения от 0.0 до 1.0
	DetectionRisk float64
	Confidence    float64
}

// PatternAnalysis результат анализа закономерностей трафика
type PatternAnalysis struct {
	ThrottlingWindows  []models.ThrottlingWindow
	BaselineSpeed      float64
	ConfidenceLevel    float64
	DataCollectionDays int
	ISPName            string
}

// Decision решение о включении оптимизации
type Decision struct {
	ShouldActivate       bool
	Reason               string
	Confidence           float64
	EstimatedImprovement *float64
}

// State рабочее состояние системы
type State int

const (
	// StateLearning начальный сбор данных
	StateLearning State = iota
	// StateOptimizing активная оптимизация
	StateOptimizing
	// StateMonitoring наблюдение без оптимизации
	StateMonitoring
	// StateInactive система выключена
	StateInactive
	// StateError невосстановимая ошибка анализа
	StateError
)

// Закрытая таблица строковых представлений состояний
var stateNames = map[State]string{
	StateLearning:   "learning",
	StateOptimizing: "optimizing",
	StateMonitoring: "monitoring",
	StateInactive:   "inactive",
	StateError:      "error",
}

// String строковое представление состояния
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "monitoring"
}

// LearningProgress прогресс начального сбора данных
type LearningProgress struct {
	DaysCollected      int
	DaysNeeded         int
	ProgressPercentage float64
}

// EffectivenessMetrics метрики эффективности оптимизации
type EffectivenessMetrics struct {
	// Множитель улучшения скорости, 2.5 означает ускорение в 2.5 раза
	ImprovementFactor float64
	BaselineSpeed     float64
	OptimizedSpeed    float64
	Confidence        float64
	LastUpdated       time.Time
}

// SystemStatus текущее состояние системы для отображения
type SystemStatus struct {
	State         State
	Message       string
	Progress      *LearningProgress
	Effectiveness *EffectivenessMetrics
}

// BaselineComparison сравнение скорости с оптимизацией и без
type BaselineComparison struct {
	BaselineSpeed     float64
	OptimizedSpeed    float64
	ImprovementFactor float64
	// Статистическая значимость улучшения от 0.0 до 1.0
	Significance float64
}

// StrategyRanking место стратегии в рейтинге эффективности
type StrategyRanking struct {
	StrategyName       string
	EffectivenessScore float64
	Confidence         float64
	SampleCount        int
}

// RecommendationType тип рекомендации по оптимизации
type RecommendationType int

const (
	RecommendStealthAdjustment RecommendationType = iota
	RecommendRotationAdjustment
	RecommendTrafficAdjustment
	RecommendStrategySwitch
	RecommendTimingOptimization
	RecommendISPOptimization
)

// Recommendation рекомендация по улучшению оптимизации
type Recommendation struct {
	Type                RecommendationType
	Description         string
	ExpectedImprovement float64
	Confidence          float64
	// Приоритет: 1 - наивысший, 5 - низший
	Priority int
}

// EffectivenessAnalysis полный анализ эффективности оптимизации
type EffectivenessAnalysis struct {
	CurrentEffectiveness EffectivenessMetrics
	BaselineComparison   BaselineComparison
	StrategyRankings     []StrategyRanking
	Recommendations      []Recommendation
	Confidence           float64
}

package appstate

import "sync"

// OptimizationMode режим работы оптимизации
type OptimizationMode int

const (
	OptimizationDisabled OptimizationMode = iota
	OptimizationEnabled
)

// SharedState общий флаг включения оптимизации, безопасный для конкурентного доступа.
// Создается один раз при старте и передается компонентам явно.
type SharedState struct {
	mu   sync.RWMutex
	mode OptimizationMode
}

// NewSharedState создает состояние с выключенной оптимизацией
func NewSharedState() *SharedState {
	return &SharedState{mode: OptimizationDisabled}
}

// Mode возвращает текущий режим
func (s *SharedState) Mode() OptimizationMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// IsEnabled признак включенной оптимизации
func (s *SharedState) IsEnabled() bool {
	return s.Mode() == OptimizationEnabled
}

// SetMode переключает режим
func (s *SharedState) SetMode(mode OptimizationMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
}

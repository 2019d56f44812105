package stealth

import (
	"time"

	"github.com/skalibog/speedkeeper/pkg/models"
)

// TrafficPattern параметры генерации маскирующего трафика
type TrafficPattern struct {
	PacketSizeMin        int
	PacketSizeMax        int
	TimingMin            time.Duration
	TimingMax            time.Duration
	BurstProbability     float64
	KeepAliveInterval    time.Duration
	FragmentationEnabled bool
	HeaderModification   bool
	DSCPMarkingEnabled   bool
	TCPWindowScaling     bool
}

// DPIBypassConfig параметры обхода глубокой инспекции пакетов
type DPIBypassConfig struct {
	PacketFragmentation bool
	HeaderObfuscation   bool
	// Значение DSCP для маркировки QoS
	DSCPMarking           int
	TCPWindowSize         int
	MSSClamping           bool
	TimingObfuscation     bool
	DNSPatternReplication bool
}

// DetectionRisk оценка риска обнаружения
type DetectionRisk int

const (
	RiskLow DetectionRisk = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// Закрытая таблица строковых представлений рисков
var detectionRiskNames = map[DetectionRisk]string{
	RiskLow:      "low",
	RiskMedium:   "medium",
	RiskHigh:     "high",
	RiskCritical: "critical",
}

// String строковое представление риска
func (r DetectionRisk) String() string {
	if name, ok := detectionRiskNames[r]; ok {
		return name
	}
	return "low"
}

// maxRisk худший из двух рисков
func maxRisk(a, b DetectionRisk) DetectionRisk {
	if a > b {
		return a
	}
	return b
}

// trafficPatternFor шаблон трафика для уровня маскировки
func trafficPatternFor(level models.StealthLevel) TrafficPattern {
	switch level {
	case models.StealthLow:
		return TrafficPattern{
			PacketSizeMin:     1000,
			PacketSizeMax:     1500,
			TimingMin:         45 * time.Second,
			TimingMax:         75 * time.Second,
			BurstProbability:  0.1,
			KeepAliveInterval: 60 * time.Second,
		}
	case models.StealthHigh:
		return TrafficPattern{
			PacketSizeMin:        500,
			PacketSizeMax:        1200,
			TimingMin:            20 * time.Second,
			TimingMax:            120 * time.Second,
			BurstProbability:     0.2,
			KeepAliveInterval:    30 * time.Second,
			FragmentationEnabled: true,
			HeaderModification:   true,
			DSCPMarkingEnabled:   true,
			TCPWindowScaling:     true,
		}
	case models.StealthMaximum:
		return TrafficPattern{
			PacketSizeMin:        300,
			PacketSizeMax:        1000,
			TimingMin:            15 * time.Second,
			TimingMax:            180 * time.Second,
			BurstProbability:     0.25,
			KeepAliveInterval:    20 * time.Second,
			FragmentationEnabled: true,
			HeaderModification:   true,
			DSCPMarkingEnabled:   true,
			TCPWindowScaling:     true,
		}
	default:
		return TrafficPattern{
			PacketSizeMin:        800,
			PacketSizeMax:        1400,
			TimingMin:            30 * time.Second,
			TimingMax:            90 * time.Second,
			BurstProbability:     0.15,
			KeepAliveInterval:    45 * time.Second,
			FragmentationEnabled: true,
			DSCPMarkingEnabled:   true,
		}
	}
}

// dpiBypassConfigFor параметры обхода DPI для уровня маскировки
func dpiBypassConfigFor(level models.StealthLevel) DPIBypassConfig {
	switch level {
	case models.StealthLow:
		return DPIBypassConfig{
			TCPWindowSize: 65535,
		}
	case models.StealthHigh:
		return DPIBypassConfig{
			PacketFragmentation: true,
			HeaderObfuscation:   true,
			// AF41, мультимедийный трафик
			DSCPMarking:           34,
			TCPWindowSize:         16384,
			MSSClamping:           true,
			TimingObfuscation:     true,
			DNSPatternReplication: true,
		}
	case models.StealthMaximum:
		return DPIBypassConfig{
			PacketFragmentation: true,
			HeaderObfuscation:   true,
			// AF31, данные с высокой пропускной способностью
			DSCPMarking:           26,
			TCPWindowSize:         8192,
			MSSClamping:           true,
			TimingObfuscation:     true,
			DNSPatternReplication: true,
		}
	default:
		return DPIBypassConfig{
			PacketFragmentation: true,
			// EF, ускоренная пересылка
			DSCPMarking:           46,
			TCPWindowSize:         32768,
			TimingObfuscation:     true,
			DNSPatternReplication: true,
		}
	}
}

// rangePullBytes объем контролируемой догрузки для уровня маскировки
func rangePullBytes(level models.StealthLevel) int64 {
	switch level {
	case models.StealthLow:
		return 256 * 1024
	case models.StealthMedium:
		return 512 * 1024
	default:
		return 1024 * 1024
	}
}

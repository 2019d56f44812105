package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/skalibog/speedkeeper/internal/config"
	"github.com/skalibog/speedkeeper/pkg/models"
)

// InfluxDBStorage реализует интерфейс Storage с использованием InfluxDB
type InfluxDBStorage struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPI
	org      string
	bucket   string
}

// NewInfluxDBStorage создает новое хранилище InfluxDB
func NewInfluxDBStorage(cfg config.StorageConfig) (*InfluxDBStorage, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(context.Background())
	if err != nil {
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	queryAPI := client.QueryAPI(cfg.Organization)
	writeAPI := client.WriteAPI(cfg.Organization, cfg.Bucket)

	return &InfluxDBStorage{
		client:   client,
		queryAPI: queryAPI,
		writeAPI: writeAPI,
		org:      cfg.Organization,
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (s *InfluxDBStorage) Close() {
	s.client.Close()
}

// SaveSample сохраняет измерение скорости в базу данных
func (s *InfluxDBStorage) SaveSample(ctx context.Context, sample *models.SpeedSample) (int64, error) {
	if err := sample.Validate(); err != nil {
		return 0, fmt.Errorf("некорректное измерение: %w", err)
	}

	// Создаем точку для записи в InfluxDB
	point := influxdb2.NewPoint(
		"speed_samples",
		map[string]string{
			"optimization_active": fmt.Sprintf("%t", sample.OptimizationActive),
		},
		map[string]interface{}{
			"download_mbps": sample.DownloadMbps,
			"upload_mbps":   sample.UploadMbps,
			"latency_ms":    sample.LatencyMs,
			"confidence":    sample.Confidence,
		},
		sample.Timestamp,
	)

	// Записываем точку
	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()

	// InfluxDB не присваивает числовых идентификаторов
	return 0, nil
}

// SamplesSince получает измерения начиная с указанного момента
func (s *InfluxDBStorage) SamplesSince(ctx context.Context, since time.Time) ([]*models.SpeedSample, error) {
	// Формируем Flux-запрос
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: %s)
			|> filter(fn: (r) => r._measurement == "speed_samples")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"])
	`, s.bucket, since.UTC().Format(time.RFC3339))

	// Выполняем запрос
	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса измерений: %w", err)
	}

	// Обрабатываем результаты
	var samples []*models.SpeedSample
	for result.Next() {
		record := result.Record()

		// Извлекаем поля
		download, _ := record.ValueByKey("download_mbps").(float64)
		upload, _ := record.ValueByKey("upload_mbps").(float64)
		latency, _ := record.ValueByKey("latency_ms").(int64)
		confidence, _ := record.ValueByKey("confidence").(float64)
		active, _ := record.ValueByKey("optimization_active").(string)

		sample := &models.SpeedSample{
			Timestamp:          record.Time(),
			DownloadMbps:       download,
			UploadMbps:         upload,
			LatencyMs:          int(latency),
			OptimizationActive: active == "true",
			Confidence:         confidence,
		}

		samples = append(samples, sample)
	}

	// Проверяем на ошибки при обработке результатов
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return samples, nil
}

// SaveISPProfile сохраняет профиль провайдера
func (s *InfluxDBStorage) SaveISPProfile(ctx context.Context, profile *models.ISPProfile) (int64, error) {
	if err := profile.Validate(); err != nil {
		return 0, fmt.Errorf("некорректный профиль: %w", err)
	}

	point := influxdb2.NewPoint(
		"isp_profiles",
		map[string]string{
			"name": profile.Name,
		},
		map[string]interface{}{
			"region":           profile.Region,
			"detection_method": profile.DetectionMethod,
			"created_at":       profile.CreatedAt.UTC().Format(time.RFC3339Nano),
		},
		profile.UpdatedAt,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()

	return 0, nil
}

// CurrentISPProfile получает профиль с самой свежей отметкой обновления
func (s *InfluxDBStorage) CurrentISPProfile(ctx context.Context) (*models.ISPProfile, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -365d)
			|> filter(fn: (r) => r._measurement == "isp_profiles")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: 1)
	`, s.bucket)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса профиля провайдера: %w", err)
	}

	if result.Next() {
		record := result.Record()

		name, _ := record.ValueByKey("name").(string)
		region, _ := record.ValueByKey("region").(string)
		method, _ := record.ValueByKey("detection_method").(string)
		createdRaw, _ := record.ValueByKey("created_at").(string)
		createdAt, _ := time.Parse(time.RFC3339Nano, createdRaw)

		profile := &models.ISPProfile{
			Name:            name,
			Region:          region,
			DetectionMethod: method,
			CreatedAt:       createdAt,
			UpdatedAt:       record.Time(),
		}

		return profile, nil
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	// Профиль еще не определен
	return nil, nil
}

// SaveStrategy сохраняет стратегию оптимизации
func (s *InfluxDBStorage) SaveStrategy(ctx context.Context, strategy *models.OptimizationStrategy) (int64, error) {
	if err := strategy.Validate(); err != nil {
		return 0, fmt.Errorf("некорректная стратегия: %w", err)
	}

	effectiveness := -1.0
	if strategy.EffectivenessScore != nil {
		effectiveness = *strategy.EffectivenessScore
	}

	point := influxdb2.NewPoint(
		"strategies",
		map[string]string{
			"name": strategy.Name,
		},
		map[string]interface{}{
			"rotation_interval_s": int64(strategy.RotationInterval / time.Second),
			"packet_timing_min_s": strategy.PacketTimingMin.Seconds(),
			"packet_timing_max_s": strategy.PacketTimingMax.Seconds(),
			"connection_count":    int64(strategy.ConnectionCount),
			"traffic_intensity":   strategy.TrafficIntensity,
			"stealth_level":       strategy.StealthLevel.String(),
			"effectiveness_score": effectiveness,
		},
		strategy.CreatedAt,
	)

	s.writeAPI.WritePoint(point)
	s.writeAPI.Flush()

	return 0, nil
}

// BestStrategy получает стратегию с наибольшей оценкой эффективности
func (s *InfluxDBStorage) BestStrategy(ctx context.Context) (*models.OptimizationStrategy, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -365d)
			|> filter(fn: (r) => r._measurement == "strategies")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["effectiveness_score"], desc: true)
			|> limit(n: 1)
	`, s.bucket)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса стратегий: %w", err)
	}

	if result.Next() {
		record := result.Record()

		name, _ := record.ValueByKey("name").(string)
		rotationS, _ := record.ValueByKey("rotation_interval_s").(int64)
		timingMin, _ := record.ValueByKey("packet_timing_min_s").(float64)
		timingMax, _ := record.ValueByKey("packet_timing_max_s").(float64)
		connCount, _ := record.ValueByKey("connection_count").(int64)
		intensity, _ := record.ValueByKey("traffic_intensity").(float64)
		levelRaw, _ := record.ValueByKey("stealth_level").(string)
		effectiveness, _ := record.ValueByKey("effectiveness_score").(float64)

		strategy := &models.OptimizationStrategy{
			Name:             name,
			RotationInterval: time.Duration(rotationS) * time.Second,
			PacketTimingMin:  time.Duration(timingMin * float64(time.Second)),
			PacketTimingMax:  time.Duration(timingMax * float64(time.Second)),
			ConnectionCount:  int(connCount),
			TrafficIntensity: intensity,
			StealthLevel:     models.ParseStealthLevel(levelRaw),
			CreatedAt:        record.Time(),
		}
		if effectiveness >= 0 {
			strategy.EffectivenessScore = &effectiveness
		}

		return strategy, nil
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return nil, nil
}

// SaveEndpoints сохраняет каталог серверов; каждая запись помечена server_id
func (s *InfluxDBStorage) SaveEndpoints(ctx context.Context, endpoints []*models.Endpoint) error {
	now := time.Now().UTC()

	for _, ep := range endpoints {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("некорректная запись о сервере: %w", err)
		}

		// Отсутствующие измерения кодируются отрицательным значением
		distance := -1.0
		if ep.Distance != nil {
			distance = *ep.Distance
		}
		latency := -1.0
		if ep.LatencyMs != nil {
			latency = *ep.LatencyMs
		}

		point := influxdb2.NewPoint(
			"endpoints",
			map[string]string{
				"server_id": ep.ServerID,
			},
			map[string]interface{}{
				"host":        ep.Host,
				"port":        int64(ep.Port),
				"name":        ep.Name,
				"country":     ep.Country,
				"sponsor":     ep.Sponsor,
				"distance_km": distance,
				"latency_ms":  latency,
				"is_active":   ep.IsActive,
			},
			now,
		)
		s.writeAPI.WritePoint(point)
	}

	s.writeAPI.Flush()
	return nil
}

// ListEndpoints получает активные серверы; для каждого server_id берется свежайшая запись
func (s *InfluxDBStorage) ListEndpoints(ctx context.Context) ([]*models.Endpoint, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -365d)
			|> filter(fn: (r) => r._measurement == "endpoints")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> sort(columns: ["_time"], desc: true)
	`, s.bucket)

	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса каталога серверов: %w", err)
	}

	seen := make(map[string]bool)
	var endpoints []*models.Endpoint
	for result.Next() {
		record := result.Record()

		serverID, _ := record.ValueByKey("server_id").(string)
		if serverID == "" || seen[serverID] {
			continue
		}
		seen[serverID] = true

		active, _ := record.ValueByKey("is_active").(bool)
		if !active {
			continue
		}

		host, _ := record.ValueByKey("host").(string)
		port, _ := record.ValueByKey("port").(int64)
		name, _ := record.ValueByKey("name").(string)
		country, _ := record.ValueByKey("country").(string)
		sponsor, _ := record.ValueByKey("sponsor").(string)
		distance, _ := record.ValueByKey("distance_km").(float64)
		latency, _ := record.ValueByKey("latency_ms").(float64)

		ep := models.NewEndpoint(serverID, host, int(port), name, country, sponsor)
		if distance >= 0 {
			ep.Distance = &distance
		}
		if latency >= 0 {
			ep.LatencyMs = &latency
		}

		endpoints = append(endpoints, ep)
	}

	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return endpoints, nil
}

// PurgeOlderThan удаляет измерения старше указанного числа дней
func (s *InfluxDBStorage) PurgeOlderThan(ctx context.Context, days int) error {
	stop := time.Now().AddDate(0, 0, -days)
	start := time.Unix(0, 0)

	err := s.client.DeleteAPI().DeleteWithName(ctx, s.org, s.bucket, start, stop, `_measurement="speed_samples"`)
	if err != nil {
		return fmt.Errorf("ошибка удаления устаревших измерений: %w", err)
	}

	return nil
}

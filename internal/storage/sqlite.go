package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/skalibog/speedkeeper/pkg/models"
	_ "modernc.org/sqlite"
)

// SQLiteStorage реализует интерфейс Storage поверх встраиваемой базы SQLite
type SQLiteStorage struct {
	db *sql.DB
}

// Схема базы данных; применяется при каждом открытии
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS speed_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	download_mbps REAL NOT NULL,
	upload_mbps REAL NOT NULL,
	latency_ms INTEGER NOT NULL,
	optimization_active INTEGER NOT NULL,
	confidence REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_speed_samples_timestamp ON speed_samples(timestamp);

CREATE TABLE IF NOT EXISTS isp_profiles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	region TEXT NOT NULL,
	detection_method TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS endpoints (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	server_id TEXT NOT NULL UNIQUE,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	name TEXT NOT NULL,
	country TEXT NOT NULL,
	sponsor TEXT NOT NULL,
	distance_km REAL,
	latency_ms REAL,
	is_active INTEGER NOT NULL,
	last_used TEXT
);

CREATE TABLE IF NOT EXISTS optimization_strategies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	rotation_interval_s INTEGER NOT NULL,
	packet_timing_min_s REAL NOT NULL,
	packet_timing_max_s REAL NOT NULL,
	connection_count INTEGER NOT NULL,
	traffic_intensity REAL NOT NULL,
	stealth_level TEXT NOT NULL,
	effectiveness_score REAL,
	created_at TEXT NOT NULL
);
`

// NewSQLiteStorage открывает базу данных и применяет схему
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия базы данных: %w", err)
	}

	// Встраиваемая база не поддерживает конкурентных писателей
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ошибка применения схемы: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Close закрывает соединение с базой данных
func (s *SQLiteStorage) Close() {
	s.db.Close()
}

// SaveSample сохраняет измерение скорости
func (s *SQLiteStorage) SaveSample(ctx context.Context, sample *models.SpeedSample) (int64, error) {
	if err := sample.Validate(); err != nil {
		return 0, fmt.Errorf("некорректное измерение: %w", err)
	}

	active := 0
	if sample.OptimizationActive {
		active = 1
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO speed_samples (timestamp, download_mbps, upload_mbps, latency_ms, optimization_active, confidence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sample.Timestamp.UTC().Format(time.RFC3339Nano),
		sample.DownloadMbps, sample.UploadMbps, sample.LatencyMs, active, sample.Confidence)
	if err != nil {
		return 0, fmt.Errorf("ошибка сохранения измерения: %w", err)
	}

	return result.LastInsertId()
}

// SamplesSince получает измерения начиная с указанного момента
func (s *SQLiteStorage) SamplesSince(ctx context.Context, since time.Time) ([]*models.SpeedSample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, download_mbps, upload_mbps, latency_ms, optimization_active, confidence
		 FROM speed_samples WHERE timestamp >= ? ORDER BY timestamp`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса измерений: %w", err)
	}
	defer rows.Close()

	var samples []*models.SpeedSample
	for rows.Next() {
		var sample models.SpeedSample
		var ts string
		var active int

		if err := rows.Scan(&sample.ID, &ts, &sample.DownloadMbps, &sample.UploadMbps,
			&sample.LatencyMs, &active, &sample.Confidence); err != nil {
			return nil, fmt.Errorf("ошибка чтения измерения: %w", err)
		}

		sample.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("ошибка разбора отметки времени: %w", err)
		}
		sample.OptimizationActive = active == 1

		samples = append(samples, &sample)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", err)
	}

	return samples, nil
}

// SaveISPProfile сохраняет профиль провайдера
func (s *SQLiteStorage) SaveISPProfile(ctx context.Context, profile *models.ISPProfile) (int64, error) {
	if err := profile.Validate(); err != nil {
		return 0, fmt.Errorf("некорректный профиль: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO isp_profiles (name, region, detection_method, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		profile.Name, profile.Region, profile.DetectionMethod,
		profile.CreatedAt.UTC().Format(time.RFC3339Nano),
		profile.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("ошибка сохранения профиля: %w", err)
	}

	return result.LastInsertId()
}

// CurrentISPProfile получает профиль с самой свежей отметкой обновления
func (s *SQLiteStorage) CurrentISPProfile(ctx context.Context) (*models.ISPProfile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, region, detection_method, created_at, updated_at
		 FROM isp_profiles ORDER BY updated_at DESC LIMIT 1`)

	var profile models.ISPProfile
	var createdAt, updatedAt string

	err := row.Scan(&profile.ID, &profile.Name, &profile.Region, &profile.DetectionMethod, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Профиль еще не определен
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса профиля провайдера: %w", err)
	}

	if profile.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("ошибка разбора отметки времени: %w", err)
	}
	if profile.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("ошибка разбора отметки времени: %w", err)
	}

	return &profile, nil
}

// SaveStrategy сохраняет стратегию оптимизации
func (s *SQLiteStorage) SaveStrategy(ctx context.Context, strategy *models.OptimizationStrategy) (int64, error) {
	if err := strategy.Validate(); err != nil {
		return 0, fmt.Errorf("некорректная стратегия: %w", err)
	}

	var effectiveness sql.NullFloat64
	if strategy.EffectivenessScore != nil {
		effectiveness = sql.NullFloat64{Float64: *strategy.EffectivenessScore, Valid: true}
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO optimization_strategies
		 (name, rotation_interval_s, packet_timing_min_s, packet_timing_max_s,
		  connection_count, traffic_intensity, stealth_level, effectiveness_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strategy.Name,
		int64(strategy.RotationInterval/time.Second),
		strategy.PacketTimingMin.Seconds(),
		strategy.PacketTimingMax.Seconds(),
		strategy.ConnectionCount,
		strategy.TrafficIntensity,
		strategy.StealthLevel.String(),
		effectiveness,
		strategy.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("ошибка сохранения стратегии: %w", err)
	}

	return result.LastInsertId()
}

// BestStrategy получает стратегию с наибольшей оценкой эффективности
func (s *SQLiteStorage) BestStrategy(ctx context.Context) (*models.OptimizationStrategy, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, rotation_interval_s, packet_timing_min_s, packet_timing_max_s,
		        connection_count, traffic_intensity, stealth_level, effectiveness_score, created_at
		 FROM optimization_strategies
		 ORDER BY effectiveness_score IS NULL, effectiveness_score DESC, created_at DESC
		 LIMIT 1`)

	var strategy models.OptimizationStrategy
	var rotationS int64
	var timingMin, timingMax float64
	var level, createdAt string
	var effectiveness sql.NullFloat64

	err := row.Scan(&strategy.ID, &strategy.Name, &rotationS, &timingMin, &timingMax,
		&strategy.ConnectionCount, &strategy.TrafficIntensity, &level, &effectiveness, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Стратегии еще не сохранялись
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса стратегий: %w", err)
	}

	strategy.RotationInterval = time.Duration(rotationS) * time.Second
	strategy.PacketTimingMin = time.Duration(timingMin * float64(time.Second))
	strategy.PacketTimingMax = time.Duration(timingMax * float64(time.Second))
	strategy.StealthLevel = models.ParseStealthLevel(level)
	if effectiveness.Valid {
		strategy.EffectivenessScore = &effectiveness.Float64
	}
	if strategy.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("ошибка разбора отметки времени: %w", err)
	}

	return &strategy, nil
}

// SaveEndpoints сохраняет каталог серверов; записи обновляются по server_id
func (s *SQLiteStorage) SaveEndpoints(ctx context.Context, endpoints []*models.Endpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка открытия транзакции: %w", err)
	}
	defer tx.Rollback()

	for _, ep := range endpoints {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("некорректная запись о сервере: %w", err)
		}

		var distance, latency sql.NullFloat64
		if ep.Distance != nil {
			distance = sql.NullFloat64{Float64: *ep.Distance, Valid: true}
		}
		if ep.LatencyMs != nil {
			latency = sql.NullFloat64{Float64: *ep.LatencyMs, Valid: true}
		}
		var lastUsed sql.NullString
		if ep.LastUsed != nil {
			lastUsed = sql.NullString{String: ep.LastUsed.UTC().Format(time.RFC3339Nano), Valid: true}
		}
		active := 0
		if ep.IsActive {
			active = 1
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO endpoints (server_id, host, port, name, country, sponsor, distance_km, latency_ms, is_active, last_used)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(server_id) DO UPDATE SET
			   host = excluded.host, port = excluded.port, name = excluded.name,
			   country = excluded.country, sponsor = excluded.sponsor,
			   distance_km = excluded.distance_km, latency_ms = excluded.latency_ms,
			   is_active = excluded.is_active, last_used = excluded.last_used`,
			ep.ServerID, ep.Host, ep.Port, ep.Name, ep.Country, ep.Sponsor,
			distance, latency, active, lastUsed)
		if err != nil {
			return fmt.Errorf("ошибка сохранения сервера %s: %w", ep.ServerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ошибка фиксации транзакции: %w", err)
	}
	return nil
}

// ListEndpoints получает активные серверы из сохраненного каталога
func (s *SQLiteStorage) ListEndpoints(ctx context.Context) ([]*models.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, host, port, name, country, sponsor, distance_km, latency_ms, is_active, last_used
		 FROM endpoints WHERE is_active = 1 ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса каталога серверов: %w", err)
	}
	defer rows.Close()

	var endpoints []*models.Endpoint
	for rows.Next() {
		var ep models.Endpoint
		var distance, latency sql.NullFloat64
		var lastUsed sql.NullString
		var active int

		if err := rows.Scan(&ep.ID, &ep.ServerID, &ep.Host, &ep.Port, &ep.Name,
			&ep.Country, &ep.Sponsor, &distance, &latency, &active, &lastUsed); err != nil {
			return nil, fmt.Errorf("ошибка чтения записи о сервере: %w", err)
		}

		if distance.Valid {
			ep.Distance = &distance.Float64
		}
		if latency.Valid {
			ep.LatencyMs = &latency.Float64
		}
		if lastUsed.Valid {
			t, err := time.Parse(time.RFC3339Nano, lastUsed.String)
			if err != nil {
				return nil, fmt.Errorf("ошибка разбора отметки времени: %w", err)
			}
			ep.LastUsed = &t
		}
		ep.IsActive = active == 1

		endpoints = append(endpoints, &ep)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", err)
	}

	return endpoints, nil
}

// PurgeOlderThan удаляет измерения старше указанного числа дней
func (s *SQLiteStorage) PurgeOlderThan(ctx context.Context, days int) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM speed_samples WHERE timestamp < ?`,
		cutoff.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ошибка удаления устаревших измерений: %w", err)
	}

	return nil
}

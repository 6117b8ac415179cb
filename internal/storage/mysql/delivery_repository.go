package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// DeliveryRecord 表示一次已发出的回复的落库结构。
// 每个来源内容最多对应一条记录，是跨进程重启的幂等依据。
type DeliveryRecord struct {
	PostID    string `json:"post_id"`
	SourceID  string `json:"source_id"`
	InReplyTo string `json:"in_reply_to"`
	Text      string `json:"text"`
	Action    string `json:"action"`
	CreatedAt int64  `json:"created_at"`
}

// DeliveryRepository 抽象发送记录与处理水位线的持久化接口。
type DeliveryRepository interface {
	// Record 保存一条发送记录。同一来源重复写入时保留先到的记录。
	Record(ctx context.Context, record DeliveryRecord) error
	// Delivered 判断来源内容是否已经回复过。
	Delivered(ctx context.Context, sourceID string) (bool, error)
	// ListLatest 返回最近的发送记录，按时间倒序排列。
	ListLatest(ctx context.Context, limit int) ([]DeliveryRecord, error)
	// SaveWatermark 持久化最近处理完成的平台内容 ID。
	SaveWatermark(ctx context.Context, id string) error
	// LoadWatermark 读取水位线；从未保存时返回空字符串。
	LoadWatermark(ctx context.Context) (string, error)
}

// ErrUnsupportedDriver 表示配置了未知的存储驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// MemoryDeliveryRepository 使用本地 JSONL 文件模拟 MySQL 的效果，方便迭代开发。
type MemoryDeliveryRepository struct {
	mu            sync.RWMutex
	dataFile      string
	watermarkFile string
	records       []DeliveryRecord
	delivered     map[string]struct{}
}

// NewMemoryDeliveryRepository 创建一个文件落盘的内存仓库。
func NewMemoryDeliveryRepository(dataDir string) (*MemoryDeliveryRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemoryDeliveryRepository{
		dataFile:      filepath.Join(dataDir, "deliveries.log"),
		watermarkFile: filepath.Join(dataDir, "watermark"),
		delivered:     make(map[string]struct{}),
	}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Record 以追加写的方式记录发送结果。
func (m *MemoryDeliveryRepository) Record(_ context.Context, record DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if record.SourceID == "" {
		return errors.New("发送记录缺少来源 ID")
	}
	if _, ok := m.delivered[record.SourceID]; ok {
		return nil
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开发送日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化发送记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入发送日志失败: %w", err)
	}

	m.records = append([]DeliveryRecord{record}, m.records...)
	if len(m.records) > 512 {
		m.records = m.records[:512]
	}
	m.delivered[record.SourceID] = struct{}{}
	return nil
}

// Delivered 判断来源内容是否已经回复过。
func (m *MemoryDeliveryRepository) Delivered(_ context.Context, sourceID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.delivered[sourceID]
	return ok, nil
}

// ListLatest 返回最近的发送记录。
func (m *MemoryDeliveryRepository) ListLatest(_ context.Context, limit int) ([]DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]DeliveryRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// SaveWatermark 将水位线写入独立文件，每条内容处理完后调用一次。
func (m *MemoryDeliveryRepository) SaveWatermark(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.WriteFile(m.watermarkFile, []byte(id), 0o644); err != nil {
		return fmt.Errorf("写入水位线失败: %w", err)
	}
	return nil
}

// LoadWatermark 读取水位线。
func (m *MemoryDeliveryRepository) LoadWatermark(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	content, err := os.ReadFile(m.watermarkFile)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("读取水位线失败: %w", err)
	}
	return strings.TrimSpace(string(content)), nil
}

func (m *MemoryDeliveryRepository) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取发送日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []DeliveryRecord
	for scanner.Scan() {
		var record DeliveryRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]DeliveryRecord{record}, restored...)
		m.delivered[record.SourceID] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析发送日志失败: %w", err)
	}

	if len(restored) > 512 {
		restored = restored[:512]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// Config 描述 MySQL 连接参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// SQLDeliveryRepository 使用真实的 MySQL 数据库存储发送记录与水位线。
type SQLDeliveryRepository struct {
	db *sql.DB
}

// NewSQLDeliveryRepository 创建连接池并初始化数据表。
func NewSQLDeliveryRepository(ctx context.Context, cfg Config) (*SQLDeliveryRepository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	repo := &SQLDeliveryRepository{db: db}
	if err := repo.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (s *SQLDeliveryRepository) initSchema(ctx context.Context) error {
	const deliveries = `CREATE TABLE IF NOT EXISTS delivery_records (
        source_id VARCHAR(64) PRIMARY KEY,
        post_id VARCHAR(64) NOT NULL,
        in_reply_to VARCHAR(64) DEFAULT '',
        text TEXT NOT NULL,
        action VARCHAR(64) DEFAULT '',
        created_at BIGINT NOT NULL,
        INDEX idx_created_at (created_at)
)`
	const state = `CREATE TABLE IF NOT EXISTS agent_state (
        name VARCHAR(64) PRIMARY KEY,
        value VARCHAR(255) NOT NULL,
        updated_at BIGINT NOT NULL
)`

	if _, err := s.db.ExecContext(ctx, deliveries); err != nil {
		return fmt.Errorf("初始化 delivery_records 表失败: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, state); err != nil {
		return fmt.Errorf("初始化 agent_state 表失败: %w", err)
	}
	return nil
}

// Record 将发送记录写入 MySQL。来源 ID 冲突时保留已有记录。
func (s *SQLDeliveryRepository) Record(ctx context.Context, record DeliveryRecord) error {
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	const stmt = `INSERT IGNORE INTO delivery_records
        (source_id, post_id, in_reply_to, text, action, created_at)
        VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		record.SourceID,
		record.PostID,
		record.InReplyTo,
		record.Text,
		record.Action,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// Delivered 判断来源内容是否已经回复过。
func (s *SQLDeliveryRepository) Delivered(ctx context.Context, sourceID string) (bool, error) {
	const stmt = `SELECT 1 FROM delivery_records WHERE source_id = ? LIMIT 1`
	var exists int
	err := s.db.QueryRowContext(ctx, stmt, sourceID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询 MySQL 失败: %w", err)
	}
	return true, nil
}

// ListLatest 返回最近的发送记录。
func (s *SQLDeliveryRepository) ListLatest(ctx context.Context, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const stmt = `SELECT source_id, post_id, in_reply_to, text, action, created_at
        FROM delivery_records ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, fmt.Errorf("查询 MySQL 失败: %w", err)
	}
	defer rows.Close()

	var records []DeliveryRecord
	for rows.Next() {
		var record DeliveryRecord
		if err := rows.Scan(
			&record.SourceID,
			&record.PostID,
			&record.InReplyTo,
			&record.Text,
			&record.Action,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("扫描 MySQL 结果失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 MySQL 结果失败: %w", err)
	}
	return records, nil
}

// SaveWatermark 持久化水位线。
func (s *SQLDeliveryRepository) SaveWatermark(ctx context.Context, id string) error {
	const stmt = `INSERT INTO agent_state (name, value, updated_at) VALUES ('watermark', ?, ?)
        ON DUPLICATE KEY UPDATE value = VALUES(value), updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, id, time.Now().Unix()); err != nil {
		return fmt.Errorf("写入水位线失败: %w", err)
	}
	return nil
}

// LoadWatermark 读取水位线。
func (s *SQLDeliveryRepository) LoadWatermark(ctx context.Context) (string, error) {
	const stmt = `SELECT value FROM agent_state WHERE name = 'watermark'`
	var value string
	err := s.db.QueryRowContext(ctx, stmt).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("读取水位线失败: %w", err)
	}
	return value, nil
}

// Close 关闭数据库连接。
func (s *SQLDeliveryRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ DeliveryRepository = (*MemoryDeliveryRepository)(nil)
	_ DeliveryRepository = (*SQLDeliveryRepository)(nil)
)

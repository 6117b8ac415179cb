package broker

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"time"

	xerrors "OpenACP-Chain/internal/errors"
	"OpenACP-Chain/internal/storage/kv"
)

// Status 表示付费任务在生命周期中的状态。
type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaid           Status = "paid"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
)

// Record 是付费任务的持久化状态，以发起请求的内容 ID 为键。
type Record struct {
	ItemID           string          `json:"item_id"`
	ProviderAddress  string          `json:"provider_address"`
	ProviderName     string          `json:"provider_name"`
	OfferingType     string          `json:"offering_type"`
	BasePrice        float64         `json:"base_price"`
	UniquifiedPrice  string          `json:"uniquified_price"`
	Requirement      json.RawMessage `json:"requirement"`
	Status           Status          `json:"status"`
	SelfService      bool            `json:"self_service,omitempty"`
	CreatedAt        int64           `json:"created_at"`
}

var (
	// ErrRecordNotFound 表示不存在对应的任务记录（或已过期）。
	ErrRecordNotFound = xerrors.New(CodeJobNotFound, "job record not found")
	// ErrIllegalTransition 表示请求的状态迁移不被允许。
	ErrIllegalTransition = xerrors.New(CodeJobConflict, "illegal job status transition")
)

const (
	CodeJobNotFound   xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict   xerrors.Code = "JOB_CONFLICT"
	CodeJobValidation xerrors.Code = "JOB_VALIDATION_FAILED"
	CodeJobMarket     xerrors.Code = "JOB_MARKET_FAILED"
	CodeJobPayment    xerrors.Code = "JOB_PAYMENT_FAILED"
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:   "job record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:   "job conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeJobValidation, xerrors.Attributes{
		Message:   "job requirement validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeJobMarket, xerrors.Attributes{
		Message:   "marketplace call failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeJobPayment, xerrors.Attributes{
		Message:   "payment verification failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// legalTransitions 列出允许的前向迁移。failed 与 completed 为吸收态，
// 记录一旦失败不会被复活。
var legalTransitions = map[Status][]Status{
	StatusPendingPayment: {StatusPaid, StatusFailed},
	StatusPaid:           {StatusCompleted, StatusFailed},
}

// CanAdvance 判断是否允许从 from 迁移到 to。
func CanAdvance(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// recordStore 基于 KV 存储持久化任务记录，状态迁移通过 CAS 保证原子。
type recordStore struct {
	store kv.Store
	ttl   time.Duration
}

func newRecordStore(store kv.Store, ttl time.Duration) *recordStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &recordStore{store: store, ttl: ttl}
}

func recordKey(itemID string) string {
	return "job:" + itemID
}

// Save 写入一条新记录并设置 TTL。
func (s *recordStore) Save(ctx context.Context, record *Record) error {
	if record == nil || record.ItemID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务记录缺少内容 ID")
	}
	if record.CreatedAt == 0 {
		record.CreatedAt = time.Now().Unix()
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化任务记录失败: %w", err)
	}
	if err := s.store.Set(ctx, recordKey(record.ItemID), encoded, s.ttl); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存任务记录失败")
	}
	return nil
}

// Get 按内容 ID 读取记录。
func (s *recordStore) Get(ctx context.Context, itemID string) (*Record, error) {
	encoded, err := s.store.Get(ctx, recordKey(itemID))
	if err != nil {
		if stdErrors.Is(err, kv.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取任务记录失败")
	}
	var record Record
	if err := json.Unmarshal(encoded, &record); err != nil {
		return nil, fmt.Errorf("解析任务记录失败: %w", err)
	}
	return &record, nil
}

// Advance 将记录迁移到新状态。迁移必须前向合法，否则返回 ErrIllegalTransition。
func (s *recordStore) Advance(ctx context.Context, record *Record, to Status) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务记录不能为空")
	}
	if !CanAdvance(record.Status, to) {
		return xerrors.Wrap(CodeJobConflict, ErrIllegalTransition,
			fmt.Sprintf("不允许从 %s 迁移到 %s", record.Status, to))
	}

	expect, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化任务记录失败: %w", err)
	}
	next := *record
	next.Status = to
	value, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("序列化任务记录失败: %w", err)
	}

	if err := s.store.CompareAndSwap(ctx, recordKey(record.ItemID), expect, value); err != nil {
		if stdErrors.Is(err, kv.ErrNotFound) {
			return ErrRecordNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务记录失败")
	}
	record.Status = to
	return nil
}

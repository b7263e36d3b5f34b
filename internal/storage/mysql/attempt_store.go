package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"iao-settlement/internal/distribution"
	xerrors "iao-settlement/internal/errors"
)

const (
	mysqlDuplicateEntry = 1062

	pendingKeyIndex = "uk_attempt_pending"

	attemptColumns = `id, agent_id, token_address, total_supply, initiated_by, status, options, allocation, steps,
        last_error, retry_of, created_at, updated_at, completed_at`

	insertAttemptSQL = `INSERT INTO distribution_attempts
        (id, agent_id, token_address, total_supply, initiated_by, status, options, allocation, steps,
        last_error, retry_of, pending_key, created_at, updated_at, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	checkpointAttemptSQL = `UPDATE distribution_attempts SET steps = ?, updated_at = ? WHERE id = ? AND status = ?`

	finishAttemptSQL = `UPDATE distribution_attempts SET status = ?, steps = ?, last_error = ?,
        allocation = COALESCE(?, allocation), pending_key = NULL, updated_at = ?, completed_at = ?
        WHERE id = ? AND status = ?`
)

// AttemptStore 以 MySQL 实现 distribution.Store。
// 进行中的尝试占用 pending_key 唯一索引，保证同一 (agent, token) 只有一个 PENDING 记录。
type AttemptStore struct {
	db *sql.DB
}

// NewAttemptStore 基于已建立的连接池创建存储。
func NewAttemptStore(db *sql.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

// Create 写入新的尝试记录。
func (s *AttemptStore) Create(ctx context.Context, attempt *distribution.Attempt) error {
	if attempt == nil || strings.TrimSpace(attempt.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "尝试 ID 不能为空")
	}
	now := time.Now().UnixMilli()
	if attempt.CreatedAt == 0 {
		attempt.CreatedAt = now
	}
	if attempt.UpdatedAt == 0 {
		attempt.UpdatedAt = attempt.CreatedAt
	}

	options, err := json.Marshal(attempt.Options)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码尝试 options 失败")
	}
	allocation, err := marshalNullable(attempt.Allocation)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码尝试 allocation 失败")
	}
	steps, err := marshalSteps(attempt.Steps)
	if err != nil {
		return err
	}

	var pendingKey sql.NullString
	if attempt.Status == distribution.StatusPending {
		pendingKey = sql.NullString{String: PendingKey(attempt.AgentID, attempt.TokenAddress), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, insertAttemptSQL,
		attempt.ID,
		attempt.AgentID,
		attempt.TokenAddress,
		attempt.TotalSupply,
		attempt.InitiatedBy,
		string(attempt.Status),
		string(options),
		allocation,
		steps,
		nullString(attempt.Error),
		nullString(attempt.RetryOf),
		pendingKey,
		attempt.CreatedAt,
		attempt.UpdatedAt,
		nullInt64(attempt.CompletedAt),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			if strings.Contains(mysqlErr.Message, pendingKeyIndex) {
				return distribution.ErrConcurrentRun
			}
			return xerrors.Wrap(xerrors.CodeConflict, err, "尝试 ID 已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入分发尝试失败")
	}
	return nil
}

// Get 查询单条尝试。
func (s *AttemptStore) Get(ctx context.Context, id string) (*distribution.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM distribution_attempts WHERE id = ?`, id)
	attempt, err := scanAttempt(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, distribution.ErrAttemptNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询分发尝试失败")
	}
	return attempt, nil
}

// ListByAgent 返回智能体的全部尝试，最新在前。
func (s *AttemptStore) ListByAgent(ctx context.Context, agentID string) ([]*distribution.Attempt, error) {
	return s.query(ctx, `SELECT `+attemptColumns+` FROM distribution_attempts
        WHERE agent_id = ? ORDER BY created_at DESC, id DESC`, agentID)
}

// ListStale 返回最后一次写入早于 before 且仍为 PENDING 的尝试。
func (s *AttemptStore) ListStale(ctx context.Context, before int64) ([]*distribution.Attempt, error) {
	return s.query(ctx, `SELECT `+attemptColumns+` FROM distribution_attempts
        WHERE status = ? AND updated_at < ? ORDER BY created_at DESC, id DESC`,
		string(distribution.StatusPending), before)
}

// Checkpoint 覆盖 PENDING 尝试的步骤列表。
func (s *AttemptStore) Checkpoint(ctx context.Context, id string, steps []distribution.StepResult) error {
	encoded, err := marshalSteps(steps)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, checkpointAttemptSQL,
		encoded,
		time.Now().UnixMilli(),
		id,
		string(distribution.StatusPending),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入步骤检查点失败")
	}
	return s.ensureAffected(ctx, res, id)
}

// Finish 写入终态并释放 pending_key。
func (s *AttemptStore) Finish(ctx context.Context, update *distribution.Attempt) error {
	if update == nil || !update.Status.Terminal() {
		return xerrors.New(xerrors.CodeInvalidArgument, "终态无效")
	}
	steps, err := marshalSteps(update.Steps)
	if err != nil {
		return err
	}
	allocation, err := marshalNullable(update.Allocation)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码尝试 allocation 失败")
	}
	now := time.Now().UnixMilli()
	completedAt := now
	if update.CompletedAt != nil {
		completedAt = *update.CompletedAt
	}

	res, err := s.db.ExecContext(ctx, finishAttemptSQL,
		string(update.Status),
		steps,
		nullString(update.Error),
		allocation,
		now,
		completedAt,
		update.ID,
		string(distribution.StatusPending),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入尝试终态失败")
	}
	return s.ensureAffected(ctx, res, update.ID)
}

// Close 关闭底层连接池。
func (s *AttemptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensureAffected 区分条件更新未命中的原因：记录不存在或已离开 PENDING。
func (s *AttemptStore) ensureAffected(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return distribution.ErrAttemptImmutable
}

func (s *AttemptStore) query(ctx context.Context, query string, args ...any) ([]*distribution.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询分发尝试列表失败")
	}
	defer rows.Close()

	var attempts []*distribution.Attempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析分发尝试失败")
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历分发尝试失败")
	}
	return attempts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (*distribution.Attempt, error) {
	var (
		attempt     distribution.Attempt
		status      string
		options     string
		allocation  sql.NullString
		steps       string
		lastError   sql.NullString
		retryOf     sql.NullString
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&attempt.ID,
		&attempt.AgentID,
		&attempt.TokenAddress,
		&attempt.TotalSupply,
		&attempt.InitiatedBy,
		&status,
		&options,
		&allocation,
		&steps,
		&lastError,
		&retryOf,
		&attempt.CreatedAt,
		&attempt.UpdatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	attempt.Status = distribution.Status(status)
	attempt.Error = lastError.String
	attempt.RetryOf = retryOf.String
	if completedAt.Valid {
		ts := completedAt.Int64
		attempt.CompletedAt = &ts
	}
	if err := json.Unmarshal([]byte(options), &attempt.Options); err != nil {
		return nil, err
	}
	if allocation.Valid && strings.TrimSpace(allocation.String) != "" {
		if err := json.Unmarshal([]byte(allocation.String), &attempt.Allocation); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal([]byte(steps), &attempt.Steps); err != nil {
		return nil, err
	}
	if attempt.Steps == nil {
		attempt.Steps = []distribution.StepResult{}
	}
	return &attempt, nil
}

// PendingKey 返回占用唯一索引的进行中标识。
func PendingKey(agentID, token string) string {
	return distribution.PairKey(agentID, token)
}

func marshalSteps(steps []distribution.StepResult) (string, error) {
	if steps == nil {
		steps = []distribution.StepResult{}
	}
	encoded, err := json.Marshal(steps)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码步骤列表失败")
	}
	return string(encoded), nil
}

func marshalNullable(value map[string]string) (sql.NullString, error) {
	if len(value) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullInt64(value *int64) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *value, Valid: true}
}

var _ distribution.Store = (*AttemptStore)(nil)

package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"iao-settlement/internal/distribution"
	xerrors "iao-settlement/internal/errors"
	"iao-settlement/internal/task"
)

const (
	jobColumns = `id, kind, agent_id, request, retry_of, status, attempts, max_retries, last_error, error_code,
        result_attempt_id, result_attempt_status, created_at, updated_at`

	insertJobSQL = `INSERT INTO settlement_jobs
        (id, kind, agent_id, request, retry_of, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', ?, ?)`

	claimJobSQL = `UPDATE settlement_jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`

	succeedJobSQL = `UPDATE settlement_jobs SET status = ?, result_attempt_id = ?, result_attempt_status = ?,
        updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	jobStatsSQL = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM settlement_jobs`
)

// JobStore 使用 MySQL 记录后台任务状态。
type JobStore struct {
	db *sql.DB
}

// NewJobStore 创建任务存储。
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// Create 插入新的任务记录。
func (s *JobStore) Create(ctx context.Context, job *task.Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := time.Now().Unix()
	job.CreatedAt = now
	job.UpdatedAt = now

	var request sql.NullString
	if job.Request != nil {
		encoded, err := json.Marshal(job.Request)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务请求失败")
		}
		request = sql.NullString{String: string(encoded), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, insertJobSQL,
		job.ID,
		string(job.Kind),
		job.AgentID,
		request,
		job.RetryOf,
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return task.ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *JobStore) Get(ctx context.Context, id string) (*task.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM settlement_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrJobNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return job, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *JobStore) Claim(ctx context.Context, id string) (*task.Job, error) {
	res, err := s.db.ExecContext(ctx, claimJobSQL,
		string(task.StatusRunning),
		time.Now().Unix(),
		id,
		string(task.StatusPending),
		string(task.StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return job, nil
	}
	switch job.Status {
	case task.StatusSucceeded:
		return job, task.ErrJobCompleted
	case task.StatusRunning:
		return job, task.ErrJobConflict
	default:
		if job.Attempts >= job.MaxRetries {
			return job, task.ErrJobExhausted
		}
		return job, task.ErrJobConflict
	}
}

// MarkSucceeded 将任务标记为成功并记录对应的分发尝试。
func (s *JobStore) MarkSucceeded(ctx context.Context, id string, result task.Result) error {
	res, err := s.db.ExecContext(ctx, succeedJobSQL,
		string(task.StatusSucceeded),
		result.AttemptID,
		string(result.AttemptStatus),
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return task.ErrJobNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败。terminal 为 true 时把 max_retries 收紧到当前次数，之后不再领取。
func (s *JobStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool, result *task.Result) error {
	stmt, args := buildMarkFailed(id, code, lastError, terminal, result, time.Now().Unix())
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return task.ErrJobNotFound
	}
	return nil
}

func buildMarkFailed(id string, code xerrors.Code, lastError string, terminal bool, result *task.Result, now int64) (string, []any) {
	var b strings.Builder
	b.WriteString(`UPDATE settlement_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ?`)
	args := []any{string(task.StatusFailed), lastError, string(code), now}
	if terminal {
		b.WriteString(`, max_retries = LEAST(max_retries, attempts)`)
	}
	if result != nil {
		b.WriteString(`, result_attempt_id = ?, result_attempt_status = ?`)
		args = append(args, result.AttemptID, string(result.AttemptStatus))
	}
	b.WriteString(` WHERE id = ?`)
	args = append(args, id)
	return b.String(), args
}

// List 返回符合过滤条件的任务。
func (s *JobStore) List(ctx context.Context, opts task.ListOptions) ([]*task.Job, error) {
	opts = opts.Normalize()

	query := `SELECT ` + jobColumns + ` FROM settlement_jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == task.SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*task.Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *JobStore) Stats(ctx context.Context, opts task.ListOptions) (task.JobStats, error) {
	opts = opts.Normalize()

	query := jobStatsSQL
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(task.StatusPending),
		string(task.StatusRunning),
		string(task.StatusSucceeded),
		string(task.StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats task.JobStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return task.JobStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *JobStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanJob(row rowScanner) (*task.Job, error) {
	var (
		job          task.Job
		kind         string
		status       string
		request      sql.NullString
		lastError    sql.NullString
		resultID     string
		resultStatus string
	)
	if err := row.Scan(
		&job.ID,
		&kind,
		&job.AgentID,
		&request,
		&job.RetryOf,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&lastError,
		&job.ErrorCode,
		&resultID,
		&resultStatus,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Kind = task.Kind(kind)
	job.Status = task.Status(status)
	job.LastError = lastError.String
	if request.Valid && strings.TrimSpace(request.String) != "" {
		var req distribution.StartRequest
		if err := json.Unmarshal([]byte(request.String), &req); err != nil {
			return nil, fmt.Errorf("解析任务请求失败: %w", err)
		}
		job.Request = &req
	}
	if resultID != "" {
		job.Result = &task.Result{AttemptID: resultID, AttemptStatus: distribution.Status(resultStatus)}
	}
	return &job, nil
}

func buildFilterClause(opts task.ListOptions) (string, []any) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(opts.Kinds) > 0 {
		placeholders := make([]string, 0, len(opts.Kinds))
		for _, kind := range opts.Kinds {
			placeholders = append(placeholders, "?")
			args = append(args, string(kind))
		}
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ task.Store = (*JobStore)(nil)

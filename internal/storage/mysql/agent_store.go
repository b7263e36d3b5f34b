package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"iao-settlement/internal/distribution"
	xerrors "iao-settlement/internal/errors"
)

const (
	selectAgentSQL = `SELECT id, creator_address, token_address, offering_address,
        tokens_distributed, liquidity_added, tokens_burned FROM agents WHERE id = ?`

	updateAgentFlagsSQL = `UPDATE agents SET tokens_distributed = ?, liquidity_added = ?, tokens_burned = ?, updated_at = ?
        WHERE id = ?`

	upsertAgentSQL = `INSERT INTO agents
        (id, creator_address, token_address, offering_address, tokens_distributed, liquidity_added, tokens_burned, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE creator_address = VALUES(creator_address), token_address = VALUES(token_address),
        offering_address = VALUES(offering_address), updated_at = VALUES(updated_at)`
)

// AgentStore 以 MySQL 实现 distribution.AgentStore。
type AgentStore struct {
	db *sql.DB
}

// NewAgentStore 创建智能体存储。
func NewAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: db}
}

// Get 查询智能体记录。
func (s *AgentStore) Get(ctx context.Context, id string) (*distribution.Agent, error) {
	var agent distribution.Agent
	err := s.db.QueryRowContext(ctx, selectAgentSQL, id).Scan(
		&agent.ID,
		&agent.CreatorAddress,
		&agent.TokenAddress,
		&agent.OfferingAddress,
		&agent.Flags.TokensDistributed,
		&agent.Flags.LiquidityAdded,
		&agent.Flags.TokensBurned,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, distribution.ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	return &agent, nil
}

// UpdateFlags 覆盖智能体的完成标记。
func (s *AgentStore) UpdateFlags(ctx context.Context, id string, flags distribution.Flags) error {
	res, err := s.db.ExecContext(ctx, updateAgentFlagsSQL,
		flags.TokensDistributed,
		flags.LiquidityAdded,
		flags.TokensBurned,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体标记失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		// 标记未变化时 MySQL 也返回 0 行，需要确认记录是否存在。
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Upsert 写入或更新智能体的地址信息，不覆盖已有的完成标记。
func (s *AgentStore) Upsert(ctx context.Context, agent distribution.Agent) error {
	if strings.TrimSpace(agent.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	now := time.Now().Unix()
	if _, err := s.db.ExecContext(ctx, upsertAgentSQL,
		agent.ID,
		agent.CreatorAddress,
		agent.TokenAddress,
		agent.OfferingAddress,
		agent.Flags.TokensDistributed,
		agent.Flags.LiquidityAdded,
		agent.Flags.TokensBurned,
		now,
		now,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体失败")
	}
	return nil
}

var _ distribution.AgentStore = (*AgentStore)(nil)

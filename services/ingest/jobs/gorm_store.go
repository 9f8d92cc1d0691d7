package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type jobModel struct {
	ID          string         `gorm:"type:text;primaryKey"`
	Fingerprint string         `gorm:"type:text;not null;index"`
	URL         string         `gorm:"type:text;not null"`
	SessionID   string         `gorm:"type:text;not null"`
	State       string         `gorm:"type:text;not null;index"`
	Result      datatypes.JSON `gorm:"type:jsonb"`
	Error       string         `gorm:"type:text"`
	CreatedAt   time.Time      `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	StartedAt   *time.Time     `gorm:"type:timestamptz"`
	FinishedAt  *time.Time     `gorm:"type:timestamptz"`
}

func (jobModel) TableName() string { return "jobs" }

// GormStore keeps jobs in PostgreSQL. Transitions are single conditional
// UPDATEs so concurrent workers cannot both claim a job.
type GormStore struct {
	orm *gorm.DB
}

func NewGormStore(orm *gorm.DB) (*GormStore, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormStore{orm: orm}, nil
}

func (s *GormStore) Create(ctx context.Context, job Job) error {
	m := jobModel{
		ID:          job.ID,
		Fingerprint: job.Fingerprint,
		URL:         job.URL,
		SessionID:   job.SessionID,
		State:       string(job.State),
		CreatedAt:   job.CreatedAt,
	}
	if err := s.orm.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (Job, error) {
	var m jobModel
	if err := s.orm.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Job{}, notFound(id)
		}
		return Job{}, fmt.Errorf("load job: %w", err)
	}

	job := Job{
		ID:          m.ID,
		Fingerprint: m.Fingerprint,
		URL:         m.URL,
		SessionID:   m.SessionID,
		State:       State(m.State),
		Error:       m.Error,
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		FinishedAt:  m.FinishedAt,
	}
	if len(m.Result) > 0 && string(m.Result) != "null" {
		var res Result
		if err := json.Unmarshal(m.Result, &res); err != nil {
			return Job{}, fmt.Errorf("decode job result: %w", err)
		}
		job.Result = &res
	}
	return job, nil
}

func (s *GormStore) MarkStarted(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, StatePending, map[string]any{
		"state":      string(StateStarted),
		"started_at": at,
	})
}

func (s *GormStore) Finish(ctx context.Context, id string, state State, result *Result, errMsg string, at time.Time) error {
	if !state.Terminal() {
		return fmt.Errorf("finish job %s with non-terminal state %s", id, state)
	}
	var payload datatypes.JSON
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode job result: %w", err)
		}
		payload = datatypes.JSON(data)
	}
	return s.transition(ctx, id, StateStarted, map[string]any{
		"state":       string(state),
		"result":      payload,
		"error":       errMsg,
		"finished_at": at,
	})
}

func (s *GormStore) ListStale(ctx context.Context, startedBefore time.Time) ([]Job, error) {
	var ids []string
	err := s.orm.WithContext(ctx).
		Model(&jobModel{}).
		Where("state = ? AND started_at < ?", string(StateStarted), startedBefore).
		Order("started_at").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	stale := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		stale = append(stale, job)
	}
	return stale, nil
}

func (s *GormStore) transition(ctx context.Context, id string, from State, updates map[string]any) error {
	res := s.orm.WithContext(ctx).
		Model(&jobModel{}).
		Where("id = ? AND state = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: job %s is not %s", ErrStateConflict, id, from)
	}
	return nil
}

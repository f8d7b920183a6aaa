package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atlasdesk/mailroom/internal/queue"
)

// GormJobStore persists queue jobs so the arena survives restarts.
type GormJobStore struct {
	db *gorm.DB
}

var _ queue.Store = (*GormJobStore)(nil)

func NewGormJobStore(db *gorm.DB) *GormJobStore {
	return &GormJobStore{db: db}
}

func (s *GormJobStore) Save(ctx context.Context, job *queue.Job) error {
	if job == nil {
		return nil
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}
	options, err := json.Marshal(job.Opts)
	if err != nil {
		return fmt.Errorf("failed to marshal job options: %w", err)
	}

	model := QueueJobModel{
		ID:           job.ID,
		MessageID:    job.Payload.MessageID,
		State:        string(job.State),
		Priority:     job.Opts.Priority,
		Attempts:     job.Attempts,
		StalledCount: job.StalledCount,
		Payload:      payload,
		Options:      options,
		EnqueuedAt:   job.EnqueuedAt,
	}
	if job.LastError != "" {
		model.LastError = &job.LastError
	}
	if !job.NotBefore.IsZero() {
		notBefore := job.NotBefore
		model.NotBefore = &notBefore
	}
	if !job.FinishedAt.IsZero() {
		finishedAt := job.FinishedAt
		model.FinishedAt = &finishedAt
	}

	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&model).Error
}

func (s *GormJobStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&QueueJobModel{}).Error
}

func (s *GormJobStore) LoadIncomplete(ctx context.Context) ([]queue.Job, error) {
	var models []QueueJobModel
	err := s.db.WithContext(ctx).
		Where("state IN ?", []string{
			string(queue.StateWaiting),
			string(queue.StateDelayed),
			string(queue.StateActive),
		}).
		Order("enqueued_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]queue.Job, 0, len(models))
	for i := range models {
		job, err := jobModelToQueue(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}

	return jobs, nil
}

func jobModelToQueue(m *QueueJobModel) (*queue.Job, error) {
	var payload queue.Payload
	if err := json.Unmarshal(m.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload for job %s: %w", m.ID, err)
	}
	var opts queue.Options
	if err := json.Unmarshal(m.Options, &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options for job %s: %w", m.ID, err)
	}

	job := &queue.Job{
		ID:           m.ID,
		Payload:      payload,
		Opts:         opts,
		State:        queue.State(m.State),
		Attempts:     m.Attempts,
		StalledCount: m.StalledCount,
		EnqueuedAt:   m.EnqueuedAt,
	}
	if m.LastError != nil {
		job.LastError = *m.LastError
	}
	if m.NotBefore != nil {
		job.NotBefore = *m.NotBefore
	}
	if m.FinishedAt != nil {
		job.FinishedAt = *m.FinishedAt
	}
	if !job.State.IsValid() {
		return nil, fmt.Errorf("job %s has unknown state %q", m.ID, m.State)
	}

	return job, nil
}

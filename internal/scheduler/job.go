package scheduler

import "time"

// Job — периодическая задача сервиса и состояние её последнего запуска.
type Job struct {
	Slug         string
	Handler      string
	Schedule     string
	Timeout      time.Duration
	RunOnStartup bool

	LastRunAt    *time.Time
	LastDuration time.Duration
	LastStatus   string
	LastError    string
	NextRunAt    *time.Time
	Runs         int
}

// Clone возвращает глубокую копию.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		c.NextRunAt = &t
	}
	return &c
}

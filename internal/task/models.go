package task

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/videogrid/video-service/internal/provider"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func ValidStatuses() []string {
	return []string{
		string(StatusPending),
		string(StatusRunning),
		string(StatusCompleted),
		string(StatusFailed),
		string(StatusCancelled),
	}
}

// SystemUserID marks tasks created with tenant- or system-level credentials
// that carry no user identity.
const SystemUserID = "system"

// Task is one requested generation tracked through its lifecycle.
// Result is set only on the completed transition, Error only on the failed
// one; the repo's transition guards keep them mutually exclusive.
type Task struct {
	ID       string `gorm:"primaryKey;size:26" json:"task_id"` // ULID length
	TenantID string `gorm:"size:64;index;not null" json:"tenant_id"`
	UserID   string `gorm:"size:64;index;not null" json:"user_id"`

	Provider   string          `gorm:"size:32;not null" json:"provider"`
	Model      string          `gorm:"size:64;index;not null" json:"model"`
	Parameters provider.Params `gorm:"serializer:json" json:"parameters"`
	IsAsync    bool            `json:"is_async"`

	Status Status `gorm:"type:varchar(16);index;not null" json:"status"`

	Result *provider.Result `gorm:"serializer:json" json:"result,omitempty"`
	Error  *string          `gorm:"type:text" json:"error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

func NewID() string { return ulid.Make().String() }

package task

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/videogrid/video-service/internal/provider"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, t *Task) error {
	return r.db.WithContext(ctx).Create(t).Error
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Task, error) {
	var t Task
	if err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkRunning moves a pending task to running. A task already past pending
// is left alone; recording this transition is best-effort.
func (r *Repo) MarkRunning(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Update("status", StatusRunning).Error
}

// Complete writes the terminal completed state. Only pending or running
// tasks qualify, so a cancelled record stays cancelled and a duplicate
// dispatch cannot resurrect a terminal task.
func (r *Repo) Complete(ctx context.Context, id string, result *provider.Result) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", id, []Status{StatusPending, StatusRunning}).
		Select("status", "result", "error").
		Updates(&Task{Status: StatusCompleted, Result: result})
	return res.RowsAffected > 0, res.Error
}

// Fail writes the terminal failed state under the same guard as Complete.
func (r *Repo) Fail(ctx context.Context, id string, errMsg string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", id, []Status{StatusPending, StatusRunning}).
		Select("status", "error", "result").
		Updates(&Task{Status: StatusFailed, Error: &errMsg})
	return res.RowsAffected > 0, res.Error
}

// Cancel transitions a pending or running task to cancelled. Terminal
// tasks report false and stay unchanged.
func (r *Repo) Cancel(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND status IN ?", id, []Status{StatusPending, StatusRunning}).
		Update("status", StatusCancelled)
	return res.RowsAffected > 0, res.Error
}

type ListFilter struct {
	TenantID string
	// UserID empty means tenant-wide listing (system credentials).
	UserID string
	Status string
	Model  string
}

// orderable whitelists the sortable columns; the ordering string comes from
// clients and must never reach the SQL as-is.
var orderable = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"status":     true,
	"model":      true,
}

func orderClause(ordering string) string {
	field := ordering
	desc := false
	if strings.HasPrefix(ordering, "-") {
		field = ordering[1:]
		desc = true
	}
	if !orderable[field] {
		field = "created_at"
		desc = true
	}
	if desc {
		return field + " DESC"
	}
	return field + " ASC"
}

// List returns one page of tasks matching the filter plus the total match
// count. Pagination is offset based: skip = (page-1) * pageSize.
func (r *Repo) List(ctx context.Context, f ListFilter, page, pageSize int, ordering string) ([]Task, int64, error) {
	q := r.db.WithContext(ctx).Model(&Task{}).Where("tenant_id = ?", f.TenantID)
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Model != "" {
		q = q.Where("model = ?", f.Model)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var tasks []Task
	err := q.Order(orderClause(ordering)).
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&tasks).Error
	if err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

package query

import (
	"time"

	"github.com/todo-1m/nowlater/internal/todolist"
)

type TodoView struct {
	ID       string `json:"id"`
	Task     string `json:"task"`
	Position int    `json:"position"`
}

// View is the read model returned after every command and by list reads.
type View struct {
	UserID          string     `json:"user_id"`
	ListID          string     `json:"list_id"`
	Version         int        `json:"version"`
	Now             []TodoView `json:"now"`
	Later           []TodoView `json:"later"`
	NowCapacity     int        `json:"now_capacity"`
	LastUnlockedAt  *time.Time `json:"last_unlocked_at,omitempty"`
	LastEscalatedAt *time.Time `json:"last_escalated_at,omitempty"`
	CanUnlock       bool       `json:"can_unlock"`
	EscalatedToday  bool       `json:"escalated_today"`
}

// NewView renders list as seen at now. The daily gates are evaluated in the
// location of now.
func NewView(list todolist.List, now time.Time) View {
	key := list.Key()
	return View{
		UserID:          key.UserID,
		ListID:          key.ListID,
		Version:         list.Version(),
		Now:             todoViews(list.Now()),
		Later:           todoViews(list.Later()),
		NowCapacity:     list.NowCapacity(),
		LastUnlockedAt:  optionalTime(list.LastUnlockedAt()),
		LastEscalatedAt: optionalTime(list.LastEscalatedAt()),
		CanUnlock:       list.CanUnlock(now),
		EscalatedToday:  list.EscalatedOn(now),
	}
}

func todoViews(todos []todolist.Todo) []TodoView {
	out := make([]TodoView, 0, len(todos))
	for _, t := range todos {
		out = append(out, TodoView{ID: t.ID, Task: t.Task, Position: t.Position})
	}
	return out
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

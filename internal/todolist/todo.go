package todolist

import (
	"strings"
)

// Todo is one item of a list. Position orders items within the list; values
// are unique and strictly increasing in list order but may leave gaps.
type Todo struct {
	ID       string `json:"id"`
	Task     string `json:"task"`
	Position int    `json:"position"`
}

// Schedule selects the sublist a new todo is added to.
type Schedule string

const (
	ScheduleNow   Schedule = "now"
	ScheduleLater Schedule = "later"
)

// ParseSchedule accepts "now" or "later" in any case. Empty input means now.
func ParseSchedule(raw string) (Schedule, error) {
	switch Schedule(strings.TrimSpace(strings.ToLower(raw))) {
	case "", ScheduleNow:
		return ScheduleNow, nil
	case ScheduleLater:
		return ScheduleLater, nil
	default:
		return "", ErrInvalidSchedule
	}
}

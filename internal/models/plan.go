package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Plan size bounds.
const (
	MinPlanTasks = 3
	MaxPlanTasks = 4
	// PlanDateLayout is the layout used for Plan.Date.
	PlanDateLayout = "2006-01-02"
)

// TaskType is the development area a task targets.
type TaskType string

const (
	TaskTypePhysical  TaskType = "physical"
	TaskTypeEmotional TaskType = "emotional"
	TaskTypeMental    TaskType = "mental"
)

// Difficulty is the effort level of a task.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Task is a single coaching task within a plan.
type Task struct {
	ID             int        `json:"id"`
	Type           TaskType   `json:"type" validate:"required,oneof=physical emotional mental"`
	Title          string     `json:"title" validate:"required,max=200"`
	Description    string     `json:"description"`
	Difficulty     Difficulty `json:"difficulty" validate:"required,oneof=easy medium hard"`
	PersonalityFit string     `json:"personality_fit"`
}

// Plan is the day's task set plus a motivation line.
type Plan struct {
	Date              string `json:"date"`
	Tasks             []Task `json:"tasks" validate:"min=3,max=4,dive"`
	MotivationMessage string `json:"motivation_message"`
}

var planValidate = validator.New(validator.WithRequiredStructEnabled())

// Normalize trims text fields, lowercases enum values, renumbers missing or
// duplicate task ids, and fills an empty date with today's UTC date.
func (p *Plan) Normalize(now time.Time) {
	p.Date = strings.TrimSpace(p.Date)
	if p.Date == "" {
		p.Date = now.UTC().Format(PlanDateLayout)
	}
	p.MotivationMessage = strings.TrimSpace(p.MotivationMessage)

	seen := make(map[int]bool, len(p.Tasks))
	renumber := false
	for i := range p.Tasks {
		t := &p.Tasks[i]
		t.Title = strings.TrimSpace(t.Title)
		t.Description = strings.TrimSpace(t.Description)
		t.PersonalityFit = strings.TrimSpace(t.PersonalityFit)
		t.Type = TaskType(strings.ToLower(strings.TrimSpace(string(t.Type))))
		t.Difficulty = Difficulty(strings.ToLower(strings.TrimSpace(string(t.Difficulty))))
		if t.ID <= 0 || seen[t.ID] {
			renumber = true
		}
		seen[t.ID] = true
	}
	if renumber {
		for i := range p.Tasks {
			p.Tasks[i].ID = i + 1
		}
	}
}

// Validate checks the plan against the task-count, title, type and difficulty rules.
// All failures wrap ErrInvalidPlan.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: plan is nil", ErrInvalidPlan)
	}
	if err := planValidate.Struct(p); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			details := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidPlan, strings.Join(details, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	ids := make(map[int]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		if ids[t.ID] {
			return fmt.Errorf("%w: duplicate task id %d", ErrInvalidPlan, t.ID)
		}
		ids[t.ID] = true
	}
	return nil
}

package store

import (
	"slices"
	"time"
)

type ReleaseStatus string

const (
	StatusEdit     ReleaseStatus = "EDIT"
	StatusReleased ReleaseStatus = "RELEASED"
)

type IntervalType string

const (
	IntervalNone    IntervalType = "NONE"
	IntervalDaily   IntervalType = "DAILY"
	IntervalWeekly  IntervalType = "WEEKLY"
	IntervalMonthly IntervalType = "MONTHLY"
)

type ReminderType string

const (
	ReminderNone          ReminderType = "NONE"
	ReminderAfterDays     ReminderType = "AFTER_DAYS"
	ReminderBeforeEndDays ReminderType = "BEFORE_END_DAYS"
)

type QuestionType string

const (
	TypeBoolean        QuestionType = "BOOL"
	TypeChoice         QuestionType = "CHOICE"
	TypeRange          QuestionType = "RANGE"
	TypeNumber         QuestionType = "NUMBER"
	TypeText           QuestionType = "TEXT"
	TypeChecklist      QuestionType = "CHECKLIST"
	TypeChecklistEntry QuestionType = "CHECKLIST_ENTRY"
)

// Survey is the root of a versioned definition. QuestionIDs is ordered and
// may be shared element-wise with other versions of the same family.
type Survey struct {
	ID            string
	NameID        string
	Version       int
	Title         string
	Description   string
	DependsOn     string
	IntervalType  IntervalType
	IntervalValue int
	IntervalStart *time.Time
	ReminderType  ReminderType
	ReminderValue int
	ReleaseStatus ReleaseStatus
	QuestionIDs   []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (s Survey) Clone() Survey {
	out := s
	out.QuestionIDs = slices.Clone(s.QuestionIDs)
	if s.IntervalStart != nil {
		start := *s.IntervalStart
		out.IntervalStart = &start
	}
	return out
}

type Question struct {
	ID                string
	Text              string
	Ranking           int
	Optional          bool
	ReleaseStatus     ReleaseStatus
	PreviousVersionID string
	Body              QuestionBody
	CreatedAt         time.Time
}

func (q Question) Type() QuestionType {
	if q.Body == nil {
		return ""
	}
	return q.Body.Type()
}

// ContainerID returns the id of the owned container, if the variant can own one.
func (q Question) ContainerID() string {
	switch body := q.Body.(type) {
	case *BooleanBody:
		return body.ContainerID
	case *ChoiceBody:
		return body.ContainerID
	}
	return ""
}

// SetContainerID is a no-op for variants that cannot own a container.
func (q *Question) SetContainerID(id string) {
	switch body := q.Body.(type) {
	case *BooleanBody:
		body.ContainerID = id
	case *ChoiceBody:
		body.ContainerID = id
	}
}

func (q Question) Clone() Question {
	out := q
	if q.Body != nil {
		out.Body = q.Body.clone()
	}
	return out
}

// QuestionBody holds the variant-specific fields of a Question. The set of
// implementations is closed.
type QuestionBody interface {
	Type() QuestionType
	clone() QuestionBody
}

type BooleanBody struct {
	DefaultAnswer *bool  `json:"defaultAnswer,omitempty"`
	ContainerID   string `json:"containerId,omitempty"`
}

type ChoiceBody struct {
	AnswerIDs       []string `json:"answerIds"`
	DefaultAnswerID string   `json:"defaultAnswerId,omitempty"`
	Multiple        bool     `json:"multiple"`
	ContainerID     string   `json:"containerId,omitempty"`
}

type RangeBody struct {
	MinValue      int    `json:"minValue"`
	MaxValue      int    `json:"maxValue"`
	MinText       string `json:"minText"`
	MaxText       string `json:"maxText"`
	DefaultAnswer *int   `json:"defaultAnswer,omitempty"`
}

type NumberBody struct {
	MinValue      int  `json:"minValue"`
	MaxValue      int  `json:"maxValue"`
	DefaultAnswer *int `json:"defaultAnswer,omitempty"`
}

type TextBody struct {
	Length    int  `json:"length"`
	Multiline bool `json:"multiline"`
}

type ChecklistBody struct {
	EntryIDs []string `json:"entryIds"`
}

type ChecklistEntryBody struct {
	DefaultAnswer bool `json:"defaultAnswer"`
}

func (*BooleanBody) Type() QuestionType        { return TypeBoolean }
func (*ChoiceBody) Type() QuestionType         { return TypeChoice }
func (*RangeBody) Type() QuestionType          { return TypeRange }
func (*NumberBody) Type() QuestionType         { return TypeNumber }
func (*TextBody) Type() QuestionType           { return TypeText }
func (*ChecklistBody) Type() QuestionType      { return TypeChecklist }
func (*ChecklistEntryBody) Type() QuestionType { return TypeChecklistEntry }

func (b *BooleanBody) clone() QuestionBody {
	out := *b
	out.DefaultAnswer = clonePtr(b.DefaultAnswer)
	return &out
}

func (b *ChoiceBody) clone() QuestionBody {
	out := *b
	out.AnswerIDs = slices.Clone(b.AnswerIDs)
	return &out
}

func (b *RangeBody) clone() QuestionBody {
	out := *b
	out.DefaultAnswer = clonePtr(b.DefaultAnswer)
	return &out
}

func (b *NumberBody) clone() QuestionBody {
	out := *b
	out.DefaultAnswer = clonePtr(b.DefaultAnswer)
	return &out
}

func (b *TextBody) clone() QuestionBody {
	out := *b
	return &out
}

func (b *ChecklistBody) clone() QuestionBody {
	out := *b
	out.EntryIDs = slices.Clone(b.EntryIDs)
	return &out
}

func (b *ChecklistEntryBody) clone() QuestionBody {
	out := *b
	return &out
}

// Container is a conditional branch below a Boolean or Choice question.
// ParentID is a plain lookup key and is never followed upward.
type Container struct {
	ID          string
	ParentID    string
	QuestionIDs []string
	Condition   Condition
	CreatedAt   time.Time
}

func (c Container) Type() QuestionType {
	if c.Condition == nil {
		return ""
	}
	return c.Condition.Type()
}

func (c Container) Clone() Container {
	out := c
	out.QuestionIDs = slices.Clone(c.QuestionIDs)
	if c.Condition != nil {
		out.Condition = c.Condition.clone()
	}
	return out
}

// Condition is the activation predicate of a Container.
type Condition interface {
	Type() QuestionType
	clone() Condition
}

type BooleanCondition struct {
	DependsOn bool `json:"dependsOn"`
}

type ChoiceCondition struct {
	AnswerIDs []string `json:"answerIds"`
}

func (*BooleanCondition) Type() QuestionType { return TypeBoolean }
func (*ChoiceCondition) Type() QuestionType  { return TypeChoice }

func (c *BooleanCondition) clone() Condition {
	out := *c
	return &out
}

func (c *ChoiceCondition) clone() Condition {
	return &ChoiceCondition{AnswerIDs: slices.Clone(c.AnswerIDs)}
}

type Answer struct {
	ID        string
	Value     string
	CreatedAt time.Time
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

package app

import (
	"time"

	"surveyhub/api/internal/store"
)

// SurveyDefinition carries the editable survey fields.
type SurveyDefinition struct {
	NameID          string             `json:"nameId" validate:"required,max=32"`
	Title           string             `json:"title" validate:"required,max=64"`
	Description     string             `json:"description" validate:"max=256"`
	DependsOn       string             `json:"dependsOn" validate:"omitempty,max=32"`
	IntervalEnabled bool               `json:"intervalEnabled"`
	IntervalType    store.IntervalType `json:"intervalType" validate:"omitempty,oneof=NONE DAILY WEEKLY MONTHLY"`
	IntervalValue   int                `json:"intervalValue" validate:"gte=0"`
	IntervalStart   *time.Time         `json:"intervalStart"`
	ReminderEnabled bool               `json:"reminderEnabled"`
	ReminderType    store.ReminderType `json:"reminderType" validate:"omitempty,oneof=NONE AFTER_DAYS BEFORE_END_DAYS"`
	ReminderValue   int                `json:"reminderValue" validate:"gte=0"`
}

// QuestionInput is the payload of addQuestion and updateQuestion. Ranking is
// only applied on update when set.
type QuestionInput struct {
	Text     string       `validate:"required,max=256"`
	Optional bool         `validate:"-"`
	Ranking  *int         `validate:"omitempty,gte=0"`
	Spec     QuestionSpec `validate:"-"`
}

// QuestionSpec holds the variant fields of a QuestionInput.
type QuestionSpec interface {
	Type() store.QuestionType
	isQuestionSpec()
}

type BooleanSpec struct {
	DefaultAnswer *bool
}

type ChoiceSpec struct {
	Answers []string `validate:"min=1,dive,required,max=256"`
	// DefaultAnswer indexes Answers.
	DefaultAnswer *int
	Multiple      bool
}

type RangeSpec struct {
	MinValue      int
	MaxValue      int
	MinText       string `validate:"max=64"`
	MaxText       string `validate:"max=64"`
	DefaultAnswer *int
}

type NumberSpec struct {
	MinValue      int
	MaxValue      int
	DefaultAnswer *int
}

type TextSpec struct {
	Length    int `validate:"gte=0"`
	Multiline bool
}

type ChecklistSpec struct {
	Entries []ChecklistEntrySpec `validate:"dive"`
}

// ChecklistEntrySpec updates the entry with ID (or the entry copied from it)
// and creates a new entry when ID is empty.
type ChecklistEntrySpec struct {
	ID            string `json:"id"`
	Text          string `json:"text" validate:"required,max=256"`
	DefaultAnswer bool   `json:"defaultAnswer"`
	Optional      bool   `json:"optional"`
}

func (BooleanSpec) Type() store.QuestionType   { return store.TypeBoolean }
func (ChoiceSpec) Type() store.QuestionType    { return store.TypeChoice }
func (RangeSpec) Type() store.QuestionType     { return store.TypeRange }
func (NumberSpec) Type() store.QuestionType    { return store.TypeNumber }
func (TextSpec) Type() store.QuestionType      { return store.TypeText }
func (ChecklistSpec) Type() store.QuestionType { return store.TypeChecklist }

func (BooleanSpec) isQuestionSpec()   {}
func (ChoiceSpec) isQuestionSpec()    {}
func (RangeSpec) isQuestionSpec()     {}
func (NumberSpec) isQuestionSpec()    {}
func (TextSpec) isQuestionSpec()      {}
func (ChecklistSpec) isQuestionSpec() {}

// ContainerInput is the payload of createContainer and updateContainer. The
// condition variant must match the parent question type.
type ContainerInput struct {
	Condition store.Condition
}

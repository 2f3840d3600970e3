package store

import (
	"encoding/json"
	"fmt"
)

func encodeBody(body QuestionBody) (QuestionType, string, error) {
	if body == nil {
		return "", "", fmt.Errorf("encode question body: missing body")
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", "", fmt.Errorf("encode %s body: %w", body.Type(), err)
	}
	return body.Type(), string(payload), nil
}

func decodeBody(questionType QuestionType, raw string) (QuestionBody, error) {
	var body QuestionBody
	switch questionType {
	case TypeBoolean:
		body = &BooleanBody{}
	case TypeChoice:
		body = &ChoiceBody{}
	case TypeRange:
		body = &RangeBody{}
	case TypeNumber:
		body = &NumberBody{}
	case TypeText:
		body = &TextBody{}
	case TypeChecklist:
		body = &ChecklistBody{}
	case TypeChecklistEntry:
		body = &ChecklistEntryBody{}
	default:
		return nil, fmt.Errorf("decode question body: unknown type %q", questionType)
	}
	if err := json.Unmarshal([]byte(raw), body); err != nil {
		return nil, fmt.Errorf("decode %s body: %w", questionType, err)
	}
	return body, nil
}

func encodeCondition(condition Condition) (QuestionType, string, error) {
	if condition == nil {
		return "", "", fmt.Errorf("encode container condition: missing condition")
	}
	payload, err := json.Marshal(condition)
	if err != nil {
		return "", "", fmt.Errorf("encode %s condition: %w", condition.Type(), err)
	}
	return condition.Type(), string(payload), nil
}

func decodeCondition(containerType QuestionType, raw string) (Condition, error) {
	var condition Condition
	switch containerType {
	case TypeBoolean:
		condition = &BooleanCondition{}
	case TypeChoice:
		condition = &ChoiceCondition{}
	default:
		return nil, fmt.Errorf("decode container condition: unknown type %q", containerType)
	}
	if err := json.Unmarshal([]byte(raw), condition); err != nil {
		return nil, fmt.Errorf("decode %s condition: %w", containerType, err)
	}
	return condition, nil
}

package app

import (
	"context"

	"surveyhub/api/internal/store"
)

// nodeVisitor pairs a predicate with the action applied to matching nodes.
type nodeVisitor[T any] struct {
	match func(T) bool
	visit func(T)
}

func (v nodeVisitor[T]) apply(node T) {
	if v.match == nil || v.match(node) {
		v.visit(node)
	}
}

// treeWalk is a depth-first traversal of a survey tree: every root question
// in list order, then its checklist entries, then its container and the
// container's children.
type treeWalk struct {
	tx         store.Tx
	questions  []nodeVisitor[store.Question]
	containers []nodeVisitor[store.Container]
	seen       map[string]struct{}
}

func newTreeWalk(tx store.Tx) *treeWalk {
	return &treeWalk{tx: tx, seen: make(map[string]struct{})}
}

func (w *treeWalk) onQuestion(match func(store.Question) bool, visit func(store.Question)) *treeWalk {
	w.questions = append(w.questions, nodeVisitor[store.Question]{match: match, visit: visit})
	return w
}

func (w *treeWalk) onContainer(match func(store.Container) bool, visit func(store.Container)) *treeWalk {
	w.containers = append(w.containers, nodeVisitor[store.Container]{match: match, visit: visit})
	return w
}

func (w *treeWalk) survey(ctx context.Context, survey store.Survey) error {
	for _, id := range survey.QuestionIDs {
		if err := w.question(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (w *treeWalk) question(ctx context.Context, id string) error {
	if err := w.mark(id); err != nil {
		return err
	}
	question, err := w.tx.GetQuestion(ctx, id)
	if err != nil {
		return danglingOr(err, "question %s is referenced but missing", id)
	}
	for _, v := range w.questions {
		v.apply(question)
	}

	if checklist, ok := question.Body.(*store.ChecklistBody); ok {
		for _, entryID := range checklist.EntryIDs {
			if err := w.question(ctx, entryID); err != nil {
				return err
			}
		}
	}

	if containerID := question.ContainerID(); containerID != "" {
		return w.container(ctx, containerID)
	}
	return nil
}

func (w *treeWalk) container(ctx context.Context, id string) error {
	if err := w.mark(id); err != nil {
		return err
	}
	container, err := w.tx.GetContainer(ctx, id)
	if err != nil {
		return danglingOr(err, "container %s is referenced but missing", id)
	}
	for _, v := range w.containers {
		v.apply(container)
	}
	for _, childID := range container.QuestionIDs {
		if err := w.question(ctx, childID); err != nil {
			return err
		}
	}
	return nil
}

func (w *treeWalk) mark(id string) error {
	if _, ok := w.seen[id]; ok {
		return internalError("node %s is reachable twice in one survey tree", id)
	}
	w.seen[id] = struct{}{}
	return nil
}

// danglingOr turns a missing referenced node into an internal error and
// passes any other storage error through.
func danglingOr(err error, format string, args ...any) error {
	if isNotFound(err) {
		return internalError(format, args...)
	}
	return err
}

package store

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func openIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	db := openTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db)
}

func TestPostgresRejectsSecondDraftPerFamily(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveSurvey(ctx, Survey{
			ID: "srv_1", NameID: "onboarding", Version: 1, Title: "Onboarding",
			IntervalType: IntervalNone, ReminderType: ReminderNone, ReleaseStatus: StatusEdit,
		})
	})
	if err != nil {
		t.Fatalf("save first draft: %v", err)
	}

	err = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveSurvey(ctx, Survey{
			ID: "srv_2", NameID: "onboarding", Version: 2, Title: "Onboarding",
			IntervalType: IntervalNone, ReminderType: ReminderNone, ReleaseStatus: StatusEdit,
		})
	})
	if !errors.Is(err, ErrUniqueViolation) {
		t.Fatalf("expected unique violation, got %v", err)
	}
}

func TestPostgresQuestionTreeRoundTrip(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, answer := range []Answer{{ID: "ans_a", Value: "yes"}, {ID: "ans_b", Value: "no"}} {
			if err := tx.SaveAnswer(ctx, answer); err != nil {
				return err
			}
		}
		if err := tx.SaveQuestion(ctx, Question{
			ID: "qst_choice", Text: "Pick one", ReleaseStatus: StatusEdit,
			Body: &ChoiceBody{AnswerIDs: []string{"ans_a", "ans_b"}, DefaultAnswerID: "ans_b", ContainerID: "ctr_1"},
		}); err != nil {
			return err
		}
		if err := tx.SaveQuestion(ctx, Question{
			ID: "qst_text", Text: "Why?", ReleaseStatus: StatusEdit, Body: &TextBody{Length: 120, Multiline: true},
		}); err != nil {
			return err
		}
		if err := tx.SaveContainer(ctx, Container{
			ID: "ctr_1", ParentID: "qst_choice", QuestionIDs: []string{"qst_text"},
			Condition: &ChoiceCondition{AnswerIDs: []string{"ans_a"}},
		}); err != nil {
			return err
		}
		return tx.SaveSurvey(ctx, Survey{
			ID: "srv_tree", NameID: "tree", Version: 1, Title: "Tree",
			IntervalType: IntervalNone, ReminderType: ReminderNone, ReleaseStatus: StatusEdit,
			QuestionIDs: []string{"qst_choice"},
		})
	})
	if err != nil {
		t.Fatalf("seed tree: %v", err)
	}

	err = s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		question, err := tx.GetQuestion(ctx, "qst_choice")
		if err != nil {
			return err
		}
		body, ok := question.Body.(*ChoiceBody)
		if !ok || body.DefaultAnswerID != "ans_b" || len(body.AnswerIDs) != 2 {
			t.Fatalf("unexpected choice body: %#v", question.Body)
		}
		containers, err := tx.ContainersByQuestion(ctx, "qst_text")
		if err != nil {
			return err
		}
		if len(containers) != 1 || containers[0].ParentID != "qst_choice" {
			t.Fatalf("unexpected containers: %#v", containers)
		}
		owners, err := tx.SurveysByRootQuestion(ctx, "qst_choice")
		if err != nil {
			return err
		}
		if len(owners) != 1 || owners[0].ID != "srv_tree" {
			t.Fatalf("unexpected owners: %#v", owners)
		}
		answers, err := tx.GetAnswers(ctx, []string{"ans_b", "ans_a"})
		if err != nil {
			return err
		}
		if answers[0].Value != "no" || answers[1].Value != "yes" {
			t.Fatalf("answers out of order: %#v", answers)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read tree: %v", err)
	}
}

func TestPostgresConcurrentDraftEditsAreNotLost(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	seed := Survey{
		ID: "srv_draft", NameID: "draft", Version: 1, Title: "Draft",
		IntervalType: IntervalNone, ReminderType: ReminderNone, ReleaseStatus: StatusEdit,
		QuestionIDs: []string{"qst_seed"},
	}
	if err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveSurvey(ctx, seed)
	}); err != nil {
		t.Fatalf("seed draft: %v", err)
	}

	appendRoot := func(ctx context.Context, tx Tx, id string) error {
		survey, err := tx.GetSurvey(ctx, "srv_draft")
		if err != nil {
			return err
		}
		survey.QuestionIDs = append(survey.QuestionIDs, id)
		return tx.SaveSurvey(ctx, survey)
	}

	read := make(chan struct{})
	committed := make(chan struct{})
	attempts := 0
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			attempts++
			survey, err := tx.GetSurvey(ctx, "srv_draft")
			if err != nil {
				return err
			}
			if attempts == 1 {
				close(read)
				<-committed
			}
			survey.QuestionIDs = append(survey.QuestionIDs, "qst_first")
			return tx.SaveSurvey(ctx, survey)
		})
	}()

	<-read
	if err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return appendRoot(ctx, tx, "qst_second")
	}); err != nil {
		t.Fatalf("second edit: %v", err)
	}
	close(committed)

	if err := <-done; err != nil {
		t.Fatalf("first edit: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected the losing edit to be re-run once, ran %d times", attempts)
	}

	var got Survey
	if err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		got, err = tx.GetSurvey(ctx, "srv_draft")
		return err
	}); err != nil {
		t.Fatalf("read draft: %v", err)
	}
	for _, id := range []string{"qst_seed", "qst_second", "qst_first"} {
		if !slices.Contains(got.QuestionIDs, id) {
			t.Fatalf("edit %s lost: %v", id, got.QuestionIDs)
		}
	}
}

func TestPostgresGivesUpOnPersistentConflict(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()

	if err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.SaveSurvey(ctx, Survey{
			ID: "srv_hot", NameID: "hot", Version: 1, Title: "Hot",
			IntervalType: IntervalNone, ReminderType: ReminderNone, ReleaseStatus: StatusEdit,
		})
	}); err != nil {
		t.Fatalf("seed draft: %v", err)
	}

	// Every attempt loses to a writer that commits between its read and write.
	attempts := 0
	err := s.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		attempts++
		survey, err := tx.GetSurvey(ctx, "srv_hot")
		if err != nil {
			return err
		}
		if err := s.WithinTx(ctx, func(ctx context.Context, other Tx) error {
			rival, err := other.GetSurvey(ctx, "srv_hot")
			if err != nil {
				return err
			}
			rival.Title += "!"
			return other.SaveSurvey(ctx, rival)
		}); err != nil {
			return err
		}
		survey.Description = "mine"
		return tx.SaveSurvey(ctx, survey)
	})
	if !errors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("expected concurrent update, got %v", err)
	}
	if attempts != maxTxAttempts {
		t.Fatalf("expected %d attempts, got %d", maxTxAttempts, attempts)
	}
}

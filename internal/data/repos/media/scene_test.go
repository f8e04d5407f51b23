package media

import (
	"context"
	"errors"
	"testing"

	"github.com/yungbote/scenecast-backend/internal/data/repos/testutil"
	domain "github.com/yungbote/scenecast-backend/internal/domain/media"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
)

func TestSceneRepoRejectsDuplicateSequence(t *testing.T) {
	db := testutil.DB(t)
	repo := NewSceneRepo(db, testutil.Logger(t))
	p, _ := testutil.SeedProject(t, db, 2, nil)
	dbc := dbctx.New(context.Background())

	err := repo.Create(dbc, &domain.Scene{ProjectID: p.ID, SequenceNumber: 2, Description: "dup"})
	if !errors.Is(err, apperr.ErrDuplicateSequence) {
		t.Fatalf("Create duplicate: want ErrDuplicateSequence got=%v", err)
	}
	if !errors.Is(err, apperr.ErrInput) {
		t.Fatalf("duplicate should classify as input error: %v", err)
	}
	n, err := repo.CountByProject(dbc, p.ID)
	if err != nil {
		t.Fatalf("CountByProject: %v", err)
	}
	if n != 2 {
		t.Fatalf("scene count: want=2 got=%d", n)
	}
}

func TestSceneRepoCreateBatchIsAllOrNothing(t *testing.T) {
	db := testutil.DB(t)
	repo := NewSceneRepo(db, testutil.Logger(t))
	p, _ := testutil.SeedProject(t, db, 0, nil)
	dbc := dbctx.New(context.Background())

	batch := []*domain.Scene{
		{ProjectID: p.ID, SequenceNumber: 1},
		{ProjectID: p.ID, SequenceNumber: 2},
		{ProjectID: p.ID, SequenceNumber: 2},
	}
	if err := repo.CreateBatch(dbc, batch); !errors.Is(err, apperr.ErrDuplicateSequence) {
		t.Fatalf("CreateBatch: want ErrDuplicateSequence got=%v", err)
	}
	n, _ := repo.CountByProject(dbc, p.ID)
	if n != 0 {
		t.Fatalf("partial batch persisted: %d scenes", n)
	}
}

func TestSceneRepoListByProjectOrdersBySequence(t *testing.T) {
	db := testutil.DB(t)
	repo := NewSceneRepo(db, testutil.Logger(t))
	p, _ := testutil.SeedProject(t, db, 0, nil)
	dbc := dbctx.New(context.Background())

	for _, seq := range []int{3, 1, 2} {
		if err := repo.Create(dbc, &domain.Scene{ProjectID: p.ID, SequenceNumber: seq}); err != nil {
			t.Fatalf("Create %d: %v", seq, err)
		}
	}
	got, err := repo.ListByProject(dbc, p.ID)
	if err != nil {
		t.Fatalf("ListByProject: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len: want=3 got=%d", len(got))
	}
	for i, s := range got {
		if s.SequenceNumber != i+1 {
			t.Fatalf("order[%d]: want=%d got=%d", i, i+1, s.SequenceNumber)
		}
		if s.Status != domain.ScenePending {
			t.Fatalf("default status: want=PENDING got=%s", s.Status)
		}
		if s.Duration != domain.DefaultSceneDuration {
			t.Fatalf("default duration: got=%v", s.Duration)
		}
	}
}

func TestSceneRepoValidatesSequence(t *testing.T) {
	db := testutil.DB(t)
	repo := NewSceneRepo(db, testutil.Logger(t))
	p, _ := testutil.SeedProject(t, db, 0, nil)

	err := repo.Create(dbctx.New(context.Background()), &domain.Scene{ProjectID: p.ID, SequenceNumber: 0})
	if !errors.Is(err, apperr.ErrInput) {
		t.Fatalf("want ErrInput got=%v", err)
	}
}

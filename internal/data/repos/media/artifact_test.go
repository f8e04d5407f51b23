package media

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/yungbote/scenecast-backend/internal/data/repos/testutil"
	domain "github.com/yungbote/scenecast-backend/internal/domain/media"
	apperr "github.com/yungbote/scenecast-backend/internal/pkg/errors"
	"github.com/yungbote/scenecast-backend/internal/platform/dbctx"
)

func TestArtifactRepoLinksInCreationOrder(t *testing.T) {
	db := testutil.DB(t)
	repo := NewArtifactRepo(db, testutil.Logger(t))
	p, scenes := testutil.SeedProject(t, db, 1, nil)
	dbc := dbctx.New(context.Background())

	kinds := []struct {
		kind domain.ArtifactKind
		role domain.Role
		uri  string
	}{
		{domain.ArtifactImage, domain.RoleBackground, "file:///a.png"},
		{domain.ArtifactVideo, domain.RoleVideo, "file:///a.mp4"},
		{domain.ArtifactVideo, domain.RoleVideo, "file:///a_sync.mp4"},
	}
	for _, k := range kinds {
		a := &domain.Artifact{ProjectID: p.ID, Kind: k.kind, Stage: "test", URI: k.uri}
		if err := repo.Create(dbc, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := repo.Link(dbc, scenes[0].ID, a.ID, k.role); err != nil {
			t.Fatalf("Link: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	links, err := repo.ListForScene(dbc, scenes[0].ID)
	if err != nil {
		t.Fatalf("ListForScene: %v", err)
	}
	if len(links) != 3 {
		t.Fatalf("len: want=3 got=%d", len(links))
	}
	for i, l := range links {
		if l.Artifact == nil {
			t.Fatalf("link %d: artifact not preloaded", i)
		}
		if l.Artifact.URI != kinds[i].uri {
			t.Fatalf("link %d: want=%s got=%s", i, kinds[i].uri, l.Artifact.URI)
		}
	}

	n, err := repo.CountForProject(dbc, p.ID)
	if err != nil || n != 3 {
		t.Fatalf("CountForProject: n=%d err=%v", n, err)
	}
}

func TestArtifactRepoRequiresURI(t *testing.T) {
	db := testutil.DB(t)
	repo := NewArtifactRepo(db, testutil.Logger(t))
	err := repo.Create(dbctx.New(context.Background()), &domain.Artifact{Kind: domain.ArtifactImage})
	if !errors.Is(err, apperr.ErrInput) {
		t.Fatalf("want ErrInput got=%v", err)
	}
}

func TestOutputRepoUpsertReplaces(t *testing.T) {
	db := testutil.DB(t)
	repo := NewOutputRepo(db, testutil.Logger(t))
	p, _ := testutil.SeedProject(t, db, 0, nil)
	dbc := dbctx.New(context.Background())

	first := &domain.ProjectOutput{ProjectID: p.ID, URI: "file:///one.mp4", ClipCount: 2}
	if err := repo.Upsert(dbc, first); err != nil {
		t.Fatalf("Upsert first: %v", err)
	}
	second := &domain.ProjectOutput{ProjectID: p.ID, URI: "file:///two.mp4", ClipCount: 3}
	if err := repo.Upsert(dbc, second); err != nil {
		t.Fatalf("Upsert second: %v", err)
	}
	got, err := repo.GetByProject(dbc, p.ID)
	if err != nil {
		t.Fatalf("GetByProject: %v", err)
	}
	if got.URI != "file:///two.mp4" || got.ClipCount != 3 {
		t.Fatalf("upsert did not replace: %+v", got)
	}
	var count int64
	db.Model(&domain.ProjectOutput{}).Where("project_id = ?", p.ID).Count(&count)
	if count != 1 {
		t.Fatalf("rows: want=1 got=%d", count)
	}
}

func TestProjectRepoNotFound(t *testing.T) {
	db := testutil.DB(t)
	repo := NewProjectRepo(db, testutil.Logger(t))
	p, _ := testutil.SeedProject(t, db, 0, nil)
	dbc := dbctx.New(context.Background())

	if err := repo.SetStatus(dbc, p.ID, domain.ProjectProcessing); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	got, err := repo.GetByID(dbc, p.ID)
	if err != nil || got.Status != domain.ProjectProcessing {
		t.Fatalf("GetByID: status=%v err=%v", got, err)
	}
	if _, err := repo.GetByID(dbc, testutil.MissingID()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("missing project: want ErrNotFound got=%v", err)
	}
}

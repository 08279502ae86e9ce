package deploymentstore

import (
	"testing"

	"deployerd/m/v2/internal/apierr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), t.TempDir())
}

func TestCreateAndGetViaIndex(t *testing.T) {
	store := newTestStore(t)
	id := NewDeploymentID()

	d := Deployment{
		DeploymentID: id,
		ProjectID:    "p1",
		Status:       StatusQueued,
		CreatedAt:    NowRFC3339(),
		LogPath:      store.LogPath("p1", id),
		Steps:        map[string]*StepState{},
	}

	if err := store.Create(d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ProjectID != "p1" || got.Status != StatusQueued {
		t.Fatalf("unexpected deployment: %+v", got)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("does-not-exist")
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListForProjectNewestFirstAndLimit(t *testing.T) {
	store := newTestStore(t)

	timestamps := []string{"2026-01-01T00:00:00Z", "2026-01-02T00:00:00Z", "2026-01-03T00:00:00Z"}
	var ids []string
	for _, ts := range timestamps {
		id := NewDeploymentID()
		ids = append(ids, id)
		d := Deployment{
			DeploymentID: id,
			ProjectID:    "p1",
			Status:       StatusSuccess,
			CreatedAt:    ts,
			Steps:        map[string]*StepState{},
		}
		if err := store.Create(d); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	all, err := store.ListForProject("p1", 0)
	if err != nil {
		t.Fatalf("ListForProject: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 deployments, got %d", len(all))
	}
	if all[0].CreatedAt != timestamps[2] {
		t.Fatalf("expected newest first, got %+v", all)
	}

	limited, err := store.ListForProject("p1", 2)
	if err != nil {
		t.Fatalf("ListForProject limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 deployments with limit, got %d", len(limited))
	}
}

func TestUpdateTransitionsStatus(t *testing.T) {
	store := newTestStore(t)
	id := NewDeploymentID()
	d := Deployment{DeploymentID: id, ProjectID: "p1", Status: StatusQueued, CreatedAt: NowRFC3339(), Steps: map[string]*StepState{}}
	if err := store.Create(d); err != nil {
		t.Fatalf("Create: %v", err)
	}

	d.Status = StatusRunning
	d.StartedAt = NowRFC3339()
	if err := store.Update(d); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}
}

package repo

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Dharshan-K/medplum/gateway/internal/auth"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
)

func setupTestRepo(t *testing.T) (*Factory, store.Store, *auth.State, *auth.State) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	mk := func(name string) *auth.State {
		p := &store.Project{ID: uuid.New().String(), Name: name, CreatedAt: time.Now()}
		if err := s.CreateProject(context.Background(), p); err != nil {
			t.Fatal(err)
		}
		return &auth.State{
			Project:    p,
			Membership: &store.Membership{ID: uuid.New().String(), ProjectID: p.ID, Profile: "Practitioner/" + name},
			Login:      &store.Login{ID: uuid.New().String(), ProjectID: p.ID},
		}
	}
	return NewFactory(s), s, mk("a"), mk("b")
}

func TestCreateAndRead(t *testing.T) {
	f, _, a, _ := setupTestRepo(t)
	ctx := context.Background()
	r := f.ForPrincipal(a, Options{})

	created, err := r.CreateResource(ctx, &store.Resource{
		Content: json.RawMessage(`{"resourceType":"Agent","name":"lab","status":"active"}`),
	})
	if err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if created.ID == "" || created.ResourceType != "Agent" || created.ProjectID != a.Project.ID {
		t.Errorf("created: got %+v", created)
	}

	agent, err := ReadAgent(ctx, r, created.ID)
	if err != nil {
		t.Fatalf("ReadAgent: %v", err)
	}
	if agent.ID != created.ID {
		t.Errorf("Agent.ID: got %q, want %q", agent.ID, created.ID)
	}
	if agent.Name != "lab" || agent.Status != "active" {
		t.Errorf("agent: got %+v", agent)
	}
}

func TestReadMissing(t *testing.T) {
	f, _, a, _ := setupTestRepo(t)
	r := f.ForPrincipal(a, Options{Elevated: true})
	for _, tt := range []struct{ typ, id string }{
		{"Agent", "nope"},
		{"Agent", ""},
		{"", "x"},
	} {
		if _, err := r.ReadResource(context.Background(), tt.typ, tt.id); !errors.Is(err, ErrNotFound) {
			t.Errorf("ReadResource(%q, %q): got %v, want ErrNotFound", tt.typ, tt.id, err)
		}
	}
}

func TestProjectScoping(t *testing.T) {
	f, _, a, b := setupTestRepo(t)
	ctx := context.Background()

	bot, err := f.ForPrincipal(b, Options{}).CreateResource(ctx, &store.Resource{
		ResourceType: "Bot",
		Content:      json.RawMessage(`{"resourceType":"Bot","code":"exports.handler = () => 1"}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.ForPrincipal(a, Options{}).ReadResource(ctx, "Bot", bot.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-project read: got %v, want ErrNotFound", err)
	}
	got, err := ReadBot(ctx, f.ForPrincipal(a, Options{Elevated: true}), bot.ID)
	if err != nil {
		t.Fatalf("elevated read: %v", err)
	}
	if got.Code != "exports.handler = () => 1" {
		t.Errorf("Code: got %q", got.Code)
	}
}

func TestCreateWritePolicy(t *testing.T) {
	f, _, a, b := setupTestRepo(t)
	ctx := context.Background()

	_, err := f.ForPrincipal(a, Options{}).CreateResource(ctx, &store.Resource{
		ProjectID: b.Project.ID,
		Content:   json.RawMessage(`{"resourceType":"Patient"}`),
	})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("write to other project: got %v, want ErrForbidden", err)
	}

	_, err = f.ForPrincipal(&auth.State{}, Options{}).CreateResource(ctx, &store.Resource{
		Content: json.RawMessage(`{"resourceType":"Patient"}`),
	})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("write without project: got %v, want ErrForbidden", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f, _, a, _ := setupTestRepo(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		opts    Options
		res     store.Resource
		wantErr error
	}{
		{"not an object", Options{}, store.Resource{Content: json.RawMessage(`[1]`)}, ErrInvalid},
		{"missing type", Options{}, store.Resource{Content: json.RawMessage(`{"name":"x"}`)}, ErrInvalid},
		{"type mismatch", Options{}, store.Resource{ResourceType: "Bot", Content: json.RawMessage(`{"resourceType":"Agent"}`)}, ErrInvalid},
		{"strict unknown type", Options{StrictMode: true}, store.Resource{Content: json.RawMessage(`{"resourceType":"Widget"}`)}, ErrInvalid},
		{"lenient unknown type", Options{}, store.Resource{Content: json.RawMessage(`{"resourceType":"Widget"}`)}, nil},
		{"strict known type", Options{StrictMode: true}, store.Resource{Content: json.RawMessage(`{"resourceType":"Patient"}`)}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.res
			_, err := f.ForPrincipal(a, tt.opts).CreateResource(ctx, &res)
			if tt.wantErr == nil && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReferenceCheck(t *testing.T) {
	f, _, a, _ := setupTestRepo(t)
	ctx := context.Background()
	r := f.ForPrincipal(a, Options{CheckReferencesOnWrite: true})

	patient, err := r.CreateResource(ctx, &store.Resource{Content: json.RawMessage(`{"resourceType":"Patient"}`)})
	if err != nil {
		t.Fatal(err)
	}

	good := `{"resourceType":"Observation","subject":{"reference":"Patient/` + patient.ID + `"},"performer":[{"reference":"https://example.com/Practitioner/1"},{"reference":"#contained"}]}`
	if _, err := r.CreateResource(ctx, &store.Resource{Content: json.RawMessage(good)}); err != nil {
		t.Errorf("valid references: %v", err)
	}

	bad := `{"resourceType":"Observation","subject":{"reference":"Patient/does-not-exist"}}`
	if _, err := r.CreateResource(ctx, &store.Resource{Content: json.RawMessage(bad)}); !errors.Is(err, ErrInvalid) {
		t.Errorf("dangling reference: got %v, want ErrInvalid", err)
	}

	// Without the check the same write succeeds.
	if _, err := f.ForPrincipal(a, Options{}).CreateResource(ctx, &store.Resource{Content: json.RawMessage(bad)}); err != nil {
		t.Errorf("unchecked write: %v", err)
	}
}

func TestCollectReferences(t *testing.T) {
	var v any
	json.Unmarshal([]byte(`{"a":{"reference":"Patient/1"},"b":[{"reference":"Bot/2"},{"x":{"reference":"urn:uuid:3"}}],"reference":"Agent/4"}`), &v)
	refs := collectReferences(v)
	want := map[string]bool{"Patient/1": true, "Bot/2": true, "Agent/4": true}
	if len(refs) != len(want) {
		t.Fatalf("refs: got %v", refs)
	}
	for _, r := range refs {
		if !want[r] {
			t.Errorf("unexpected ref %q", r)
		}
	}
	if Reference("Agent", "1") != "Agent/1" {
		t.Errorf("Reference: got %q", Reference("Agent", "1"))
	}
}

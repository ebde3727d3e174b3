// Package repo is the resource repository seen by an authenticated
// principal. It applies project scoping, strict mode and reference checks on
// top of the store.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Dharshan-K/medplum/gateway/internal/auth"
	"github.com/Dharshan-K/medplum/gateway/internal/store"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	ErrInvalid   = errors.New("invalid resource")
)

// Options shape how a Repository treats reads and writes.
type Options struct {
	// StrictMode rejects writes of unknown resource types.
	StrictMode bool
	// Elevated allows reads across projects.
	Elevated bool
	// CheckReferencesOnWrite requires every reference target to exist.
	CheckReferencesOnWrite bool
}

// Reader reads a single resource.
type Reader interface {
	ReadResource(ctx context.Context, resourceType, id string) (*store.Resource, error)
}

// Factory builds repositories bound to a principal.
type Factory struct {
	store store.Store
}

// NewFactory creates a Factory over s.
func NewFactory(s store.Store) *Factory {
	return &Factory{store: s}
}

// ForPrincipal returns a repository acting as state with the given options.
func (f *Factory) ForPrincipal(state *auth.State, opts Options) *Repository {
	return &Repository{store: f.store, state: state, opts: opts}
}

// Repository reads and writes resources on behalf of one principal.
type Repository struct {
	store store.Store
	state *auth.State
	opts  Options
}

// Options returns the options the repository was built with.
func (r *Repository) Options() Options { return r.opts }

func (r *Repository) projectID() string {
	if r.state == nil || r.state.Project == nil {
		return ""
	}
	return r.state.Project.ID
}

// ReadResource returns the resource, or ErrNotFound when it does not exist
// or belongs to another project and the repository is not elevated.
func (r *Repository) ReadResource(ctx context.Context, resourceType, id string) (*store.Resource, error) {
	if resourceType == "" || id == "" {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	res, err := r.store.GetResource(ctx, resourceType, id)
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", resourceType, id, err)
	}
	if res == nil || (!r.opts.Elevated && res.ProjectID != r.projectID()) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, resourceType, id)
	}
	return res, nil
}

// CreateResource validates and stores a new resource in the principal's
// project. The content's "id" and "resourceType" are set from res.
func (r *Repository) CreateResource(ctx context.Context, res *store.Resource) (*store.Resource, error) {
	project := r.projectID()
	if project == "" {
		return nil, ErrForbidden
	}
	if res.ProjectID != "" && res.ProjectID != project && !r.opts.Elevated {
		return nil, ErrForbidden
	}

	var content map[string]any
	if err := json.Unmarshal(res.Content, &content); err != nil || content == nil {
		return nil, fmt.Errorf("%w: content must be a JSON object", ErrInvalid)
	}
	declared, _ := content["resourceType"].(string)
	if res.ResourceType == "" {
		res.ResourceType = declared
	}
	if res.ResourceType == "" {
		return nil, fmt.Errorf("%w: missing resourceType", ErrInvalid)
	}
	if declared != "" && declared != res.ResourceType {
		return nil, fmt.Errorf("%w: resourceType %q does not match %q", ErrInvalid, declared, res.ResourceType)
	}
	if r.opts.StrictMode && !knownResourceTypes[res.ResourceType] {
		return nil, fmt.Errorf("%w: unknown resourceType %q", ErrInvalid, res.ResourceType)
	}

	if r.opts.CheckReferencesOnWrite {
		for _, ref := range collectReferences(content) {
			if err := r.checkReference(ctx, ref); err != nil {
				return nil, err
			}
		}
	}

	out := &store.Resource{
		ID:           res.ID,
		ProjectID:    res.ProjectID,
		ResourceType: res.ResourceType,
		CreatedAt:    time.Now().UTC(),
	}
	if out.ID == "" {
		out.ID = uuid.New().String()
	}
	if out.ProjectID == "" {
		out.ProjectID = project
	}
	content["resourceType"] = out.ResourceType
	content["id"] = out.ID
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	out.Content = raw

	if err := r.store.PutResource(ctx, out); err != nil {
		return nil, fmt.Errorf("write %s/%s: %w", out.ResourceType, out.ID, err)
	}
	return out, nil
}

func (r *Repository) checkReference(ctx context.Context, ref string) error {
	resourceType, id, ok := strings.Cut(ref, "/")
	if !ok || resourceType == "" || id == "" {
		// Absolute URLs, contained (#) and conditional references are not checked.
		return nil
	}
	if _, err := r.ReadResource(ctx, resourceType, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: invalid reference %s", ErrInvalid, ref)
		}
		return err
	}
	return nil
}

// collectReferences returns the value of every "reference" string found in v.
func collectReferences(v any) []string {
	var refs []string
	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case map[string]any:
			for k, child := range val {
				if s, ok := child.(string); ok && k == "reference" {
					if !strings.Contains(s, ":") && !strings.HasPrefix(s, "#") && !strings.Contains(s, "?") {
						refs = append(refs, s)
					}
					continue
				}
				walk(child)
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		}
	}
	walk(v)
	return refs
}

// Reference formats a relative reference.
func Reference(resourceType, id string) string {
	return resourceType + "/" + id
}

var knownResourceTypes = map[string]bool{
	"Agent":                 true,
	"AuditEvent":            true,
	"Binary":                true,
	"Bot":                   true,
	"Communication":         true,
	"Device":                true,
	"DiagnosticReport":      true,
	"DocumentReference":     true,
	"Encounter":             true,
	"Endpoint":              true,
	"Location":              true,
	"Observation":           true,
	"Organization":          true,
	"Patient":               true,
	"Practitioner":          true,
	"Project":               true,
	"ProjectMembership":     true,
	"Questionnaire":         true,
	"QuestionnaireResponse": true,
	"ServiceRequest":        true,
	"Subscription":          true,
	"Task":                  true,
}

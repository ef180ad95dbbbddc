package itemdesk

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Field names usable in a [Query]. These match the model column names.
const (
	fieldID            = "id"
	fieldProject       = "project"
	fieldItemNumber    = "item_number"
	fieldRequesterID   = "requester_id"
	fieldRequesterName = "requester_name"
	fieldStatus        = "status"
	fieldTechnologies  = "technologies"
)

// caseInsensitiveFields is the per-field matching policy: queries on
// these fields compare strings case-insensitively. Everything else
// (IDs, item numbers) compares exactly.
var caseInsensitiveFields = map[string]bool{
	fieldProject:       true,
	fieldRequesterName: true,
	fieldStatus:        true,
	fieldTechnologies:  true,
}

// Query is a field -> expected value mapping. All entries must match
// (AND). For the technologies field, the query matches when the
// expected value is a member of the record's technology list.
type Query map[string]any

// Store is the storage interface the bot depends on. It's implemented
// by [gormStore] for sqlite/postgres, and by [memoryStore] for tests
// and the 'memory' database type.
type Store interface {
	CreateRequest(ctx context.Context, r *Request) error
	Requests(ctx context.Context, q Query) ([]Request, error)

	// FirstRequest returns the first matching record, or nil if
	// none match.
	FirstRequest(ctx context.Context, q Query) (*Request, error)
	UpdateRequests(ctx context.Context, q Query, patch map[string]any) (int64, error)
	DeleteRequests(ctx context.Context, q Query) (int64, error)

	CreateReassignment(ctx context.Context, r *ReassignmentRequest) error
	Reassignments(ctx context.Context, q Query) ([]ReassignmentRequest, error)
	FirstReassignment(ctx context.Context, q Query) (*ReassignmentRequest, error)
	UpdateReassignments(ctx context.Context, q Query, patch map[string]any) (int64, error)
	DeleteReassignments(ctx context.Context, q Query) (int64, error)

	// QueueMonitorConfig returns the singleton queue monitor config,
	// or nil if the queue monitor hasn't been set up yet.
	QueueMonitorConfig(ctx context.Context) (*QueueMonitorConfig, error)
	SaveQueueMonitorConfig(ctx context.Context, cfg *QueueMonitorConfig) error

	// LastSelection returns the stored selection for the given command
	// key, or nil if the user hasn't completed that flow before.
	LastSelection(ctx context.Context, commandKey string) (*LastSelection, error)
	SaveLastSelection(ctx context.Context, sel *LastSelection) error

	LogInteraction(ctx context.Context, rec *InteractionLog) error
}

// fieldMatches compares a record's field value against a query value,
// honoring the per-field case policy. Technology lists match by
// membership.
func fieldMatches(field string, actual any, expected any) bool {
	if list, ok := actual.(StringList); ok {
		want := fmt.Sprint(expected)
		return list.Contains(want)
	}
	got := fmt.Sprint(actual)
	want := fmt.Sprint(expected)
	if caseInsensitiveFields[field] {
		return strings.EqualFold(got, want)
	}
	return got == want
}

func (r Request) fieldValue(field string) (any, bool) {
	switch field {
	case fieldID:
		return r.ID, true
	case fieldProject:
		return r.Project, true
	case fieldRequesterID:
		return r.RequesterID, true
	case fieldRequesterName:
		return r.RequesterName, true
	case fieldStatus:
		return r.Status, true
	case fieldTechnologies:
		return r.Technologies, true
	default:
		return nil, false
	}
}

func (r Request) matches(q Query) bool {
	for field, expected := range q {
		actual, ok := r.fieldValue(field)
		if !ok {
			return false
		}
		if !fieldMatches(field, actual, expected) {
			return false
		}
	}
	return true
}

func (r ReassignmentRequest) fieldValue(field string) (any, bool) {
	switch field {
	case fieldID:
		return r.ID, true
	case fieldProject:
		return r.Project, true
	case fieldItemNumber:
		return r.ItemNumber, true
	case fieldRequesterID:
		return r.RequesterID, true
	case fieldRequesterName:
		return r.RequesterName, true
	case fieldStatus:
		return r.Status, true
	default:
		return nil, false
	}
}

func (r ReassignmentRequest) matches(q Query) bool {
	for field, expected := range q {
		actual, ok := r.fieldValue(field)
		if !ok {
			return false
		}
		if !fieldMatches(field, actual, expected) {
			return false
		}
	}
	return true
}

// memoryStore is an in-memory Store. Writes take "last write wins"
// semantics with no atomicity beyond per-call locking, which is
// acceptable for a single gateway event stream.
type memoryStore struct {
	mu            sync.Mutex
	requests      []Request
	reassignments []ReassignmentRequest
	monitor       *QueueMonitorConfig
	selections    map[string]*LastSelection
	interactions  []InteractionLog
	nextID        uint
}

func newMemoryStore() *memoryStore {
	return &memoryStore{selections: map[string]*LastSelection{}}
}

func (m *memoryStore) CreateRequest(_ context.Context, r *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := r.BeforeCreate(nil); err != nil {
		return err
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = nowUnixMilli()
	}
	m.requests = append(m.requests, *r)
	return nil
}

func (m *memoryStore) Requests(_ context.Context, q Query) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []Request
	for _, r := range m.requests {
		if r.matches(q) {
			results = append(results, r)
		}
	}
	return results, nil
}

func (m *memoryStore) FirstRequest(ctx context.Context, q Query) (*Request, error) {
	matched, err := m.Requests(ctx, q)
	if err != nil || len(matched) == 0 {
		return nil, err
	}
	return &matched[0], nil
}

func (m *memoryStore) UpdateRequests(
	_ context.Context,
	q Query,
	patch map[string]any,
) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for i := range m.requests {
		if !m.requests[i].matches(q) {
			continue
		}
		if err := applyRequestPatch(&m.requests[i], patch); err != nil {
			return count, err
		}
		m.requests[i].UpdatedAt = nowUnixMilli()
		count++
	}
	return count, nil
}

func (m *memoryStore) DeleteRequests(_ context.Context, q Query) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []Request
	var count int64
	for _, r := range m.requests {
		if r.matches(q) {
			count++
			continue
		}
		kept = append(kept, r)
	}
	m.requests = kept
	return count, nil
}

func (m *memoryStore) CreateReassignment(
	_ context.Context,
	r *ReassignmentRequest,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := r.BeforeCreate(nil); err != nil {
		return err
	}
	if r.CreatedAt == 0 {
		r.CreatedAt = nowUnixMilli()
	}
	m.reassignments = append(m.reassignments, *r)
	return nil
}

func (m *memoryStore) Reassignments(_ context.Context, q Query) (
	[]ReassignmentRequest,
	error,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var results []ReassignmentRequest
	for _, r := range m.reassignments {
		if r.matches(q) {
			results = append(results, r)
		}
	}
	return results, nil
}

func (m *memoryStore) FirstReassignment(ctx context.Context, q Query) (
	*ReassignmentRequest,
	error,
) {
	matched, err := m.Reassignments(ctx, q)
	if err != nil || len(matched) == 0 {
		return nil, err
	}
	return &matched[0], nil
}

func (m *memoryStore) UpdateReassignments(
	_ context.Context,
	q Query,
	patch map[string]any,
) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for i := range m.reassignments {
		if !m.reassignments[i].matches(q) {
			continue
		}
		if err := applyReassignmentPatch(&m.reassignments[i], patch); err != nil {
			return count, err
		}
		m.reassignments[i].UpdatedAt = nowUnixMilli()
		count++
	}
	return count, nil
}

func (m *memoryStore) DeleteReassignments(_ context.Context, q Query) (
	int64,
	error,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []ReassignmentRequest
	var count int64
	for _, r := range m.reassignments {
		if r.matches(q) {
			count++
			continue
		}
		kept = append(kept, r)
	}
	m.reassignments = kept
	return count, nil
}

func (m *memoryStore) QueueMonitorConfig(_ context.Context) (
	*QueueMonitorConfig,
	error,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.monitor == nil {
		return nil, nil
	}
	cfg := *m.monitor
	return &cfg, nil
}

func (m *memoryStore) SaveQueueMonitorConfig(
	_ context.Context,
	cfg *QueueMonitorConfig,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.ID == 0 {
		m.nextID++
		cfg.ID = m.nextID
	}
	saved := *cfg
	m.monitor = &saved
	return nil
}

func (m *memoryStore) LastSelection(_ context.Context, commandKey string) (
	*LastSelection,
	error,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sel, ok := m.selections[commandKey]
	if !ok {
		return nil, nil
	}
	rv := *sel
	return &rv, nil
}

func (m *memoryStore) SaveLastSelection(
	_ context.Context,
	sel *LastSelection,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sel.ID == 0 {
		m.nextID++
		sel.ID = m.nextID
	}
	saved := *sel
	m.selections[sel.CommandKey] = &saved
	return nil
}

func (m *memoryStore) LogInteraction(_ context.Context, rec *InteractionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	m.interactions = append(m.interactions, *rec)
	return nil
}

func applyRequestPatch(r *Request, patch map[string]any) error {
	for field, value := range patch {
		switch field {
		case fieldStatus:
			switch v := value.(type) {
			case RequestStatus:
				r.Status = v
			case string:
				r.Status = RequestStatus(v)
			default:
				return fmt.Errorf("unexpected type for status: %T", value)
			}
		case fieldTechnologies:
			switch v := value.(type) {
			case StringList:
				r.Technologies = v
			case []string:
				r.Technologies = v
			default:
				return fmt.Errorf("unexpected type for technologies: %T", value)
			}
		case fieldProject:
			r.Project = fmt.Sprint(value)
		case fieldRequesterName:
			r.RequesterName = fmt.Sprint(value)
		default:
			return fmt.Errorf("cannot patch field: %s", field)
		}
	}
	return nil
}

func applyReassignmentPatch(r *ReassignmentRequest, patch map[string]any) error {
	for field, value := range patch {
		switch field {
		case fieldStatus:
			switch v := value.(type) {
			case RequestStatus:
				r.Status = v
			case string:
				r.Status = RequestStatus(v)
			default:
				return fmt.Errorf("unexpected type for status: %T", value)
			}
		case fieldProject:
			r.Project = fmt.Sprint(value)
		case fieldItemNumber:
			r.ItemNumber = fmt.Sprint(value)
		case fieldRequesterName:
			r.RequesterName = fmt.Sprint(value)
		default:
			return fmt.Errorf("cannot patch field: %s", field)
		}
	}
	return nil
}

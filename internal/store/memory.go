package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/catalog"
	"github.com/MikeSquared-Agency/aperture/internal/discovery"
)

// Memory is an in-process repository used when no database is configured
// and in tests.
type Memory struct {
	mu          sync.RWMutex
	assessments map[uuid.UUID]assessment.Assessment
	byKey       map[string]uuid.UUID
	evidence    map[uuid.UUID][]assessment.Evidence
	runs        []*discovery.Result
}

func NewMemory() *Memory {
	return &Memory{
		assessments: make(map[uuid.UUID]assessment.Assessment),
		byKey:       make(map[string]uuid.UUID),
		evidence:    make(map[uuid.UUID][]assessment.Evidence),
	}
}

func memKey(userID, element string) string {
	return userID + "\x00" + element
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) GetAssessment(_ context.Context, userID, element string) (*assessment.Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[memKey(userID, element)]
	if !ok {
		return nil, ErrNotFound
	}
	a := m.assessments[id]
	return &a, nil
}

func (m *Memory) GetAssessmentByID(_ context.Context, id uuid.UUID) (*assessment.Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assessments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *Memory) SaveAssessment(_ context.Context, a assessment.Assessment, evidence []assessment.Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(a.UserID, a.Element)
	if id, ok := m.byKey[key]; ok {
		prev := m.assessments[id]
		a.ID = id
		a.CreatedAt = prev.CreatedAt
	}
	m.byKey[key] = a.ID
	m.assessments[a.ID] = a
	for _, ev := range evidence {
		ev.AssessmentID = a.ID
		m.evidence[a.ID] = append(m.evidence[a.ID], ev)
	}
	return nil
}

func (m *Memory) ListAssessments(_ context.Context, userID string, f ListFilter) ([]assessment.Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []assessment.Assessment
	for _, a := range m.assessments {
		if a.UserID != userID || a.Confidence < f.MinConfidence {
			continue
		}
		if f.Element != "" && a.Element != f.Element {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Element < out[j].Element })
	return out, nil
}

func (m *Memory) ListEvidence(_ context.Context, assessmentID uuid.UUID, limit int) ([]assessment.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return newestEvidence(m.evidence[assessmentID], limit), nil
}

func newestEvidence(all []assessment.Evidence, limit int) []assessment.Evidence {
	out := make([]assessment.Evidence, len(all))
	copy(out, all)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) ScanAssessments(_ context.Context, since time.Time, evidencePer int) ([]assessment.WithEvidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []assessment.WithEvidence
	for _, a := range m.assessments {
		if a.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, assessment.WithEvidence{
			Assessment: a,
			Evidence:   newestEvidence(m.evidence[a.ID], evidencePer),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (m *Memory) SaveDiscoveryRun(_ context.Context, res *discovery.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, res)
	return nil
}

func (m *Memory) DiscoveredTemplates(_ context.Context, since time.Time) ([]catalog.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found []discoveredConstruct
	for i := len(m.runs) - 1; i >= 0; i-- {
		run := m.runs[i]
		if run.CreatedAt.Before(since) {
			continue
		}
		for j, p := range run.Patterns {
			if p.SuggestedConstruct == nil {
				continue
			}
			found = append(found, discoveredConstruct{
				id:  run.RunID.String() + "-" + strconv.Itoa(j),
				cfg: *p.SuggestedConstruct,
			})
		}
	}
	return toTemplates(found), nil
}

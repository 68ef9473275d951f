package service

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/vecsync/internal/models"
	"github.com/raphaelgruber/vecsync/internal/resilience"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	texts []string
	fail  func(text string) error
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.texts = append(e.texts, text)
	if e.fail != nil {
		if err := e.fail(text); err != nil {
			return nil, err
		}
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (e *fakeEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// batchingEmbedder adds a batch path to fakeEmbedder.
type batchingEmbedder struct {
	fakeEmbedder
	batchCalls int
	batchErr   error
}

func (e *batchingEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batchCalls++
	if e.batchErr != nil {
		return nil, e.batchErr
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1, 0}
	}
	return out, nil
}

func (e *batchingEmbedder) batchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batchCalls
}

type fakeIndex struct {
	mu      sync.Mutex
	records map[string]models.VectorRecord
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{records: make(map[string]models.VectorRecord)}
}

func (x *fakeIndex) UpsertVectors(_ context.Context, records []models.VectorRecord) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, r := range records {
		x.records[r.Namespace+"/"+r.ID] = r
	}
	return nil
}

func (x *fakeIndex) QueryVectors(_ context.Context, namespace string, _ []float32, topK int) ([]models.VectorMatch, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []models.VectorMatch
	for _, r := range x.records {
		if r.Namespace != namespace {
			continue
		}
		out = append(out, models.VectorMatch{
			ID:        surrealmodels.RecordID{Table: "vector", ID: r.ID},
			Namespace: r.Namespace,
			Text:      r.Text,
			Score:     1,
		})
	}
	slices.SortFunc(out, func(a, b models.VectorMatch) int { return strings.Compare(a.Text, b.Text) })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (x *fakeIndex) DeleteVectors(_ context.Context, namespace string, ids []string) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for _, id := range ids {
		key := namespace + "/" + id
		if _, ok := x.records[key]; ok {
			delete(x.records, key)
			n++
		}
	}
	return n, nil
}

func (x *fakeIndex) count() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.records)
}

type fakeRelations struct {
	mu   sync.Mutex
	rels []models.VectorRelation
}

func (r *fakeRelations) CreateRelations(_ context.Context, rels []models.VectorRelation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rels = append(r.rels, rels...)
	return nil
}

func (r *fakeRelations) RelationsBySource(_ context.Context, namespace, sourceItemID string) ([]models.VectorRelation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.VectorRelation
	for _, rel := range r.rels {
		if rel.Namespace == namespace && rel.SourceItemID == sourceItemID {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (r *fakeRelations) DeleteRelations(_ context.Context, namespace string, vectorIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rels = slices.DeleteFunc(r.rels, func(rel models.VectorRelation) bool {
		return rel.Namespace == namespace && slices.Contains(vectorIDs, rel.VectorID)
	})
	return nil
}

func (r *fakeRelations) all() []models.VectorRelation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.rels)
}

type fakeSource struct {
	docs      map[string]*models.SourceDocument
	blocks    map[string][]models.SourceBlock
	blocksErr error
	block     chan struct{}
}

var errDocNotFound = &resilience.ServiceError{Service: "source", Op: "get_document", StatusCode: 404, Err: errors.New("document not found")}

func (s *fakeSource) GetDocument(ctx context.Context, id string) (*models.SourceDocument, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	doc, ok := s.docs[id]
	if !ok {
		return nil, errDocNotFound
	}
	c := *doc
	return &c, nil
}

func (s *fakeSource) ListBlocks(_ context.Context, documentID string) ([]models.SourceBlock, error) {
	if s.blocksErr != nil {
		return nil, s.blocksErr
	}
	return s.blocks[documentID], nil
}

// fakeRuns upserts by run id like the metadata store and keeps every write.
type fakeRuns struct {
	mu      sync.Mutex
	runs    []models.SyncRun
	history []models.SyncRun
}

func (r *fakeRuns) SaveSyncRun(_ context.Context, run *models.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, *run)
	for i := range r.runs {
		if r.runs[i].RunID == run.RunID {
			r.runs[i] = *run
			return nil
		}
	}
	r.runs = append(r.runs, *run)
	return nil
}

func (r *fakeRuns) saved() []models.SyncRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.runs)
}

func (r *fakeRuns) writes() []models.SyncRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.history)
}

type fakeJobStore struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	statuses map[string][]models.JobStatus
	deleted  []string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:     make(map[string]*models.Job),
		statuses: make(map[string][]models.JobStatus),
	}
}

// SaveJob refuses to move a stored terminal job to another status, like the
// metadata store.
func (s *fakeJobStore) SaveJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[job.ID]; ok && prev.Status.Terminal() && prev.Status != job.Status {
		return models.ErrJobFinalized
	}
	s.jobs[job.ID] = job.Clone()
	s.statuses[job.ID] = append(s.statuses[job.ID], job.Status)
	return nil
}

func (s *fakeJobStore) IncompleteJobs(_ context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *fakeJobStore) DeleteJobs(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.jobs, id)
	}
	s.deleted = append(s.deleted, ids...)
	return nil
}

// cancel mimics a cancel issued through the store by another process.
func (s *fakeJobStore) cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || (j.Status != models.JobQueued && j.Status != models.JobRetrying) {
		return false
	}
	j.Status = models.JobCancelled
	s.statuses[id] = append(s.statuses[id], models.JobCancelled)
	return true
}

func (s *fakeJobStore) get(id string) *models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return j.Clone()
	}
	return nil
}

func (s *fakeJobStore) history(id string) []models.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.statuses[id])
}

func fastRetry(attempts int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:       attempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newTestVectorService(embedder Embedder, index VectorIndex, relations RelationStore) *VectorService {
	return NewVectorService(embedder, index, relations, VectorServiceConfig{
		Retry:             fastRetry(2),
		CircuitThreshold:  100,
		OpenDuration:      time.Minute,
		RateMaxConcurrent: 8,
	}, nil)
}

var errUnavailable = &resilience.ServiceError{Service: "embedder", Op: "embed", StatusCode: 503, Err: errors.New("service unavailable")}

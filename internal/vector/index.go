// Package vector provides the embedding similarity index: an HNSW graph for approximate
// search, exact cosine scoring for re-ranking and small populations, and persistence.
package vector

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/coder/hnsw"
	"go.uber.org/zap"

	"github.com/hyperjump/tsuuchi/internal/models"
)

// Metric names the distance function. Only cosine is supported.
type Metric string

const MetricCosine Metric = "cosine"

const (
	DefaultMinGraphSize = 64
	DefaultM            = 16
	DefaultEfSearch     = 64
)

// Result is a single query hit. Distance is 1 - cosine similarity; lower is closer.
type Result struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}

// Similarity returns the cosine similarity for the hit.
func (r Result) Similarity() float64 { return 1 - r.Distance }

// Entry is an indexed point.
type Entry struct {
	ID     string
	Vector []float32
}

type options struct {
	indexType    IndexType
	minGraphSize int
	m            int
	efSearch     int
	logger       *zap.Logger
}

// Option configures an Index.
type Option func(*options)

// WithIndexType selects approximate (hnsw) or exact search.
func WithIndexType(t IndexType) Option {
	return func(o *options) { o.indexType = t }
}

// WithMinGraphSize sets the population below which queries use exact search.
func WithMinGraphSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.minGraphSize = n
		}
	}
}

// WithGraphParams sets the HNSW neighbourhood size and search breadth.
func WithGraphParams(m, efSearch int) Option {
	return func(o *options) {
		if m > 0 {
			o.m = m
		}
		if efSearch > 0 {
			o.efSearch = efSearch
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Index is a fixed-dimension cosine similarity index.
// Readers load an immutable snapshot without locking; writers serialise on mu,
// build a new snapshot and swap it in, so a query never sees a partial update.
// For hnsw indexes the writer also keeps a live graph up to date under gmu; graph
// queries hold gmu for reading and re-rank candidates against their snapshot.
type Index struct {
	dim  int
	opts options

	mu   sync.Mutex
	snap atomic.Pointer[snapshot]

	gmu   sync.RWMutex
	graph *graphState
	// graphBuilds counts full graph constructions.
	graphBuilds atomic.Int64
}

// graphState is the live HNSW graph. Zero-magnitude vectors stay out of the graph
// and are always compared exactly.
type graphState struct {
	g     *hnsw.Graph[string]
	zeros map[string]struct{}
	// deleted counts nodes removed since the graph was built.
	deleted int
}

// New creates an empty index for vectors of length dim.
func New(dim int, opts ...Option) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("dimension must be positive, got %d", dim)
	}
	o := options{
		indexType:    IndexTypeHNSW,
		minGraphSize: DefaultMinGraphSize,
		m:            DefaultM,
		efSearch:     DefaultEfSearch,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	t, err := ParseIndexType(string(o.indexType))
	if err != nil {
		return nil, err
	}
	o.indexType = t
	ix := &Index{dim: dim, opts: o}
	ix.snap.Store(&snapshot{pos: map[string]int{}})
	if t == IndexTypeHNSW {
		ix.graph = ix.emptyGraph()
	}
	return ix, nil
}

// Build creates an index populated from embedding records.
func Build(dim int, records []models.EmbeddingRecord, opts ...Option) (*Index, error) {
	ix, err := New(dim, opts...)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(records))
	vecs := make([][]float32, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
		vecs[i] = rec.Float32()
	}
	if err := ix.AddPoints(ids, vecs); err != nil {
		return nil, err
	}
	return ix, nil
}

// Dimension returns the fixed vector length.
func (ix *Index) Dimension() int { return ix.dim }

// Metric returns the distance metric.
func (ix *Index) Metric() Metric { return MetricCosine }

// Type returns the configured index type.
func (ix *Index) Type() IndexType { return ix.opts.indexType }

// Size returns the number of indexed points.
func (ix *Index) Size() int { return len(ix.snap.Load().ids) }

// Contains reports whether id is indexed.
func (ix *Index) Contains(id string) bool {
	_, ok := ix.snap.Load().pos[id]
	return ok
}

// AddPoint inserts or replaces a single point.
func (ix *Index) AddPoint(id string, vec []float32) error {
	return ix.AddPoints([]string{id}, [][]float32{vec})
}

// AddRecord inserts or replaces the point for an embedding record.
func (ix *Index) AddRecord(rec models.EmbeddingRecord) error {
	return ix.AddPoint(rec.ID, rec.Float32())
}

// AddPoints inserts or replaces points. Re-adding an id replaces its vector.
// The batch is validated first and applied in a single swap.
func (ix *Index) AddPoints(ids []string, vecs [][]float32) error {
	if len(ids) != len(vecs) {
		return fmt.Errorf("ids and vectors length mismatch: %d != %d", len(ids), len(vecs))
	}
	for i, v := range vecs {
		if ids[i] == "" {
			return ErrEmptyID
		}
		if err := checkDim(ix.dim, v); err != nil {
			return err
		}
	}
	if len(ids) == 0 {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	next := ix.snap.Load().withPoints(ids, vecs)
	if ix.graph != nil {
		ix.gmu.Lock()
		ix.updateGraphLocked(next, func(gs *graphState) { addToGraphLocked(gs, next, ids) })
		ix.gmu.Unlock()
	}
	ix.snap.Store(next)
	ix.opts.logger.Debug("vector index updated",
		zap.Int("added", len(ids)),
		zap.Int("size", len(next.ids)))
	return nil
}

// Remove deletes points by id and returns how many were present.
func (ix *Index) Remove(ids ...string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	cur := ix.snap.Load()
	next, removed := cur.without(ids)
	if removed == 0 {
		return 0
	}
	if ix.graph != nil {
		ix.gmu.Lock()
		ix.updateGraphLocked(next, func(gs *graphState) { removeFromGraphLocked(gs, ids) })
		ix.gmu.Unlock()
	}
	ix.snap.Store(next)
	return removed
}

// ReplaceWith swaps in the contents of src, which must have the same dimension.
// Used to publish a rebuilt index in one step. src hands over its graph and answers
// exactly from then on.
func (ix *Index) ReplaceWith(src *Index) error {
	if src.dim != ix.dim {
		return &DimensionMismatchError{Expected: ix.dim, Got: src.dim}
	}
	src.mu.Lock()
	s := src.snap.Load()
	var adopted *graphState
	hnswType := ix.opts.indexType == IndexTypeHNSW
	if hnswType && src.graph != nil && src.opts.m == ix.opts.m {
		src.gmu.Lock()
		adopted, src.graph = src.graph, nil
		src.gmu.Unlock()
	}
	src.mu.Unlock()

	next := s.clone()
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if hnswType {
		if adopted == nil {
			adopted = ix.buildGraph(next)
		}
		adopted.g.EfSearch = ix.opts.efSearch
		ix.gmu.Lock()
		ix.graph = adopted
		ix.gmu.Unlock()
	}
	ix.snap.Store(next)
	return nil
}

// Records returns a copy of all indexed points in insertion order.
func (ix *Index) Records() []Entry {
	s := ix.snap.Load()
	out := make([]Entry, len(s.ids))
	for i, id := range s.ids {
		v := make([]float32, len(s.vecs[i]))
		copy(v, s.vecs[i])
		out[i] = Entry{ID: id, Vector: v}
	}
	return out
}

// Query returns up to k points closest to vec, ordered by ascending distance
// (ties by id). An empty index yields an empty result.
func (ix *Index) Query(ctx context.Context, vec []float32, k int) ([]Result, error) {
	if err := checkDim(ix.dim, vec); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := ix.snap.Load()
	if k <= 0 || len(s.ids) == 0 {
		return []Result{}, nil
	}
	if ix.useGraph(s) && L2Norm(vec) > 0 {
		if results, ok := ix.graphQuery(s, vec, k); ok {
			return results, nil
		}
	}
	return s.exactQuery(ctx, vec, k)
}

func (ix *Index) useGraph(s *snapshot) bool {
	return ix.opts.indexType == IndexTypeHNSW && len(s.ids) >= ix.opts.minGraphSize
}

// graphQuery proposes candidates from the live graph and re-ranks them exactly against s.
// Candidates unknown to s are skipped. ok is false when the graph cannot answer.
func (ix *Index) graphQuery(s *snapshot, vec []float32, k int) (results []Result, ok bool) {
	ix.gmu.RLock()
	defer ix.gmu.RUnlock()
	gs := ix.graph
	if gs == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			ix.opts.logger.Warn("hnsw search failed, using exact search", zap.Any("panic", r))
			results, ok = nil, false
		}
	}()

	n := k
	if ix.opts.efSearch > n {
		n = ix.opts.efSearch
	}
	if l := gs.g.Len(); n > l {
		n = l
	}
	if n > 0 {
		nodes := gs.g.Search(vec, n)
		results = make([]Result, 0, len(nodes)+len(gs.zeros))
		for _, node := range nodes {
			p, ok := s.pos[node.Key]
			if !ok {
				continue
			}
			results = append(results, Result{ID: node.Key, Distance: CosineDistance(vec, s.vecs[p])})
		}
	}
	for id := range gs.zeros {
		if p, ok := s.pos[id]; ok {
			results = append(results, Result{ID: id, Distance: CosineDistance(vec, s.vecs[p])})
		}
	}
	return topK(results, k), true
}

func (ix *Index) emptyGraph() *graphState {
	g := hnsw.NewGraph[string]()
	g.M = ix.opts.m
	g.EfSearch = ix.opts.efSearch
	g.Distance = graphDistance
	g.Rng = rand.New(rand.NewSource(1))
	return &graphState{g: g, zeros: map[string]struct{}{}}
}

// buildGraph constructs a graph holding every point of s.
func (ix *Index) buildGraph(s *snapshot) *graphState {
	gs := ix.emptyGraph()
	nodes := make([]hnsw.Node[string], 0, len(s.ids))
	for i, id := range s.ids {
		if L2Norm(s.vecs[i]) == 0 {
			gs.zeros[id] = struct{}{}
			continue
		}
		nodes = append(nodes, hnsw.MakeNode(id, s.vecs[i]))
	}
	if len(nodes) > 0 {
		gs.g.Add(nodes...)
	}
	ix.graphBuilds.Add(1)
	ix.opts.logger.Debug("hnsw graph built",
		zap.Int("nodes", len(nodes)),
		zap.Int("zero_vectors", len(gs.zeros)))
	return gs
}

// updateGraphLocked applies fn to the live graph and rebuilds it from next when
// fn fails part way, so the graph never stays half-updated.
func (ix *Index) updateGraphLocked(next *snapshot, fn func(gs *graphState)) {
	defer func() {
		if r := recover(); r != nil {
			ix.opts.logger.Warn("hnsw update failed, rebuilding graph", zap.Any("panic", r))
			ix.graph = ix.buildGraph(next)
		}
	}()
	fn(ix.graph)
	ix.repairGraphLocked(next)
}

// addToGraphLocked mirrors added or replaced points of next into the graph.
// A replaced node is deleted first; the graph cannot replace a key in place.
func addToGraphLocked(gs *graphState, next *snapshot, ids []string) {
	for _, id := range ids {
		if gs.g.Delete(id) {
			gs.deleted++
		}
		v := next.vecs[next.pos[id]]
		if L2Norm(v) == 0 {
			gs.zeros[id] = struct{}{}
			continue
		}
		delete(gs.zeros, id)
		gs.g.Add(hnsw.MakeNode(id, v))
	}
}

// removeFromGraphLocked drops ids from the graph.
func removeFromGraphLocked(gs *graphState, ids []string) {
	for _, id := range ids {
		if _, ok := gs.zeros[id]; ok {
			delete(gs.zeros, id)
			continue
		}
		if gs.g.Delete(id) {
			gs.deleted++
		}
	}
}

// repairGraphLocked rebuilds the graph from next once deletions have emptied a layer
// or removed a quarter of its nodes; search quality degrades past that point.
func (ix *Index) repairGraphLocked(next *snapshot) {
	gs := ix.graph
	if gs.deleted == 0 {
		return
	}
	if gs.g.Len() == 0 {
		fresh := ix.emptyGraph()
		fresh.zeros = gs.zeros
		ix.graph = fresh
		return
	}
	if gs.deleted*4 > gs.g.Len() || !searchable(gs, next) {
		ix.graph = ix.buildGraph(next)
	}
}

// searchable reports whether a search from the top layer can complete. Deleting the
// entry nodes of an upper layer leaves it empty, which the graph cannot search.
func searchable(gs *graphState, s *snapshot) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	for i, id := range s.ids {
		if _, zero := gs.zeros[id]; zero {
			continue
		}
		gs.g.Search(s.vecs[i], 1)
		return true
	}
	return true
}

// snapshot is never modified after it is published.
type snapshot struct {
	ids  []string
	vecs [][]float32
	pos  map[string]int
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		ids:  append([]string(nil), s.ids...),
		vecs: append([][]float32(nil), s.vecs...),
		pos:  make(map[string]int, len(s.pos)),
	}
	for id, p := range s.pos {
		next.pos[id] = p
	}
	return next
}

func (s *snapshot) withPoints(ids []string, vecs [][]float32) *snapshot {
	next := s.clone()
	for i, id := range ids {
		v := make([]float32, len(vecs[i]))
		copy(v, vecs[i])
		if p, ok := next.pos[id]; ok {
			next.vecs[p] = v
			continue
		}
		next.pos[id] = len(next.ids)
		next.ids = append(next.ids, id)
		next.vecs = append(next.vecs, v)
	}
	return next
}

func (s *snapshot) without(ids []string) (*snapshot, int) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := s.pos[id]; ok {
			drop[id] = true
		}
	}
	if len(drop) == 0 {
		return s, 0
	}
	next := &snapshot{pos: make(map[string]int, len(s.ids)-len(drop))}
	for i, id := range s.ids {
		if drop[id] {
			continue
		}
		next.pos[id] = len(next.ids)
		next.ids = append(next.ids, id)
		next.vecs = append(next.vecs, s.vecs[i])
	}
	return next, len(drop)
}

func (s *snapshot) exactQuery(ctx context.Context, vec []float32, k int) ([]Result, error) {
	results := make([]Result, len(s.ids))
	for i, id := range s.ids {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		results[i] = Result{ID: id, Distance: CosineDistance(vec, s.vecs[i])}
	}
	return topK(results, k), nil
}

func topK(results []Result, k int) []Result {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

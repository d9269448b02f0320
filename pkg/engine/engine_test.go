package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/dtable/internal/testutils"
	"github.com/l7mp/dtable/pkg/api/transformer/v1alpha1"
	"github.com/l7mp/dtable/pkg/graph"
	"github.com/l7mp/dtable/pkg/row"
	"github.com/l7mp/dtable/pkg/table"
	"github.com/l7mp/dtable/pkg/transformer"
)

var (
	loglevel = -10
	logger   = testutils.NewLogger(GinkgoWriter, loglevel)
)

func TestEngine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Engine")
}

var wordsSchema = &v1alpha1.Schema{Columns: []v1alpha1.Column{
	{Name: "word", Type: v1alpha1.ColumnTypeString},
}}

var linkedSchema = &v1alpha1.Schema{Columns: []v1alpha1.Column{
	{Name: "value", Type: v1alpha1.ColumnTypeInt},
	{Name: "peer", Type: v1alpha1.ColumnTypePointer},
}}

var valuesSchema = &v1alpha1.Schema{Columns: []v1alpha1.Column{
	{Name: "value", Type: v1alpha1.ColumnTypeInt},
}}

var nodesSchema = &v1alpha1.Schema{Columns: []v1alpha1.Column{
	{Name: "parent", Type: v1alpha1.ColumnTypeString},
}}

// upperDef maps words to their upper-cased form, counting evaluations.
func upperDef(evals *atomic.Int64) *transformer.Definition {
	return &transformer.Definition{
		Name:  "wordcase",
		Input: transformer.InputSpec{Table: "words", Attrs: []string{"word"}},
		Outputs: []transformer.OutputSpec{{
			Table: "upper",
			Attrs: map[string]transformer.AttrFunc{
				"upper": func(ec *transformer.EvalContext) (any, error) {
					if evals != nil {
						evals.Add(1)
					}
					v, err := ec.Get("word")
					if err != nil {
						return nil, err
					}
					s, _ := v.(string)
					return strings.ToUpper(s), nil
				},
			},
		}},
	}
}

// sumDef adds the value of the row to the value of the row its peer pointer
// targets.
func sumDef(evals *atomic.Int64) *transformer.Definition {
	return &transformer.Definition{
		Name:  "pointer-sum",
		Input: transformer.InputSpec{Table: "linked", Attrs: []string{"value", "peer"}},
		Outputs: []transformer.OutputSpec{{
			Table: "sums",
			Attrs: map[string]transformer.AttrFunc{
				"total": func(ec *transformer.EvalContext) (any, error) {
					if evals != nil {
						evals.Add(1)
					}
					v, err := ec.Get("value")
					if err != nil {
						return nil, err
					}
					p, err := ec.Get("peer")
					if err != nil {
						return nil, err
					}
					ptr, ok := row.AsPointer(p)
					if !ok {
						return nil, fmt.Errorf("peer is not a pointer: %v", p)
					}
					peer, err := ec.Resolve(ptr)
					if err != nil {
						return nil, err
					}
					pv, err := peer.Get("value")
					if err != nil {
						return nil, err
					}
					pi, ok := pv.(int64)
					if !ok {
						return nil, fmt.Errorf("peer value is not an int: %v", pv)
					}
					return v.(int64) + pi, nil
				},
			},
		}},
	}
}

// depthDef computes tree depths through the instance's own output table:
// mutually recursive rows forced in-wave.
func depthDef() *transformer.Definition {
	return &transformer.Definition{
		Name:  "tree-depth",
		Input: transformer.InputSpec{Table: "nodes", Attrs: []string{"parent"}},
		Outputs: []transformer.OutputSpec{{
			Table: "depths",
			Attrs: map[string]transformer.AttrFunc{
				"depth": func(ec *transformer.EvalContext) (any, error) {
					p, err := ec.Get("parent")
					if err != nil {
						return nil, err
					}
					ps, _ := p.(string)
					if ps == "" {
						return int64(0), nil
					}
					peer, err := ec.Resolve(ec.Ptr("depths", ps))
					if err != nil {
						return nil, err
					}
					d, err := peer.Get("depth")
					if err != nil {
						return nil, err
					}
					di, ok := d.(int64)
					if !ok {
						return nil, fmt.Errorf("parent depth not an int: %v", d)
					}
					return di + 1, nil
				},
			},
		}},
	}
}

func apply(s *table.Store, name string, deltas ...table.Delta) *table.Batch {
	b, err := s.Apply(context.Background(), name, deltas)
	Expect(err).NotTo(HaveOccurred())
	return b
}

func added(r *row.Row) table.Delta   { return table.Delta{Type: table.Added, Row: r} }
func updated(r *row.Row) table.Delta { return table.Delta{Type: table.Updated, Row: r} }
func deleted(r *row.Row) table.Delta { return table.Delta{Type: table.Deleted, Row: r} }

var _ = Describe("Engine", func() {
	var (
		ctx   context.Context
		store *table.Store
		e     *Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = table.New(table.Options{Logger: logger})
		e = New(store, Options{Logger: logger})
	})

	Describe("Registration", func() {
		BeforeEach(func() {
			Expect(store.RegisterTable("words", wordsSchema)).To(Succeed())
		})

		It("should register a definition and populate its outputs from the snapshot", func() {
			for _, r := range testutils.WordRows() {
				apply(store, "words", added(r))
			}

			inst, err := e.Register(upperDef(nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Outputs()).To(ConsistOf("upper"))

			rows, err := store.List("upper")
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(3))

			r, err := store.Get("upper", "1")
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("upper")
			Expect(v).To(Equal("Y"))
		})

		It("should be idempotent for an identical definition", func() {
			inst, err := e.Register(upperDef(nil))
			Expect(err).NotTo(HaveOccurred())
			inst2, err := e.Register(upperDef(nil))
			Expect(err).NotTo(HaveOccurred())
			Expect(inst2).To(BeIdenticalTo(inst))
		})

		It("should reject a conflicting definition under the same name", func() {
			_, err := e.Register(upperDef(nil))
			Expect(err).NotTo(HaveOccurred())

			d := upperDef(nil)
			d.Outputs[0].Table = "other"
			_, err = e.Register(d)
			Expect(transformer.IsBinding(err)).To(BeTrue())
		})

		It("should reject a re-registration that only changes key derivation", func() {
			_, err := e.Register(upperDef(nil))
			Expect(err).NotTo(HaveOccurred())

			d := upperDef(nil)
			d.Outputs[0].KeyFrom = func(ec *transformer.EvalContext) (string, error) {
				return ec.Key(), nil
			}
			_, err = e.Register(d)
			Expect(transformer.IsBinding(err)).To(BeTrue())
		})

		It("should reject a definition over an unregistered input table", func() {
			d := upperDef(nil)
			d.Input.Table = "nonexistent"
			_, err := e.Register(d)
			Expect(transformer.IsBinding(err)).To(BeTrue())
		})

		It("should look up registered instances by name", func() {
			_, err := e.Register(upperDef(nil))
			Expect(err).NotTo(HaveOccurred())

			_, ok := e.Instance("wordcase")
			Expect(ok).To(BeTrue())
			_, ok = e.Instance("nonexistent")
			Expect(ok).To(BeFalse())
		})
	})

	Describe("Map scenario", func() {
		var evals atomic.Int64

		BeforeEach(func() {
			evals.Store(0)
			Expect(store.RegisterTable("words", wordsSchema)).To(Succeed())
			for _, r := range testutils.WordRows() {
				apply(store, "words", added(r))
			}
			_, err := e.Register(upperDef(&evals))
			Expect(err).NotTo(HaveOccurred())
			Expect(evals.Load()).To(Equal(int64(3)))
		})

		It("should recompute only the updated row and emit exactly one update", func() {
			evals.Store(0)
			b := apply(store, "words", updated(row.FromContent("words", "1", row.Content{"word": "w"})))

			res, err := e.OnBatch(ctx, b)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.RowErrors).To(BeEmpty())
			Expect(evals.Load()).To(Equal(int64(1)))

			Expect(res.Batches).To(HaveLen(1))
			out := res.Batches[0]
			Expect(out.Table).To(Equal("upper"))
			Expect(out.Deltas).To(HaveLen(1))
			Expect(out.Deltas[0].Type).To(Equal(table.Updated))
			Expect(out.Deltas[0].Row.Key()).To(Equal("1"))
			v, _ := out.Deltas[0].Row.Get("upper")
			Expect(v).To(Equal("W"))
		})

		It("should emit nothing for a semantically unchanged update", func() {
			b := apply(store, "words", updated(row.FromContent("words", "1", row.Content{"word": "y"})))
			Expect(b.Deltas).To(BeEmpty())

			evals.Store(0)
			res, err := e.OnBatch(ctx, b)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Batches).To(BeEmpty())
			Expect(evals.Load()).To(BeZero())
		})

		It("should propagate new input rows", func() {
			b := apply(store, "words", added(row.FromContent("words", "3", row.Content{"word": "q"})))

			res, err := e.OnBatch(ctx, b)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Batches).To(HaveLen(1))
			Expect(res.Batches[0].Deltas).To(HaveLen(1))
			Expect(res.Batches[0].Deltas[0].Type).To(Equal(table.Added))

			r, err := store.Get("upper", "3")
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("upper")
			Expect(v).To(Equal("Q"))
		})

		It("should retract the output row when the input row is deleted", func() {
			b := apply(store, "words", deleted(row.New("words", "1")))

			res, err := e.OnBatch(ctx, b)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Batches).To(HaveLen(1))
			Expect(res.Batches[0].Deltas).To(HaveLen(1))
			Expect(res.Batches[0].Deltas[0].Type).To(Equal(table.Deleted))

			_, err = store.Get("upper", "1")
			Expect(table.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("Pointer-sum scenario", func() {
		var evals atomic.Int64

		BeforeEach(func() {
			evals.Store(0)
			Expect(store.RegisterTable("values", valuesSchema)).To(Succeed())
			Expect(store.RegisterTable("linked", linkedSchema)).To(Succeed())

			apply(store, "values", added(testutils.ValueRow("b1", 4)))
			apply(store, "values", added(testutils.ValueRow("b2", 8)))
			apply(store, "linked", added(testutils.LinkedRow("a1", 3, "b1")))
			apply(store, "linked", added(testutils.LinkedRow("a2", 5, "b2")))

			_, err := e.Register(sumDef(&evals))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should compute pointer-dereferencing sums", func() {
			r, err := store.Get("sums", "a1")
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("total")
			Expect(v).To(Equal(int64(7)))

			r, err = store.Get("sums", "a2")
			Expect(err).NotTo(HaveOccurred())
			v, _ = r.Get("total")
			Expect(v).To(Equal(int64(13)))
		})

		It("should recompute only the dependent row on a remote update", func() {
			evals.Store(0)
			b := apply(store, "values", updated(testutils.ValueRow("b1", 10)))

			res, err := e.OnBatch(ctx, b)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.RowErrors).To(BeEmpty())
			Expect(evals.Load()).To(Equal(int64(1)))

			Expect(res.Batches).To(HaveLen(1))
			Expect(res.Batches[0].Table).To(Equal("sums"))
			Expect(res.Batches[0].Deltas).To(HaveLen(1))
			Expect(res.Batches[0].Deltas[0].Row.Key()).To(Equal("a1"))
			v, _ := res.Batches[0].Deltas[0].Row.Get("total")
			Expect(v).To(Equal(int64(13)))
		})

		It("should recompute when the pointer-carrying row itself is updated", func() {
			evals.Store(0)
			b := apply(store, "linked", updated(testutils.LinkedRow("a1", 5, "b1")))

			res, err := e.OnBatch(ctx, b)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.RowErrors).To(BeEmpty())
			Expect(evals.Load()).To(Equal(int64(1)))

			Expect(res.Batches).To(HaveLen(1))
			Expect(res.Batches[0].Deltas).To(HaveLen(1))
			Expect(res.Batches[0].Deltas[0].Type).To(Equal(table.Updated))

			r, err := store.Get("sums", "a1")
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("total")
			Expect(v).To(Equal(int64(9)))
		})

		It("should cascade a deletion to the dependent row", func() {
			evals.Store(0)
			b := apply(store, "values", deleted(row.New("values", "b1")))

			res, err := e.OnBatch(ctx, b)
			Expect(err).NotTo(HaveOccurred())

			// Only the dependent row was rescanned.
			Expect(evals.Load()).To(Equal(int64(1)))

			Expect(res.RowErrors).To(HaveLen(1))
			Expect(res.RowErrors[0].Key).To(Equal("a1"))
			Expect(table.IsResolutionError(res.RowErrors[0].Err)).To(BeTrue())

			// The dependent output row is excluded after the failure
			// budget (default 1) is exhausted.
			_, err = store.Get("sums", "a1")
			Expect(table.IsNotFound(err)).To(BeTrue())

			// The independent row is untouched.
			r, err := store.Get("sums", "a2")
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("total")
			Expect(v).To(Equal(int64(13)))
		})

		It("should re-admit the output row when the missing dependency is restored", func() {
			b := apply(store, "values", deleted(row.New("values", "b1")))
			_, err := e.OnBatch(ctx, b)
			Expect(err).NotTo(HaveOccurred())

			b = apply(store, "values", added(testutils.ValueRow("b1", 20)))
			res, err := e.OnBatch(ctx, b)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.RowErrors).To(BeEmpty())

			Expect(res.Batches).To(HaveLen(1))
			Expect(res.Batches[0].Deltas).To(HaveLen(1))
			Expect(res.Batches[0].Deltas[0].Type).To(Equal(table.Added))

			r, err := store.Get("sums", "a1")
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("total")
			Expect(v).To(Equal(int64(23)))
		})
	})

	Describe("Self-referencing outputs", func() {
		BeforeEach(func() {
			Expect(store.RegisterTable("nodes", nodesSchema)).To(Succeed())
		})

		It("should force parents before children within one wave", func() {
			apply(store, "nodes", added(testutils.TreeRow("a", "")))
			apply(store, "nodes", added(testutils.TreeRow("b", "a")))
			apply(store, "nodes", added(testutils.TreeRow("c", "b")))
			apply(store, "nodes", added(testutils.TreeRow("d", "b")))

			_, err := e.Register(depthDef())
			Expect(err).NotTo(HaveOccurred())

			want := map[string]int64{"a": 0, "b": 1, "c": 2, "d": 2}
			for key, depth := range want {
				r, err := store.Get("depths", key)
				Expect(err).NotTo(HaveOccurred())
				v, _ := r.Get("depth")
				Expect(v).To(Equal(depth), "depth of %s", key)
			}
		})

		It("should recompute the subtree on a reparent", func() {
			apply(store, "nodes", added(testutils.TreeRow("a", "")))
			apply(store, "nodes", added(testutils.TreeRow("b", "a")))
			apply(store, "nodes", added(testutils.TreeRow("c", "b")))

			_, err := e.Register(depthDef())
			Expect(err).NotTo(HaveOccurred())

			b := apply(store, "nodes", updated(testutils.TreeRow("c", "a")))
			res, err := e.OnBatch(ctx, b)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.RowErrors).To(BeEmpty())

			r, err := store.Get("depths", "c")
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("depth")
			Expect(v).To(Equal(int64(1)))
		})

		It("should detect a parent cycle instead of deadlocking", func() {
			apply(store, "nodes", added(testutils.TreeRow("x", "y")))
			apply(store, "nodes", added(testutils.TreeRow("y", "x")))

			_, err := e.Register(depthDef())
			Expect(err).NotTo(HaveOccurred())

			_, err = store.Get("depths", "x")
			Expect(table.IsNotFound(err)).To(BeTrue())
			_, err = store.Get("depths", "y")
			Expect(table.IsNotFound(err)).To(BeTrue())
		})

		It("should keep a self-parented row excluded while others evaluate", func() {
			apply(store, "nodes", added(testutils.TreeRow("x", "x")))

			inst, err := e.Register(depthDef())
			Expect(err).NotTo(HaveOccurred())
			Expect(inst).NotTo(BeNil())

			b := apply(store, "nodes", added(testutils.TreeRow("z", "")))
			res, err := e.OnBatch(ctx, b)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.RowErrors).To(BeEmpty())

			// The root evaluates, the self-parented row stays excluded.
			r, err := store.Get("depths", "z")
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("depth")
			Expect(v).To(Equal(int64(0)))

			_, err = store.Get("depths", "x")
			Expect(table.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("Watching outputs", func() {
		BeforeEach(func() {
			Expect(store.RegisterTable("words", wordsSchema)).To(Succeed())
		})

		It("should stream output changelogs to instance watchers", func() {
			apply(store, "words", added(row.FromContent("words", "0", row.Content{"word": "x"})))

			inst, err := e.Register(upperDef(nil))
			Expect(err).NotTo(HaveOccurred())

			w, err := inst.Watch(ctx, "upper")
			Expect(err).NotTo(HaveOccurred())
			defer w.Stop()

			// The initial Sync snapshot.
			b, ok := testutils.TryWatch(w, testutils.WatchTimeout)
			Expect(ok).To(BeTrue())
			Expect(b.Deltas).To(HaveLen(1))
			Expect(b.Deltas[0].Type).To(Equal(table.Sync))

			nb := apply(store, "words", added(row.FromContent("words", "1", row.Content{"word": "y"})))
			_, err = e.OnBatch(ctx, nb)
			Expect(err).NotTo(HaveOccurred())

			b, ok = testutils.TryWatch(w, testutils.WatchTimeout)
			Expect(ok).To(BeTrue())
			Expect(b.Deltas).To(HaveLen(1))
			Expect(b.Deltas[0].Type).To(Equal(table.Added))
			v, _ := b.Deltas[0].Row.Get("upper")
			Expect(v).To(Equal("Y"))
		})

		It("should reject watching a foreign table", func() {
			inst, err := e.Register(upperDef(nil))
			Expect(err).NotTo(HaveOccurred())

			_, err = inst.Watch(ctx, "words")
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("Wave bounds", func() {
		It("should report an overrun instead of truncating", func() {
			store = table.New(table.Options{Logger: logger})
			e = New(store, Options{Logger: logger, MaxWave: 2})

			Expect(store.RegisterTable("values", valuesSchema)).To(Succeed())
			Expect(store.RegisterTable("linked", linkedSchema)).To(Succeed())

			apply(store, "values", added(testutils.ValueRow("b1", 1)))
			for i := 0; i < 10; i++ {
				key := fmt.Sprintf("a%d", i)
				apply(store, "linked", added(testutils.LinkedRow(key, 1, "b1")))
			}

			_, err := e.Register(sumDef(nil))
			Expect(err).NotTo(HaveOccurred())

			b := apply(store, "values", updated(testutils.ValueRow("b1", 2)))
			_, err = e.OnBatch(ctx, b)
			Expect(graph.IsRecomputationOverrun(err)).To(BeTrue())

			// Nothing was committed for the failed wave.
			r, err := store.Get("sums", "a0")
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("total")
			Expect(v).To(Equal(int64(2)))
		})
	})

	Describe("Chained instances", func() {
		It("should cascade output batches into downstream instances", func() {
			Expect(store.RegisterTable("words", wordsSchema)).To(Succeed())
			apply(store, "words", added(row.FromContent("words", "0", row.Content{"word": "x"})))

			_, err := e.Register(upperDef(nil))
			Expect(err).NotTo(HaveOccurred())

			// A second instance fed by the first one's output.
			second := &transformer.Definition{
				Name:  "doubled",
				Input: transformer.InputSpec{Table: "upper", Attrs: []string{"upper"}},
				Outputs: []transformer.OutputSpec{{
					Table: "double",
					Attrs: map[string]transformer.AttrFunc{
						"twice": func(ec *transformer.EvalContext) (any, error) {
							v, err := ec.Get("upper")
							if err != nil {
								return nil, err
							}
							s, _ := v.(string)
							return s + s, nil
						},
					},
				}},
			}
			_, err = e.Register(second)
			Expect(err).NotTo(HaveOccurred())

			r, err := store.Get("double", "0")
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("twice")
			Expect(v).To(Equal("XX"))

			b := apply(store, "words", updated(row.FromContent("words", "0", row.Content{"word": "y"})))
			res, err := e.OnBatch(ctx, b)
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Batches).To(HaveLen(2))

			r, err = store.Get("double", "0")
			Expect(err).NotTo(HaveOccurred())
			v, _ = r.Get("twice")
			Expect(v).To(Equal("YY"))
		})
	})
})

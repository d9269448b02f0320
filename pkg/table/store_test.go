package table

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/l7mp/dtable/internal/testutils"
	tablev1a1 "github.com/l7mp/dtable/pkg/api/transformer/v1alpha1"
	"github.com/l7mp/dtable/pkg/row"
)

var (
	loglevel = -10
	logger   = testutils.NewLogger(GinkgoWriter, loglevel)

	wordsSchema = &tablev1a1.Schema{Columns: []tablev1a1.Column{
		{Name: "col", Type: tablev1a1.ColumnTypeString},
	}}
)

func TestStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Table store")
}

var _ = Describe("Store", func() {
	var s *Store
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		s = New(Options{Logger: logger})
		Expect(s.RegisterTable("words", wordsSchema)).To(Succeed())
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	Describe("Registration", func() {
		It("should be idempotent for identical schemas", func() {
			Expect(s.RegisterTable("words", wordsSchema)).To(Succeed())
		})

		It("should reject a conflicting schema under the same name", func() {
			other := wordsSchema.WithColumn("extra", tablev1a1.ColumnTypeInt)
			Expect(s.RegisterTable("words", other)).NotTo(Succeed())
		})

		It("should fail operations on unknown tables", func() {
			_, err := s.Apply(ctx, "nosuch", nil)
			Expect(IsNotFound(err)).To(BeTrue())
			_, err = s.List("nosuch")
			Expect(IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("Applying batches", func() {
		It("should insert rows and advance the version", func() {
			batch, err := s.Apply(ctx, "words", []Delta{
				{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})},
				{Type: Added, Row: row.FromContent("words", "1", row.Content{"col": "y"})},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Version).To(Equal(uint64(1)))
			Expect(batch.Deltas).To(HaveLen(2))

			Expect(s.Version()).To(Equal(uint64(1)))
			v, err := s.TableVersion("words")
			Expect(err).NotTo(HaveOccurred())
			Expect(v).To(Equal(uint64(1)))

			rows, err := s.List("words")
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(2))
		})

		It("should reject an Added delta on a live key", func() {
			_, err := s.Apply(ctx, "words", []Delta{
				{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})},
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = s.Apply(ctx, "words", []Delta{
				{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "y"})},
			})
			Expect(IsAlreadyExists(err)).To(BeTrue())

			// Nothing committed: the old value survives.
			r, err := s.Get("words", "0")
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("col")
			Expect(v).To(Equal("x"))
			Expect(s.Version()).To(Equal(uint64(1)))
		})

		It("should reject updates and deletes on missing keys", func() {
			_, err := s.Apply(ctx, "words", []Delta{
				{Type: Updated, Row: row.FromContent("words", "9", row.Content{"col": "x"})},
			})
			Expect(IsNotFound(err)).To(BeTrue())

			_, err = s.Apply(ctx, "words", []Delta{
				{Type: Deleted, Row: row.New("words", "9")},
			})
			Expect(IsNotFound(err)).To(BeTrue())
			Expect(s.Version()).To(Equal(uint64(0)))
		})

		It("should abort the whole batch on a validation error", func() {
			_, err := s.Apply(ctx, "words", []Delta{
				{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})},
				{Type: Updated, Row: row.FromContent("words", "9", row.Content{"col": "y"})},
			})
			Expect(IsNotFound(err)).To(BeTrue())

			_, err = s.Get("words", "0")
			Expect(IsNotFound(err)).To(BeTrue())
		})

		It("should suppress semantically unchanged updates", func() {
			_, err := s.Apply(ctx, "words", []Delta{
				{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})},
			})
			Expect(err).NotTo(HaveOccurred())

			batch, err := s.Apply(ctx, "words", []Delta{
				{Type: Updated, Row: row.FromContent("words", "0", row.Content{"col": "x"})},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Deltas).To(BeEmpty())
		})

		It("should apply updates to pointer-carrying rows", func() {
			linkedSchema := &tablev1a1.Schema{Columns: []tablev1a1.Column{
				{Name: "value", Type: tablev1a1.ColumnTypeInt},
				{Name: "peer", Type: tablev1a1.ColumnTypePointer},
			}}
			Expect(s.RegisterTable("linked", linkedSchema)).To(Succeed())

			peer := row.NewPointer("values", "b1")
			_, err := s.Apply(ctx, "linked", []Delta{
				{Type: Added, Row: row.FromContent("linked", "a1",
					row.Content{"value": int64(3), "peer": peer})},
			})
			Expect(err).NotTo(HaveOccurred())

			// Changed value, verbatim pointer.
			batch, err := s.Apply(ctx, "linked", []Delta{
				{Type: Updated, Row: row.FromContent("linked", "a1",
					row.Content{"value": int64(10), "peer": peer})},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Deltas).To(HaveLen(1))

			// Unchanged content is still a suppressed no-op.
			batch, err = s.Apply(ctx, "linked", []Delta{
				{Type: Updated, Row: row.FromContent("linked", "a1",
					row.Content{"value": int64(10), "peer": row.NewPointer("values", "b1")})},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(batch.Deltas).To(BeEmpty())
		})

		It("should validate against the in-batch state", func() {
			// Delete and re-add of the same key in one batch.
			_, err := s.Apply(ctx, "words", []Delta{
				{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})},
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = s.Apply(ctx, "words", []Delta{
				{Type: Deleted, Row: row.New("words", "0")},
				{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "y"})},
			})
			Expect(err).NotTo(HaveOccurred())

			r, err := s.Get("words", "0")
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("col")
			Expect(v).To(Equal("y"))
		})

		It("should reject rows homed in another table", func() {
			_, err := s.Apply(ctx, "words", []Delta{
				{Type: Added, Row: row.FromContent("other", "0", row.Content{"col": "x"})},
			})
			Expect(err).To(HaveOccurred())
		})

		It("should abort on a cancelled context before commit", func() {
			cctx, ccancel := context.WithCancel(context.Background())
			ccancel()

			_, err := s.Apply(cctx, "words", []Delta{
				{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})},
			})
			Expect(err).To(HaveOccurred())
			Expect(s.Version()).To(Equal(uint64(0)))
		})
	})

	Describe("Applying transactions", func() {
		BeforeEach(func() {
			Expect(s.RegisterTable("upper", wordsSchema)).To(Succeed())
		})

		It("should commit batches on several tables together", func() {
			batches, err := s.ApplyAll(ctx, map[string][]Delta{
				"words": {{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})}},
				"upper": {{Type: Added, Row: row.FromContent("upper", "0", row.Content{"col": "X"})}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(batches).To(HaveLen(2))

			// Tables commit in name order, one version apiece.
			Expect(batches[0].Table).To(Equal("upper"))
			Expect(batches[0].Version).To(Equal(uint64(1)))
			Expect(batches[1].Table).To(Equal("words"))
			Expect(batches[1].Version).To(Equal(uint64(2)))
			Expect(s.Version()).To(Equal(uint64(2)))
		})

		It("should publish nothing when any batch fails validation", func() {
			_, err := s.ApplyAll(ctx, map[string][]Delta{
				"words": {{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})}},
				"upper": {{Type: Updated, Row: row.FromContent("upper", "9", row.Content{"col": "X"})}},
			})
			Expect(IsNotFound(err)).To(BeTrue())

			_, err = s.Get("words", "0")
			Expect(IsNotFound(err)).To(BeTrue())
			Expect(s.Version()).To(Equal(uint64(0)))
		})

		It("should publish nothing on a cancelled context", func() {
			cctx, ccancel := context.WithCancel(context.Background())
			ccancel()

			_, err := s.ApplyAll(cctx, map[string][]Delta{
				"words": {{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})}},
				"upper": {{Type: Added, Row: row.FromContent("upper", "0", row.Content{"col": "X"})}},
			})
			Expect(err).To(HaveOccurred())

			_, err = s.Get("words", "0")
			Expect(IsNotFound(err)).To(BeTrue())
			_, err = s.Get("upper", "0")
			Expect(IsNotFound(err)).To(BeTrue())
			Expect(s.Version()).To(Equal(uint64(0)))
		})
	})

	Describe("Versioned reads", func() {
		BeforeEach(func() {
			_, err := s.Apply(ctx, "words", []Delta{
				{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})},
			}) // v1
			Expect(err).NotTo(HaveOccurred())
			_, err = s.Apply(ctx, "words", []Delta{
				{Type: Updated, Row: row.FromContent("words", "0", row.Content{"col": "y"})},
				{Type: Added, Row: row.FromContent("words", "1", row.Content{"col": "z"})},
			}) // v2
			Expect(err).NotTo(HaveOccurred())
			_, err = s.Apply(ctx, "words", []Delta{
				{Type: Deleted, Row: row.New("words", "0")},
			}) // v3
			Expect(err).NotTo(HaveOccurred())
		})

		It("should read a key at historical versions", func() {
			r, err := s.Read("words", "0", 1)
			Expect(err).NotTo(HaveOccurred())
			v, _ := r.Get("col")
			Expect(v).To(Equal("x"))

			r, err = s.Read("words", "0", 2)
			Expect(err).NotTo(HaveOccurred())
			v, _ = r.Get("col")
			Expect(v).To(Equal("y"))

			_, err = s.Read("words", "0", 3)
			Expect(IsNotFound(err)).To(BeTrue())

			_, err = s.Read("words", "1", 1)
			Expect(IsNotFound(err)).To(BeTrue())
		})

		It("should snapshot whole tables at historical versions", func() {
			snap, err := s.Snapshot("words", 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap).To(HaveLen(1))

			snap, err = s.Snapshot("words", 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap).To(HaveLen(2))

			snap, err = s.Snapshot("words", 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(snap).To(HaveLen(1))
			Expect(snap[0].Key()).To(Equal("1"))
		})

		It("should return stable snapshots", func() {
			snap, err := s.Snapshot("words", 2)
			Expect(err).NotTo(HaveOccurred())

			for _, r := range snap {
				r.Set("col", "mutated")
			}

			snap2, err := s.Snapshot("words", 2)
			Expect(err).NotTo(HaveOccurred())
			for _, r := range snap2 {
				v, _ := r.Get("col")
				Expect(v).NotTo(Equal("mutated"))
			}
		})
	})

	Describe("Changelog/snapshot equivalence", func() {
		It("should re-derive any snapshot by replaying emitted batches", func() {
			batches := []*Batch{}
			apply := func(deltas []Delta) {
				b, err := s.Apply(ctx, "words", deltas)
				Expect(err).NotTo(HaveOccurred())
				batches = append(batches, b)
			}

			apply([]Delta{{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})}})
			apply([]Delta{{Type: Added, Row: row.FromContent("words", "1", row.Content{"col": "y"})}})
			apply([]Delta{{Type: Updated, Row: row.FromContent("words", "1", row.Content{"col": "w"})}})
			apply([]Delta{{Type: Deleted, Row: row.New("words", "0")}})

			for v1 := uint64(0); v1 < 4; v1++ {
				for v2 := v1 + 1; v2 <= 4; v2++ {
					derived := map[string]*row.Row{}
					snap, err := s.Snapshot("words", v1)
					Expect(err).NotTo(HaveOccurred())
					for _, r := range snap {
						derived[r.Key()] = r
					}

					for _, b := range batches {
						if b.Version <= v1 || b.Version > v2 {
							continue
						}
						for _, d := range b.Deltas {
							switch d.Type {
							case Added, Updated:
								derived[d.Row.Key()] = d.Row
							case Deleted:
								delete(derived, d.Row.Key())
							}
						}
					}

					snap2, err := s.Snapshot("words", v2)
					Expect(err).NotTo(HaveOccurred())
					Expect(snap2).To(HaveLen(len(derived)))
					for _, r := range snap2 {
						Expect(row.DeepEqual(r, derived[r.Key()])).To(BeTrue())
					}
				}
			}
		})
	})

	Describe("Watchers", func() {
		It("should replay the current snapshot as a Sync batch on attach", func() {
			_, err := s.Apply(ctx, "words", []Delta{
				{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})},
			})
			Expect(err).NotTo(HaveOccurred())

			w, err := s.Watch(ctx, "words")
			Expect(err).NotTo(HaveOccurred())

			batch, ok := testutils.TryWatch(w, time.Second)
			Expect(ok).To(BeTrue())
			Expect(batch.Deltas).To(HaveLen(1))
			Expect(batch.Deltas[0].Type).To(Equal(Sync))
			Expect(batch.Deltas[0].Row.Key()).To(Equal("0"))
		})

		It("should deliver applied batches in order", func() {
			w, err := s.Watch(ctx, "words")
			Expect(err).NotTo(HaveOccurred())

			// Initial empty sync.
			batch, ok := testutils.TryWatch(w, time.Second)
			Expect(ok).To(BeTrue())
			Expect(batch.Deltas).To(BeEmpty())

			_, err = s.Apply(ctx, "words", []Delta{
				{Type: Added, Row: row.FromContent("words", "0", row.Content{"col": "x"})},
			})
			Expect(err).NotTo(HaveOccurred())
			_, err = s.Apply(ctx, "words", []Delta{
				{Type: Updated, Row: row.FromContent("words", "0", row.Content{"col": "y"})},
			})
			Expect(err).NotTo(HaveOccurred())

			batch, ok = testutils.TryWatch(w, time.Second)
			Expect(ok).To(BeTrue())
			Expect(batch.Deltas[0].Type).To(Equal(Added))

			batch, ok = testutils.TryWatch(w, time.Second)
			Expect(ok).To(BeTrue())
			Expect(batch.Deltas[0].Type).To(Equal(Updated))
		})

		It("should stop watchers on context cancellation", func() {
			wctx, wcancel := context.WithCancel(context.Background())
			w, err := s.Watch(wctx, "words")
			Expect(err).NotTo(HaveOccurred())

			_, ok := testutils.TryWatch(w, time.Second)
			Expect(ok).To(BeTrue())

			wcancel()
			Eventually(func() bool {
				_, open := <-w.ResultChan()
				return open
			}, time.Second, 10*time.Millisecond).Should(BeFalse())
		})

		It("should tolerate Stop being called twice", func() {
			w, err := s.Watch(ctx, "words")
			Expect(err).NotTo(HaveOccurred())
			w.Stop()
			w.Stop()
		})
	})
})

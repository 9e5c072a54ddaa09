package crdt

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Replicas that exchange merges in any order must converge to the same state.

type counterOp struct {
	Replica string
	N       uint64
}

func genCounterOps() gopter.Gen {
	return gen.SliceOf(gopter.CombineGens(
		gen.OneConstOf("r1", "r2", "r3"),
		gen.UInt64Range(0, 100),
	).Map(func(vals []interface{}) counterOp {
		return counterOp{Replica: vals[0].(string), N: vals[1].(uint64)}
	}))
}

func TestGCounterConvergence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("merge is commutative", prop.ForAll(
		func(opsA, opsB []counterOp) bool {
			a, b := NewGCounter(), NewGCounter()
			for _, op := range opsA {
				a.Increment("a-"+op.Replica, op.N)
			}
			for _, op := range opsB {
				b.Increment("b-"+op.Replica, op.N)
			}

			ab := a.Copy()
			ab.Merge(b)
			ba := b.Copy()
			ba.Merge(a)
			return ab.Value() == ba.Value()
		},
		genCounterOps(), genCounterOps(),
	))

	properties.Property("merge is idempotent", prop.ForAll(
		func(ops []counterOp) bool {
			a := NewGCounter()
			for _, op := range ops {
				a.Increment(op.Replica, op.N)
			}
			before := a.Value()
			a.Merge(a.Copy())
			return a.Value() == before
		},
		genCounterOps(),
	))

	properties.TestingRun(t)
}

type registerWrite struct {
	Value   string
	TS      int64
	Replica string
}

func genRegisterWrites() gopter.Gen {
	return gen.SliceOf(gopter.CombineGens(
		gen.AlphaString(),
		gen.Int64Range(0, 50),
		gen.OneConstOf("r1", "r2", "r3"),
	).Map(func(vals []interface{}) registerWrite {
		return registerWrite{
			Value:   vals[0].(string),
			TS:      vals[1].(int64),
			Replica: vals[2].(string),
		}
	}))
}

func TestLWWRegisterConvergence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("merge order does not matter", prop.ForAll(
		func(writesA, writesB []registerWrite) bool {
			var a, b LWWRegister
			for _, w := range writesA {
				a.Set(w.Value, w.TS, w.Replica)
			}
			for _, w := range writesB {
				b.Set(w.Value, w.TS, w.Replica)
			}

			ab := a
			ab.Merge(b)
			ba := b
			ba.Merge(a)
			return ab == ba
		},
		genRegisterWrites(), genRegisterWrites(),
	))

	properties.Property("merge is associative", prop.ForAll(
		func(writesA, writesB, writesC []registerWrite) bool {
			var a, b, c LWWRegister
			for _, w := range writesA {
				a.Set(w.Value, w.TS, w.Replica)
			}
			for _, w := range writesB {
				b.Set(w.Value, w.TS, w.Replica)
			}
			for _, w := range writesC {
				c.Set(w.Value, w.TS, w.Replica)
			}

			left := a
			left.Merge(b)
			left.Merge(c)

			bc := b
			bc.Merge(c)
			right := a
			right.Merge(bc)
			return left == right
		},
		genRegisterWrites(), genRegisterWrites(), genRegisterWrites(),
	))

	properties.TestingRun(t)
}

type setOp struct {
	Element string
	Remove  bool
}

func genSetOps() gopter.Gen {
	return gen.SliceOf(gopter.CombineGens(
		gen.IntRange(0, 9),
		gen.Bool(),
	).Map(func(vals []interface{}) setOp {
		return setOp{
			Element: fmt.Sprintf("e%d", vals[0].(int)),
			Remove:  vals[1].(bool),
		}
	}))
}

func TestORSetConvergence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("replicas converge after mutual merge", prop.ForAll(
		func(opsA, opsB []setOp) bool {
			a, b := NewORSet(), NewORSet()
			for _, op := range opsA {
				if op.Remove {
					a.Remove(op.Element)
				} else {
					a.Add(op.Element, "ra")
				}
			}
			for _, op := range opsB {
				if op.Remove {
					b.Remove(op.Element)
				} else {
					b.Add(op.Element, "rb")
				}
			}

			a.Merge(b)
			b.Merge(a)

			seen := make(map[string]bool)
			for _, e := range a.Elements() {
				seen[e] = true
			}
			for _, e := range b.Elements() {
				if !seen[e] {
					return false
				}
				delete(seen, e)
			}
			return len(seen) == 0
		},
		genSetOps(), genSetOps(),
	))

	properties.TestingRun(t)
}

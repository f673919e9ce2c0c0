package testutils

// -------------------------------------------------------------------------------------------------
// Components
// -------------------------------------------------------------------------------------------------

type Position struct {
	X, Y float64
}

type Velocity struct {
	X, Y float64
}

type Health struct {
	Value int
}

type Label struct {
	Text string
}

// Tag is a zero sized marker component.
type Tag struct{}

// Resource owns a handle that must be released exactly once. Release increments the shared counter.
type Resource struct {
	Handle   int
	Released *int
}

func (r *Resource) Release() {
	if r.Released != nil {
		*r.Released++
	}
}

// ComponentMixed holds every common field kind. It's used to check encoders round trip values.
type ComponentMixed struct {
	Int8Val   int8
	Int64Val  int64
	Uint64Val uint64 // Values above 2^53-1 lose precision in naive JSON decoders

	Float32Val float32
	Float64Val float64

	StringVal string
	BoolVal   bool

	IntSlice   []int
	FloatArray [3]float64

	Nested   NestedData
	Metadata map[string]int
}

type NestedData struct {
	ID    uint64
	Name  string
	Score float64
}

// -------------------------------------------------------------------------------------------------
// Relation payloads
// -------------------------------------------------------------------------------------------------

// ChildOf is the payload of a parent edge.
type ChildOf struct{}

// Link is a weighted edge payload.
type Link struct {
	Weight int
}

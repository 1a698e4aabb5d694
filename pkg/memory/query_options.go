package memory

// RecallOptions accumulates the optional parameters of a `recall` call.
// Callers configure it via [RecallOpt] functional options.
type RecallOptions struct {
	Limit          int
	GraphExpand    bool
	GraphDepth     int
	GraphBudget    int
	GraphSeedLimit int
	GraphFilters   []string
	IncludeEntities bool
	ExpandNeighbors bool
	IncludeMemory   bool
}

// RecallOpt is a functional option for the retrieval service's recall path.
type RecallOpt func(*RecallOptions)

// WithLimit caps the number of primary results returned. A value of 0 leaves
// the implementation's default (5) in place.
func WithLimit(n int) RecallOpt {
	return func(o *RecallOptions) { o.Limit = n }
}

// WithGraphExpand enables 1-hop graph expansion around the seed events of the
// primary results. Only a depth of 1 is supported; see [WithGraphDepth].
func WithGraphExpand(enabled bool) RecallOpt {
	return func(o *RecallOptions) { o.GraphExpand = enabled }
}

// WithGraphDepth sets the graph traversal depth. Only 1 is accepted; any
// other value is rejected by the retrieval service before expansion begins.
func WithGraphDepth(depth int) RecallOpt {
	return func(o *RecallOptions) { o.GraphDepth = depth }
}

// WithGraphBudget caps the number of related_context entries returned by
// graph expansion, independent of Limit.
func WithGraphBudget(n int) RecallOpt {
	return func(o *RecallOptions) { o.GraphBudget = n }
}

// WithGraphSeedLimit caps how many of the primary results are used as seeds
// for graph expansion.
func WithGraphSeedLimit(n int) RecallOpt {
	return func(o *RecallOptions) { o.GraphSeedLimit = n }
}

// WithGraphFilters restricts graph expansion to edges whose predicate is in
// the given list. An empty list follows all predicates.
func WithGraphFilters(predicates ...string) RecallOpt {
	return func(o *RecallOptions) { o.GraphFilters = append(o.GraphFilters, predicates...) }
}

// WithIncludeEntities adds the resolved entities behind each result to the response.
func WithIncludeEntities(include bool) RecallOpt {
	return func(o *RecallOptions) { o.IncludeEntities = include }
}

// WithExpandNeighbors pulls the chunk immediately before and after each chunk
// hit, for additional surrounding context.
func WithExpandNeighbors(expand bool) RecallOpt {
	return func(o *RecallOptions) { o.ExpandNeighbors = expand }
}

// WithIncludeMemory also searches the whole-artifact content namespace,
// not just chunks, useful for short remembered items, whose whole content is
// also embedded as one vector.
func WithIncludeMemory(include bool) RecallOpt {
	return func(o *RecallOptions) { o.IncludeMemory = include }
}

// ApplyRecallOpts applies a slice of [RecallOpt] and returns the resolved
// options with defaults filled in. This lets storage and retrieval packages
// read the resolved values without depending on the functional-option machinery.
func ApplyRecallOpts(opts []RecallOpt) RecallOptions {
	o := RecallOptions{Limit: 5, GraphDepth: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

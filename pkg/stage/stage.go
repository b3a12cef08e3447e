package stage

import (
	"time"
)

// Stage is one named unit of enrichment work applied to a paper.
// The set is closed; adding a stage means adding a registry row here
// plus a body implementation.
type Stage string

const (
	StageEmbedding     Stage = "embedding"
	StageAIAnalysis    Stage = "ai_analysis"
	StageCitations     Stage = "citations"
	StageConcepts      Stage = "concepts"
	StageTechniques    Stage = "techniques"
	StageBenchmarks    Stage = "benchmarks"
	StageGithub        Stage = "github"
	StageDeepAnalysis  Stage = "deep_analysis"
	StageRelationships Stage = "relationships"
)

// Kind classifies stages by resource profile.
type Kind string

const (
	KindLLM      Kind = "llm"
	KindExternal Kind = "external"
	KindLocal    Kind = "local"
)

// Pool identifies a worker sub-pool. The external kind is split into
// its two provider buckets so every pool maps to exactly one bucket.
type Pool string

const (
	PoolLLM       Pool = "llm"
	PoolCitations Pool = "citations"
	PoolGithub    Pool = "github"
	PoolLocal     Pool = "local"
)

// Rate-limit bucket (provider) names.
const (
	BucketLLMProvider       = "llm_provider"
	BucketCitationsProvider = "citations_provider"
	BucketGithub            = "github"
	BucketLocal             = "local"
)

type entry struct {
	kind           Kind
	pool           Pool
	bucket         string
	attemptTimeout time.Duration
}

// executionOrder is the canonical stage order. Later stages may consume
// the output of earlier ones; the scheduler does not enforce that, the
// backfill enqueuer honors it by only emitting missing stages.
var executionOrder = []Stage{
	StageEmbedding,
	StageAIAnalysis,
	StageCitations,
	StageConcepts,
	StageTechniques,
	StageBenchmarks,
	StageGithub,
	StageDeepAnalysis,
	StageRelationships,
}

var registry = map[Stage]entry{
	StageEmbedding:     {KindLocal, PoolLocal, BucketLocal, 2 * time.Minute},
	StageAIAnalysis:    {KindLLM, PoolLLM, BucketLLMProvider, 5 * time.Minute},
	StageCitations:     {KindExternal, PoolCitations, BucketCitationsProvider, 1 * time.Minute},
	StageConcepts:      {KindLLM, PoolLLM, BucketLLMProvider, 3 * time.Minute},
	StageTechniques:    {KindLLM, PoolLLM, BucketLLMProvider, 3 * time.Minute},
	StageBenchmarks:    {KindLLM, PoolLLM, BucketLLMProvider, 3 * time.Minute},
	StageGithub:        {KindExternal, PoolGithub, BucketGithub, 1 * time.Minute},
	StageDeepAnalysis:  {KindLLM, PoolLLM, BucketLLMProvider, 10 * time.Minute},
	StageRelationships: {KindLocal, PoolLocal, BucketLocal, 5 * time.Minute},
}

// leaseSlack is added to the attempt timeout when sizing leases so a
// worker that hits its timeout still gets to write the failure itself.
const leaseSlack = 30 * time.Second

// ExecutionOrder returns the canonical stage order.
func ExecutionOrder() []Stage {
	out := make([]Stage, len(executionOrder))
	copy(out, executionOrder)
	return out
}

// Count returns the number of stages.
func Count() int {
	return len(executionOrder)
}

// Valid reports whether s is a known stage.
func Valid(s Stage) bool {
	_, ok := registry[s]
	return ok
}

// KindOf returns the worker kind for a stage.
func KindOf(s Stage) Kind {
	return registry[s].kind
}

// PoolOf returns the worker sub-pool a stage is dispatched to.
func PoolOf(s Stage) Pool {
	return registry[s].pool
}

// BucketOf returns the rate-limit provider name a stage consumes.
func BucketOf(s Stage) string {
	return registry[s].bucket
}

// AttemptTimeout returns the wall-clock budget for a single attempt.
func AttemptTimeout(s Stage) time.Duration {
	return registry[s].attemptTimeout
}

// DefaultLeaseDuration returns the lease length for a stage, derived
// from the attempt timeout.
func DefaultLeaseDuration(s Stage) time.Duration {
	return registry[s].attemptTimeout + leaseSlack
}

// Pools returns all worker sub-pools.
func Pools() []Pool {
	return []Pool{PoolLLM, PoolCitations, PoolGithub, PoolLocal}
}

// StagesForPool returns the stages served by a sub-pool, in execution order.
func StagesForPool(p Pool) []Stage {
	var out []Stage
	for _, s := range executionOrder {
		if registry[s].pool == p {
			out = append(out, s)
		}
	}
	return out
}

// StagesForKind returns the stages of a kind, in execution order.
func StagesForKind(k Kind) []Stage {
	var out []Stage
	for _, s := range executionOrder {
		if registry[s].kind == k {
			out = append(out, s)
		}
	}
	return out
}

// BucketForPool returns the single rate bucket consumed by a sub-pool.
func BucketForPool(p Pool) string {
	for _, s := range executionOrder {
		if registry[s].pool == p {
			return registry[s].bucket
		}
	}
	return ""
}

// Buckets returns the distinct provider names in registry order.
func Buckets() []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range executionOrder {
		b := registry[s].bucket
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

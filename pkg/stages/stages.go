// Package stages holds the default stage body implementations. Each
// body does the outbound I/O for one enrichment stage; scheduling,
// retries and rate limiting all live in the pipeline.
package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/arxlens/enrichd/pkg/config"
	"github.com/arxlens/enrichd/pkg/stage"
	"github.com/go-resty/resty/v2"
)

// Set bundles the HTTP clients the default bodies share.
type Set struct {
	cfg *config.StagesConfig

	embedding *resty.Client
	llm       *resty.Client
	citations *resty.Client
	github    *resty.Client
}

func New(cfg *config.StagesConfig) *Set {
	timeout := cfg.GetRequestTimeout()

	github := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/vnd.github.v3+json").
		SetHeader("X-GitHub-Api-Version", "2022-11-28")
	if cfg != nil && cfg.GithubToken != "" {
		github.SetHeader("Authorization", "Bearer "+cfg.GithubToken)
	}

	return &Set{
		cfg:       cfg,
		embedding: resty.New().SetTimeout(timeout),
		llm:       resty.New().SetTimeout(timeout),
		citations: resty.New().SetTimeout(timeout),
		github:    github,
	}
}

// RegisterAll installs every default body whose endpoint is configured.
// Stages without an endpoint are left unregistered so their jobs fail
// fast instead of hammering a dead URL.
func (s *Set) RegisterAll(r *stage.Registry) error {
	bodies := map[stage.Stage]stage.Body{
		stage.StageEmbedding:     s.Embedding,
		stage.StageAIAnalysis:    s.llmBody("ai_analysis"),
		stage.StageCitations:     s.Citations,
		stage.StageConcepts:      s.llmBody("concepts"),
		stage.StageTechniques:    s.llmBody("techniques"),
		stage.StageBenchmarks:    s.llmBody("benchmarks"),
		stage.StageGithub:        s.Github,
		stage.StageDeepAnalysis:  s.llmBody("deep_analysis"),
		stage.StageRelationships: s.Relationships,
	}
	for st, body := range bodies {
		if err := r.Register(st, body); err != nil {
			return err
		}
	}
	return nil
}

// Embedding asks the embedding service to compute and store the vector
// for one paper.
func (s *Set) Embedding(ctx context.Context, paperID string, metadata json.RawMessage) error {
	if s.cfg == nil || s.cfg.EmbeddingServiceURL == "" {
		return stage.Permanent("embedding service URL not configured", nil)
	}
	resp, err := s.embedding.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{"paper_id": paperID}).
		Post(s.cfg.EmbeddingServiceURL + "/v1/embed")
	return classifyResponse(resp, err, "embedding")
}

// Relationships asks the embedding service for nearest neighbors and
// persists them; it only needs local infrastructure, no external API.
func (s *Set) Relationships(ctx context.Context, paperID string, metadata json.RawMessage) error {
	if s.cfg == nil || s.cfg.EmbeddingServiceURL == "" {
		return stage.Permanent("embedding service URL not configured", nil)
	}
	resp, err := s.embedding.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{"paper_id": paperID}).
		Post(s.cfg.EmbeddingServiceURL + "/v1/relationships")
	return classifyResponse(resp, err, "relationships")
}

// llmBody builds the body for one LLM-backed analysis task. The gateway
// owns prompt construction and result persistence; the pipeline only
// names the task.
func (s *Set) llmBody(task string) stage.Body {
	return func(ctx context.Context, paperID string, metadata json.RawMessage) error {
		if s.cfg == nil || s.cfg.LLMGatewayURL == "" {
			return stage.Permanent("LLM gateway URL not configured", nil)
		}
		payload := map[string]interface{}{
			"task":     task,
			"paper_id": paperID,
		}
		if s.cfg.LLMModel != "" {
			payload["model"] = s.cfg.LLMModel
		}
		if len(metadata) > 0 {
			payload["metadata"] = metadata
		}
		resp, err := s.llm.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(payload).
			Post(s.cfg.LLMGatewayURL + "/v1/analyze")
		return classifyResponse(resp, err, task)
	}
}

// Citations pulls the citation graph for one paper.
func (s *Set) Citations(ctx context.Context, paperID string, metadata json.RawMessage) error {
	if s.cfg == nil || s.cfg.CitationsAPIURL == "" {
		return stage.Permanent("citations API URL not configured", nil)
	}
	resp, err := s.citations.R().
		SetContext(ctx).
		Get(fmt.Sprintf("%s/graph/v1/paper/%s/citations", s.cfg.CitationsAPIURL, paperID))
	return classifyResponse(resp, err, "citations")
}

// Github resolves the paper's code repository. The repo URL comes from
// the job metadata when the ingest step found one; otherwise the stage
// falls back to a title search.
func (s *Set) Github(ctx context.Context, paperID string, metadata json.RawMessage) error {
	if s.cfg == nil || s.cfg.GithubAPIURL == "" {
		return stage.Permanent("GitHub API URL not configured", nil)
	}

	var meta struct {
		Repo  string `json:"repo"`
		Title string `json:"title"`
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return stage.Permanent("malformed job metadata", err)
		}
	}

	req := s.github.R().SetContext(ctx)
	var (
		resp *resty.Response
		err  error
	)
	if meta.Repo != "" {
		resp, err = req.Get(fmt.Sprintf("%s/repos/%s", s.cfg.GithubAPIURL, meta.Repo))
	} else {
		query := meta.Title
		if query == "" {
			query = paperID
		}
		resp, err = req.
			SetQueryParam("q", query).
			Get(s.cfg.GithubAPIURL + "/search/repositories")
	}
	return classifyResponse(resp, err, "github")
}

package multiagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"squadron/internal/domain"
	infralogger "squadron/internal/infra/logger"
	"squadron/internal/infra/tracer"
)

func discardLogger() *slog.Logger { return infralogger.Discard() }

// ContextualRanker is a Ranker that also wants the session history.
type ContextualRanker interface {
	domain.Ranker
	RankWithHistory(ctx context.Context, query string, history []domain.Turn, candidates []domain.AgentDescriptor) ([]domain.RankScore, error)
}

// ClassifyInput is the conversation signal available to the classifier.
type ClassifyInput struct {
	Query               string
	History             []domain.Turn
	LastSelectedAgentID string
}

// ClassifierConfig tunes agent selection.
type ClassifierConfig struct {
	// MinScore discards candidates scoring at or below it.
	MinScore float64
	// MaxRetries is the number of extra ranker attempts after a failure.
	MaxRetries int
	// Mentions lets "@agent-id ..." address an agent directly.
	Mentions bool
}

// Classifier selects the agent that should handle a user turn.
type Classifier struct {
	ranker domain.Ranker
	cfg    ClassifierConfig
	logger *slog.Logger
}

// NewClassifier creates a Classifier around ranker. A nil logger discards.
func NewClassifier(ranker domain.Ranker, cfg ClassifierConfig, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = discardLogger()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Classifier{ranker: ranker, cfg: cfg, logger: logger}
}

// Classify returns the id of the best candidate. The highest score wins;
// exact ties go to the previously selected agent when it is among them,
// otherwise to the earliest candidate in slice (registration) order. An
// empty candidate set fails with ErrNoSuitableAgent without consulting the
// ranker.
func (c *Classifier) Classify(ctx context.Context, in ClassifyInput, candidates []domain.AgentDescriptor) (string, error) {
	if len(candidates) == 0 {
		return "", domain.NewDomainError("Classifier.Classify", domain.ErrNoSuitableAgent, "no candidates registered")
	}

	if c.cfg.Mentions {
		if id, ok := mentionedAgent(in.Query, candidates); ok {
			c.logger.Debug("agent addressed by mention", "agent_id", id)
			return id, nil
		}
	}

	ctx, span := tracer.StartSpan(ctx, "classifier.classify")
	defer span.End()

	scores, err := c.rank(ctx, in, candidates)
	if err != nil {
		tracer.RecordError(span, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("%w: ranker: %w", domain.ErrNoSuitableAgent, err)
	}

	id, ok := c.pick(scores, candidates, in.LastSelectedAgentID)
	if !ok {
		c.logger.Debug("no candidate above threshold", "min_score", c.cfg.MinScore, "scores", len(scores))
		return "", domain.NewDomainError("Classifier.Classify", domain.ErrNoSuitableAgent, "no candidate scored above threshold")
	}
	span.SetAttributes(tracer.StringAttr("agent.id", id))
	tracer.SetOK(span)
	return id, nil
}

func (c *Classifier) rank(ctx context.Context, in ClassifyInput, candidates []domain.AgentDescriptor) ([]domain.RankScore, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var (
			scores []domain.RankScore
			err    error
		)
		if cr, ok := c.ranker.(ContextualRanker); ok {
			scores, err = cr.RankWithHistory(ctx, in.Query, in.History, candidates)
		} else {
			scores, err = c.ranker.Rank(ctx, in.Query, candidates)
		}
		if err == nil {
			return scores, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.logger.Warn("ranker failed", "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *Classifier) pick(scores []domain.RankScore, candidates []domain.AgentDescriptor, last string) (string, bool) {
	best := make(map[string]float64, len(scores))
	for _, s := range scores {
		if s.Score <= c.cfg.MinScore {
			continue
		}
		if prev, seen := best[s.AgentID]; !seen || s.Score > prev {
			best[s.AgentID] = s.Score
		}
	}

	var (
		top    float64
		tied   []string
		anyHit bool
	)
	for _, d := range candidates {
		score, ok := best[d.ID]
		if !ok {
			continue
		}
		switch {
		case !anyHit || score > top:
			top, tied, anyHit = score, []string{d.ID}, true
		case score == top:
			tied = append(tied, d.ID)
		}
	}
	if !anyHit {
		return "", false
	}
	if last != "" {
		for _, id := range tied {
			if id == last {
				return id, true
			}
		}
	}
	return tied[0], true
}

// mentionedAgent matches a leading "@id" or "@name" against candidates.
func mentionedAgent(query string, candidates []domain.AgentDescriptor) (string, bool) {
	q := strings.TrimSpace(query)
	if !strings.HasPrefix(q, "@") {
		return "", false
	}
	name := q[1:]
	if idx := strings.IndexAny(name, " \t\n,:"); idx >= 0 {
		name = name[:idx]
	}
	if name == "" {
		return "", false
	}
	for _, d := range candidates {
		if strings.EqualFold(d.ID, name) || strings.EqualFold(strings.ReplaceAll(d.Name, " ", "-"), name) {
			return d.ID, true
		}
	}
	return "", false
}

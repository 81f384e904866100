package usecase

import (
	"context"
	"errors"
	"io"
	"strings"

	"squadron/internal/domain"
)

var errStreamTruncated = errors.New("stream closed before completion")

// agentStream produces a streamed turn on demand. Each Recv reads at most
// one delta from the backend channel, so nothing is generated ahead of the
// consumer; tool calls are executed inline between model iterations.
type agentStream struct {
	a     *Agent
	sb    domain.StreamingBackend
	ctx   context.Context
	gen   domain.GenerateRequest
	tools *toolRound

	deltas        <-chan domain.StreamDelta
	iterations    int
	text          strings.Builder
	calls         []domain.ToolCall
	stop          domain.StopReason
	pending       []domain.StreamChunk
	iterationDone bool
	finished      bool
}

func (a *Agent) newStream(ctx context.Context, sb domain.StreamingBackend, sessionID string, gen domain.GenerateRequest) *domain.Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &agentStream{
		a:     a,
		sb:    sb,
		ctx:   ctx,
		gen:   gen,
		tools: newToolRound(a, sessionID),
	}
	return domain.NewStream(s.next, cancel)
}

func (s *agentStream) next() (domain.StreamChunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.iterationDone {
			s.iterationDone = false
			if err := s.endIteration(); err != nil {
				return domain.StreamChunk{}, err
			}
			continue
		}
		if s.finished {
			return domain.StreamChunk{}, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return domain.StreamChunk{}, err
		}
		if s.deltas == nil {
			if err := s.open(); err != nil {
				return domain.StreamChunk{}, err
			}
		}

		var (
			d  domain.StreamDelta
			ok bool
		)
		select {
		case d, ok = <-s.deltas:
		case <-s.ctx.Done():
			return domain.StreamChunk{}, s.ctx.Err()
		}
		if !ok {
			if err := s.ctx.Err(); err != nil {
				return domain.StreamChunk{}, err
			}
			return domain.StreamChunk{}, s.a.backendError(errStreamTruncated)
		}
		if d.Err != nil {
			return domain.StreamChunk{}, s.a.backendError(d.Err)
		}
		if d.StopReason != "" {
			s.stop = d.StopReason
		}
		if d.Done {
			s.deltas = nil
			s.iterationDone = true
		}

		switch {
		case d.Text != "":
			s.text.WriteString(d.Text)
			return domain.StreamChunk{Kind: domain.ChunkText, Text: d.Text}, nil
		case d.ToolCall != nil:
			call := *d.ToolCall
			s.calls = append(s.calls, call)
			return domain.StreamChunk{Kind: domain.ChunkToolCall, ToolCall: &call}, nil
		}
	}
}

// open starts the next model iteration. Opening is retried like a composed
// call; failures after the first delta are terminal.
func (s *agentStream) open() error {
	if s.iterations >= s.a.cfg.MaxIterations {
		return s.a.loopLimitError()
	}
	s.iterations++
	s.text.Reset()
	s.calls = nil
	s.stop = ""
	return s.a.withRetry(s.ctx, "stream", func(ctx context.Context) error {
		ch, err := s.sb.GenerateStream(ctx, s.gen)
		if err != nil {
			return err
		}
		s.deltas = ch
		return nil
	})
}

// endIteration closes the current model iteration. Without tool calls the
// stream is finished; otherwise the tools run and their results are queued
// as chunks before the next iteration opens.
func (s *agentStream) endIteration() error {
	if s.stop.Blocked() {
		return domain.NewDomainError("Agent.Invoke", domain.ErrGuardrailViolation, "backend guardrail intervened")
	}
	if len(s.calls) == 0 {
		s.finished = true
		return nil
	}
	results, err := s.tools.run(s.ctx, s.calls)
	if err != nil {
		return err
	}
	s.gen.Messages = append(s.gen.Messages,
		domain.Message{Role: domain.MessageAssistant, Content: s.text.String(), ToolCalls: s.calls},
		domain.Message{Role: domain.MessageUser, ToolResults: results},
	)
	for i := range results {
		r := results[i]
		s.pending = append(s.pending, domain.StreamChunk{Kind: domain.ChunkToolResult, ToolResult: &r})
	}
	return nil
}

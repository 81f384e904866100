package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"squadron/internal/domain"
	"squadron/internal/infra/logger"
	"squadron/internal/infra/tracer"
)

// GuardrailAPI is implemented by *bedrockruntime.Client.
type GuardrailAPI interface {
	ApplyGuardrail(ctx context.Context, params *bedrockruntime.ApplyGuardrailInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ApplyGuardrailOutput, error)
}

// BedrockGuardrail applies a pre-configured Bedrock guardrail policy to
// free text.
type BedrockGuardrail struct {
	client GuardrailAPI
	source types.GuardrailContentSource
	logger *slog.Logger
}

// NewBedrockGuardrail creates a guardrail evaluating content as user input.
func NewBedrockGuardrail(client GuardrailAPI, l *slog.Logger) *BedrockGuardrail {
	return &BedrockGuardrail{
		client: client,
		source: types.GuardrailContentSourceInput,
		logger: logger.OrDiscard(l),
	}
}

// Apply implements domain.Guardrail. An intervention fails with
// ErrGuardrailViolation; the policy's canned message is kept as detail.
func (g *BedrockGuardrail) Apply(ctx context.Context, content, guardrailID, guardrailVersion string) (string, error) {
	ctx, span := tracer.StartSpan(ctx, "guardrail.apply")
	defer span.End()

	out, err := g.client.ApplyGuardrail(ctx, &bedrockruntime.ApplyGuardrailInput{
		GuardrailIdentifier: aws.String(guardrailID),
		GuardrailVersion:    aws.String(guardrailVersion),
		Source:              g.source,
		Content: []types.GuardrailContentBlock{
			&types.GuardrailContentBlockMemberText{Value: types.GuardrailTextBlock{Text: aws.String(content)}},
		},
	})
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		return "", err
	}

	if out.Action == types.GuardrailActionGuardrailIntervened {
		detail := outputText(out.Outputs)
		g.logger.Info("guardrail intervened", "guardrail", guardrailID, "version", guardrailVersion)
		err := domain.NewDomainError("BedrockGuardrail.Apply", domain.ErrGuardrailViolation,
			fmt.Sprintf("guardrail %s intervened: %s", guardrailID, detail))
		tracer.RecordError(span, err)
		return "", err
	}
	tracer.SetOK(span)
	return content, nil
}

func outputText(outputs []types.GuardrailOutputContent) string {
	parts := make([]string, 0, len(outputs))
	for _, o := range outputs {
		if t := aws.ToString(o.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

var _ domain.Guardrail = (*BedrockGuardrail)(nil)

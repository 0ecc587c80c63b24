//go:build bedrock

package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

// bedrockStreamAPI abstracts the Bedrock runtime streaming method for testability.
type bedrockStreamAPI interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Bedrock streams through the AWS Bedrock Converse API. It has no HTTP
// framing of its own, so the relay drives it through domain.NativeStreamer.
type Bedrock struct {
	id     string
	model  string
	client bedrockStreamAPI
	logger *slog.Logger
}

func newBedrock(pc config.ProviderConfig, logger *slog.Logger) (domain.Adapter, error) {
	region := pc.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Bedrock{
		id:     pc.Name,
		model:  pc.Model,
		client: bedrockruntime.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// ID implements domain.Adapter.
func (b *Bedrock) ID() string { return b.id }

const bedrockDefaultModel = "anthropic.claude-3-haiku-20240307-v1:0"

// DefaultModel implements domain.Adapter. The provider's configured model
// wins over the built-in one.
func (b *Bedrock) DefaultModel() string {
	if b.model != "" {
		return b.model
	}
	return bedrockDefaultModel
}

// Keyless implements domain.KeylessAdapter. Credentials come from the AWS chain.
func (b *Bedrock) Keyless() bool { return true }

// Endpoint implements domain.Adapter. Bedrock is reached through the SDK.
func (b *Bedrock) Endpoint(model string) string { return "bedrock:" + model }

// Headers implements domain.Adapter.
func (b *Bedrock) Headers(string) http.Header { return http.Header{} }

// BuildBody implements domain.Adapter.
func (b *Bedrock) BuildBody([]domain.Turn, string) ([]byte, error) { return nil, nil }

// DataPrefix implements domain.Adapter.
func (b *Bedrock) DataPrefix() string { return "" }

// ExtractDelta implements domain.Adapter.
func (b *Bedrock) ExtractDelta([]byte) (string, bool) { return "", false }

// StreamNative implements domain.NativeStreamer.
func (b *Bedrock) StreamNative(ctx context.Context, turns []domain.Turn, model string) (<-chan string, <-chan error) {
	out := make(chan string, 16)
	errc := make(chan error, 1)

	output, err := b.client.ConverseStream(ctx, toBedrockInput(turns, model))
	if err != nil {
		close(out)
		errc <- mapBedrockError(err)
		return out, errc
	}

	go func() {
		defer close(out)
		stream := output.GetStream()
		defer stream.Close()

		for evt := range stream.Events() {
			text, ok := bedrockText(evt)
			if !ok {
				continue
			}
			select {
			case out <- text:
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errc <- mapBedrockError(err)
		}
	}()
	return out, errc
}

func toBedrockInput(turns []domain.Turn, model string) *bedrockruntime.ConverseStreamInput {
	in := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(model),
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens: aws.Int32(anthropicMaxTokens),
		},
	}
	for _, t := range turns {
		switch t.Role {
		case domain.RoleSystem:
			in.System = append(in.System, &types.SystemContentBlockMemberText{Value: t.Content})
		case domain.RoleAssistant:
			in.Messages = append(in.Messages, types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: t.Content}},
			})
		default:
			in.Messages = append(in.Messages, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: t.Content}},
			})
		}
	}
	return in
}

func bedrockText(evt types.ConverseStreamOutput) (string, bool) {
	e, ok := evt.(*types.ConverseStreamOutputMemberContentBlockDelta)
	if !ok {
		return "", false
	}
	d, ok := e.Value.Delta.(*types.ContentBlockDeltaMemberText)
	if !ok || d.Value == "" {
		return "", false
	}
	return d.Value, true
}

// mapBedrockError maps AWS API errors onto the relay's error sentinels.
func mapBedrockError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return &domain.ProviderError{StatusCode: http.StatusTooManyRequests, Body: apiErr.ErrorMessage(), Err: domain.ErrRateLimit}
		case "AccessDeniedException", "UnrecognizedClientException":
			return &domain.ProviderError{StatusCode: http.StatusForbidden, Body: apiErr.ErrorMessage(), Err: domain.ErrAuthInvalid}
		case "ValidationException":
			return &domain.ProviderError{StatusCode: http.StatusBadRequest, Body: apiErr.ErrorMessage(), Err: domain.ErrProviderError}
		case "ModelNotReadyException", "ServiceUnavailableException", "InternalServerException":
			return &domain.ProviderError{StatusCode: http.StatusServiceUnavailable, Body: apiErr.ErrorMessage(), Err: domain.ErrProviderError}
		}
	}
	return fmt.Errorf("%w: bedrock: %w", domain.ErrTransport, err)
}

var (
	_ domain.Adapter        = (*Bedrock)(nil)
	_ domain.NativeStreamer = (*Bedrock)(nil)
	_ domain.KeylessAdapter = (*Bedrock)(nil)
)

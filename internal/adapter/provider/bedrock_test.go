//go:build bedrock

package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

type mockBedrockClient struct {
	converseStreamFunc func(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

func (m *mockBedrockClient) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return m.converseStreamFunc(ctx, params, optFns...)
}

func TestToBedrockInput(t *testing.T) {
	in := toBedrockInput([]domain.Turn{
		{Role: domain.RoleSystem, Content: "be brief"},
		{Role: domain.RoleUser, Content: "hi"},
		{Role: domain.RoleAssistant, Content: "hello"},
		{Role: domain.RoleUser, Content: "bye"},
	}, "anthropic.claude-v2")

	assert.Equal(t, "anthropic.claude-v2", aws.ToString(in.ModelId))
	require.Len(t, in.System, 1)
	require.Len(t, in.Messages, 3)
	assert.Equal(t, types.ConversationRoleUser, in.Messages[0].Role)
	assert.Equal(t, types.ConversationRoleAssistant, in.Messages[1].Role)
	assert.Equal(t, int32(anthropicMaxTokens), aws.ToInt32(in.InferenceConfig.MaxTokens))
}

func TestBedrockText(t *testing.T) {
	text, ok := bedrockText(&types.ConverseStreamOutputMemberContentBlockDelta{
		Value: types.ContentBlockDeltaEvent{Delta: &types.ContentBlockDeltaMemberText{Value: "Hi"}},
	})
	assert.True(t, ok)
	assert.Equal(t, "Hi", text)

	_, ok = bedrockText(&types.ConverseStreamOutputMemberMessageStop{})
	assert.False(t, ok)
}

func TestMapBedrockError(t *testing.T) {
	err := mapBedrockError(&smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"})
	assert.True(t, errors.Is(err, domain.ErrRateLimit))
	var pe *domain.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 429, pe.StatusCode)

	err = mapBedrockError(&smithy.GenericAPIError{Code: "AccessDeniedException"})
	assert.True(t, errors.Is(err, domain.ErrAuthInvalid))

	err = mapBedrockError(errors.New("dial tcp: refused"))
	assert.True(t, errors.Is(err, domain.ErrTransport))
}

func TestBedrockStreamNativeConnectError(t *testing.T) {
	b := &Bedrock{id: "aws", client: &mockBedrockClient{
		converseStreamFunc: func(context.Context, *bedrockruntime.ConverseStreamInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "ServiceUnavailableException"}
		},
	}}

	out, errc := b.StreamNative(context.Background(), []domain.Turn{{Role: domain.RoleUser, Content: "hi"}}, "m")
	_, open := <-out
	assert.False(t, open)
	err := <-errc
	assert.True(t, errors.Is(err, domain.ErrProviderError))
}

func TestBedrockDefaultModel(t *testing.T) {
	assert.Equal(t, bedrockDefaultModel, (&Bedrock{id: "aws"}).DefaultModel())
	assert.Equal(t, "amazon.nova-lite-v1:0", (&Bedrock{id: "aws", model: "amazon.nova-lite-v1:0"}).DefaultModel())
}

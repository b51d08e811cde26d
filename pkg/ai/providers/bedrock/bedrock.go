// Package bedrock implements ai.Provider for Amazon Bedrock's ConverseStream
// API.
//
// Authentication is handled by the AWS SDK v2 credential chain:
//  1. AWS_ACCESS_KEY_ID + AWS_SECRET_ACCESS_KEY (+ optional AWS_SESSION_TOKEN)
//  2. AWS_PROFILE — named profile from ~/.aws/credentials
//  3. ~/.aws/credentials default profile
//  4. IAM instance roles / ECS task roles / IRSA
//
// Configure in opal.yaml:
//
//	provider: bedrock
//	model:    us.anthropic.claude-sonnet-4-5-20250929-v1:0
//	region:   us-east-1      # optional; falls back to AWS_DEFAULT_REGION
package bedrock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brdoc "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/opal-dev/opal/pkg/ai"
)

// Provider is the Amazon Bedrock streaming provider.
type Provider struct {
	Region  string
	Profile string
}

func New(region, profile string) *Provider {
	return &Provider{Region: region, Profile: profile}
}

func (p *Provider) Name() string { return "bedrock" }

// ---------------------------------------------------------------------------
// Stream
// ---------------------------------------------------------------------------

func (p *Provider) Stream(ctx context.Context, model ai.Model, llmCtx ai.Context, opts ai.StreamOptions) (<-chan ai.StreamEvent, func() (*ai.AssistantMessage, error)) {
	events := make(chan ai.StreamEvent, 64)
	var finalMsg *ai.AssistantMessage
	var finalErr error
	done := make(chan struct{})

	go func() {
		defer close(done)
		finalMsg, finalErr = p.stream(ctx, model, llmCtx, opts, events)
		if finalErr != nil {
			events <- ai.StreamEvent{Type: ai.StreamError, Err: finalErr}
		}
		close(events)
	}()

	return events, func() (*ai.AssistantMessage, error) {
		<-done
		return finalMsg, finalErr
	}
}

func (p *Provider) stream(ctx context.Context, model ai.Model, llmCtx ai.Context, opts ai.StreamOptions, events chan<- ai.StreamEvent) (*ai.AssistantMessage, error) {
	client, err := p.newClient(ctx)
	if err != nil {
		return nil, ai.Permanent(fmt.Errorf("bedrock: build client: %w", err))
	}

	input, err := p.buildInput(model.ID, llmCtx, opts)
	if err != nil {
		return nil, ai.Permanent(fmt.Errorf("bedrock: build input: %w", err))
	}

	resp, err := client.ConverseStream(ctx, input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(fmt.Errorf("bedrock: ConverseStream: %w", err))
	}

	final := &ai.AssistantMessage{
		Model:     model.ID,
		Provider:  "bedrock",
		Timestamp: time.Now().UnixMilli(),
	}

	// blockIndex (from Bedrock) → block kind and accumulated tool state
	type blockState struct {
		kind string // "text" | "tool_use"
		id   string
		name string
		args strings.Builder
	}
	blocks := map[int32]*blockState{}

	stream := resp.GetStream()
	defer stream.Close()

	for event := range stream.Events() {
		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			cbIdx := aws.ToInt32(ev.Value.ContentBlockIndex)
			switch s := ev.Value.Start.(type) {
			case *types.ContentBlockStartMemberToolUse:
				bs := &blockState{
					kind: "tool_use",
					id:   aws.ToString(s.Value.ToolUseId),
					name: aws.ToString(s.Value.Name),
				}
				blocks[cbIdx] = bs
				events <- ai.StreamEvent{Type: ai.StreamToolCallStart, CallID: bs.id, ToolName: bs.name}
			default:
				blocks[cbIdx] = &blockState{kind: "text"}
				events <- ai.StreamEvent{Type: ai.StreamTextStart}
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			cbIdx := aws.ToInt32(ev.Value.ContentBlockIndex)
			bs := blocks[cbIdx]
			switch d := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if bs == nil {
					// Bedrock may omit ContentBlockStart for the first text block.
					bs = &blockState{kind: "text"}
					blocks[cbIdx] = bs
					events <- ai.StreamEvent{Type: ai.StreamTextStart}
				}
				events <- ai.StreamEvent{Type: ai.StreamTextDelta, Delta: d.Value}

			case *types.ContentBlockDeltaMemberToolUse:
				if bs == nil {
					continue
				}
				frag := aws.ToString(d.Value.Input)
				bs.args.WriteString(frag)
				events <- ai.StreamEvent{Type: ai.StreamToolCallDelta, CallID: bs.id, Delta: frag}
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			cbIdx := aws.ToInt32(ev.Value.ContentBlockIndex)
			bs := blocks[cbIdx]
			if bs == nil {
				continue
			}
			switch bs.kind {
			case "text":
				events <- ai.StreamEvent{Type: ai.StreamTextDone}
			case "tool_use":
				var args map[string]any
				_ = json.Unmarshal([]byte(bs.args.String()), &args)
				events <- ai.StreamEvent{Type: ai.StreamToolCallDone, CallID: bs.id, ToolName: bs.name, Arguments: args}
			}
			delete(blocks, cbIdx)

		case *types.ConverseStreamOutputMemberMessageStop:
			final.StopReason = mapStopReason(ev.Value.StopReason)

		case *types.ConverseStreamOutputMemberMetadata:
			if ev.Value.Usage != nil {
				u := ev.Value.Usage
				final.Usage.Prompt = int(aws.ToInt32(u.InputTokens))
				final.Usage.Completion = int(aws.ToInt32(u.OutputTokens))
				final.Usage.Total = final.Usage.Prompt + final.Usage.Completion
				usage := final.Usage
				events <- ai.StreamEvent{Type: ai.StreamUsage, Usage: &usage}
			}
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classify(fmt.Errorf("bedrock: stream: %w", err))
	}

	if final.StopReason == "" {
		final.StopReason = ai.StopReasonStop
	}
	u := final.Usage
	events <- ai.StreamEvent{Type: ai.StreamResponseDone, Usage: &u}
	return final, nil
}

// ---------------------------------------------------------------------------
// Client + input building
// ---------------------------------------------------------------------------

func (p *Provider) newClient(ctx context.Context) (*bedrockruntime.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if p.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(p.Region))
	}
	if p.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(p.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

func (p *Provider) buildInput(model string, llmCtx ai.Context, opts ai.StreamOptions) (*bedrockruntime.ConverseStreamInput, error) {
	input := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(model),
	}

	if llmCtx.SystemPrompt != "" {
		input.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: llmCtx.SystemPrompt},
		}
	}

	ic := &types.InferenceConfiguration{}
	if opts.MaxTokens > 0 {
		v := int32(opts.MaxTokens)
		ic.MaxTokens = &v
	}
	if opts.Temperature != nil {
		v := float32(*opts.Temperature)
		ic.Temperature = &v
	}
	input.InferenceConfig = ic

	msgs, err := convertMessages(llmCtx.Messages)
	if err != nil {
		return nil, err
	}
	input.Messages = msgs

	if len(llmCtx.Tools) > 0 {
		toolList := make([]types.Tool, 0, len(llmCtx.Tools))
		for _, t := range llmCtx.Tools {
			var schema map[string]any
			_ = json.Unmarshal(t.Parameters, &schema)
			toolList = append(toolList, &types.ToolMemberToolSpec{
				Value: types.ToolSpecification{
					Name:        aws.String(t.Name),
					Description: aws.String(t.Description),
					InputSchema: &types.ToolInputSchemaMemberJson{
						Value: brdoc.NewLazyDocument(schema),
					},
				},
			})
		}
		input.ToolConfig = &types.ToolConfiguration{
			Tools:      toolList,
			ToolChoice: &types.ToolChoiceMemberAuto{Value: types.AutoToolChoice{}},
		}
	}

	return input, nil
}

// ---------------------------------------------------------------------------
// Message conversion
// ---------------------------------------------------------------------------

func convertMessages(msgs []ai.Message) ([]types.Message, error) {
	var out []types.Message
	for _, m := range msgs {
		switch msg := m.(type) {
		case ai.UserMessage:
			var blocks []types.ContentBlock
			for _, c := range msg.Content {
				switch blk := c.(type) {
				case ai.TextContent:
					blocks = append(blocks, &types.ContentBlockMemberText{Value: blk.Text})
				case ai.ImageContent:
					imgBytes, _ := base64.StdEncoding.DecodeString(blk.Data)
					blocks = append(blocks, &types.ContentBlockMemberImage{
						Value: types.ImageBlock{
							Format: imageFormat(blk.MIMEType),
							Source: &types.ImageSourceMemberBytes{Value: imgBytes},
						},
					})
				}
			}
			out = append(out, types.Message{Role: types.ConversationRoleUser, Content: blocks})

		case ai.AssistantMessage:
			var blocks []types.ContentBlock
			for _, c := range msg.Content {
				switch blk := c.(type) {
				case ai.TextContent:
					if strings.TrimSpace(blk.Text) != "" {
						blocks = append(blocks, &types.ContentBlockMemberText{Value: blk.Text})
					}
				case ai.ToolCall:
					blocks = append(blocks, &types.ContentBlockMemberToolUse{
						Value: types.ToolUseBlock{
							ToolUseId: aws.String(blk.ID),
							Name:      aws.String(blk.Name),
							Input:     brdoc.NewLazyDocument(blk.Arguments),
						},
					})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, types.Message{Role: types.ConversationRoleAssistant, Content: blocks})

		case ai.ToolResultMessage:
			var content []types.ToolResultContentBlock
			for _, c := range msg.Content {
				if blk, ok := c.(ai.TextContent); ok {
					content = append(content, &types.ToolResultContentBlockMemberText{Value: blk.Text})
				}
			}
			status := types.ToolResultStatusSuccess
			if msg.IsError {
				status = types.ToolResultStatusError
			}
			toolResultBlock := &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Status:    status,
					Content:   content,
				},
			}
			// Bedrock requires consecutive tool results in one user message.
			if len(out) > 0 && out[len(out)-1].Role == types.ConversationRoleUser {
				out[len(out)-1].Content = append(out[len(out)-1].Content, toolResultBlock)
			} else {
				out = append(out, types.Message{
					Role:    types.ConversationRoleUser,
					Content: []types.ContentBlock{toolResultBlock},
				})
			}

		default:
			return nil, fmt.Errorf("unsupported message type: %T", m)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// classify maps AWS API errors onto the engine's three buckets.
func classify(err error) error {
	msg := err.Error()
	if ai.IsOverflowMessage(msg) {
		return ai.Overflow(err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailableException",
			"InternalServerException", "ModelTimeoutException":
			return ai.Transient(err)
		case "ValidationException":
			if ai.IsOverflowMessage(apiErr.ErrorMessage()) {
				return ai.Overflow(err)
			}
			return ai.Permanent(err)
		default:
			return ai.Permanent(err)
		}
	}
	// Connection-level failures come through untyped.
	return ai.Transient(err)
}

func mapStopReason(r types.StopReason) ai.StopReason {
	switch r {
	case types.StopReasonEndTurn:
		return ai.StopReasonStop
	case types.StopReasonMaxTokens:
		return ai.StopReasonLength
	case types.StopReasonToolUse:
		return ai.StopReasonTool
	default:
		return ai.StopReasonStop
	}
}

func imageFormat(mimeType string) types.ImageFormat {
	switch mimeType {
	case "image/jpeg":
		return types.ImageFormatJpeg
	case "image/png":
		return types.ImageFormatPng
	case "image/gif":
		return types.ImageFormatGif
	case "image/webp":
		return types.ImageFormatWebp
	default:
		return types.ImageFormatPng
	}
}

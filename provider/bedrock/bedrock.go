// Package bedrock translates AWS Bedrock Converse responses into the raw
// message form the pipeline normalizes. Text, reasoning, and toolUse blocks
// map to typed parts; Converse does not echo the model id, so callers pass
// the one they invoked.
package bedrock

import (
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/turnpipe/turnpipe/provider"
)

// Translate converts one Converse response.
func Translate(out *bedrockruntime.ConverseOutput, modelID string) (provider.Message, error) {
	if out == nil {
		return provider.Message{}, errors.New("bedrock: response is nil")
	}
	msg := provider.Message{
		Role: provider.RoleAssistant,
		Meta: &provider.Meta{
			Model:      modelID,
			StopReason: string(out.StopReason),
		},
	}
	if output, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range output.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				if v.Value == "" {
					continue
				}
				msg.Parts = append(msg.Parts, provider.TextPart{Text: v.Value})
			case *brtypes.ContentBlockMemberReasoningContent:
				rt, ok := v.Value.(*brtypes.ReasoningContentBlockMemberReasoningText)
				if !ok {
					continue
				}
				text := aws.ToString(rt.Value.Text)
				if text == "" {
					continue
				}
				msg.Parts = append(msg.Parts, provider.ThinkingPart{
					Text:      text,
					Signature: aws.ToString(rt.Value.Signature),
				})
			case *brtypes.ContentBlockMemberToolUse:
				msg.Parts = append(msg.Parts, provider.ToolUsePart{
					ID:   aws.ToString(v.Value.ToolUseId),
					Name: aws.ToString(v.Value.Name),
					Args: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	if usage := out.Usage; usage != nil {
		msg.Usage = &provider.Usage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
		}
	}
	return msg, nil
}

// decodeDocument marshals a smithy document back into raw JSON.
func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

// Throttled reports whether err is a Bedrock rate limit rejection, by API
// error code or HTTP 429.
func Throttled(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429
}

package nodes

import (
	"context"
	"errors"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/edvin/autoflow/internal/apperr"
)

func aiGenerate(deps Deps) ExecuteFunc {
	return func(ctx context.Context, in *Input) (*Output, error) {
		if deps.ChatModel == nil {
			return nil, apperr.Configuration("AI generation is not configured")
		}

		maxTokens, _ := number(in.Config, "maxTokens")
		messages := []*schema.Message{
			schema.SystemMessage(str(in.Config, "system")),
			schema.UserMessage(str(in.Config, "prompt")),
		}

		in.Log.Info("generating", map[string]any{"maxTokens": int(maxTokens)})
		resp, err := deps.ChatModel.Generate(ctx, messages, einomodel.WithMaxTokens(int(maxTokens)))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, apperr.Transient(err, "generate text")
		}

		data := map[string]any{"text": resp.Content}
		totalTokens := 0
		if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
			u := resp.ResponseMeta.Usage
			totalTokens = u.TotalTokens
			data["promptTokens"] = u.PromptTokens
			data["completionTokens"] = u.CompletionTokens
			data["totalTokens"] = u.TotalTokens
		}
		credits := creditsForTokens(totalTokens)
		in.Log.Info("generated", map[string]any{"totalTokens": totalTokens, "credits": credits})
		return &Output{Data: data, CreditsUsed: credits}, nil
	}
}

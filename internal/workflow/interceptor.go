package workflow

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"

	autoactivity "github.com/edvin/autoflow/internal/activity"
)

// ErrorTypingInterceptor types every activity error so workflows and the
// Temporal UI see the failure kind. Permanent kinds become non-retryable;
// untyped errors are typed with the activity name.
type ErrorTypingInterceptor struct {
	interceptor.WorkerInterceptorBase
}

func (i *ErrorTypingInterceptor) InterceptActivity(
	ctx context.Context,
	next interceptor.ActivityInboundInterceptor,
) interceptor.ActivityInboundInterceptor {
	t := &activityErrorTyper{}
	t.Next = next
	return t
}

type activityErrorTyper struct {
	interceptor.ActivityInboundInterceptorBase
}

func (t *activityErrorTyper) ExecuteActivity(
	ctx context.Context,
	in *interceptor.ExecuteActivityInput,
) (interface{}, error) {
	result, err := t.Next.ExecuteActivity(ctx, in)
	if err == nil {
		return result, nil
	}

	info := activity.GetInfo(ctx)
	typed := autoactivity.Classify(info.ActivityType.Name, err)

	var appErr *temporal.ApplicationError
	if errors.As(typed, &appErr) && appErr.NonRetryable() {
		activity.GetLogger(ctx).Warn("activity failed permanently",
			"activity", info.ActivityType.Name,
			"type", appErr.Type(),
			"attempt", info.Attempt,
		)
	}
	return result, typed
}

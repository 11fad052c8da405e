package core

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/mock"

	"github.com/edvin/autoflow/internal/db/dbtest"
	"github.com/edvin/autoflow/internal/model"
)

func sqlContaining(fragment string) any {
	return mock.MatchedBy(func(q string) bool { return strings.Contains(q, fragment) })
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func scanExecutionInto(e model.Execution) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = e.ID
		*(dest[1].(*string)) = e.WorkflowID
		*(dest[2].(*string)) = e.UserID
		*(dest[3].(*string)) = e.Status
		*(dest[4].(*string)) = e.TriggerSource
		*(dest[5].(*[]byte)) = mustJSON(e.TriggerPayload)
		*(dest[6].(*[]byte)) = mustJSON(e.Graph)
		*(dest[7].(*bool)) = e.TestMode
		*(dest[8].(*time.Time)) = e.CreatedAt
		*(dest[9].(**time.Time)) = e.StartedAt
		*(dest[10].(**time.Time)) = e.CompletedAt
		*(dest[11].(**int64)) = e.DurationMs
		if e.FinalOutput != nil {
			*(dest[12].(*[]byte)) = mustJSON(e.FinalOutput)
		}
		*(dest[13].(**string)) = e.Error
		if e.Summary != nil {
			*(dest[14].(*[]byte)) = mustJSON(e.Summary)
		}
		*(dest[15].(**time.Time)) = e.CancelRequested
		return nil
	}
}

func executionRow(e model.Execution) *dbtest.Row {
	return &dbtest.Row{ScanFunc: scanExecutionInto(e)}
}

func scanWorkflowInto(w model.Workflow) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = w.ID
		*(dest[1].(*string)) = w.UserID
		*(dest[2].(*string)) = w.Name
		*(dest[3].(*string)) = w.Status
		*(dest[4].(*[]byte)) = mustJSON(w.Graph)
		*(dest[5].(*int)) = w.Version
		*(dest[6].(*time.Time)) = w.CreatedAt
		*(dest[7].(*time.Time)) = w.UpdatedAt
		return nil
	}
}

func workflowRow(w model.Workflow) *dbtest.Row {
	return &dbtest.Row{ScanFunc: scanWorkflowInto(w)}
}

func scanPollingTriggerInto(t model.PollingTrigger) func(dest ...any) error {
	return func(dest ...any) error {
		*(dest[0].(*string)) = t.ID
		*(dest[1].(*string)) = t.WorkflowID
		*(dest[2].(*string)) = t.UserID
		*(dest[3].(*string)) = t.TriggerType
		*(dest[4].(*[]byte)) = mustJSON(t.Config)
		*(dest[5].(**string)) = t.Watermark
		*(dest[6].(*int)) = t.PollIntervalSeconds
		*(dest[7].(*time.Time)) = t.NextPollAt
		*(dest[8].(*bool)) = t.Enabled
		*(dest[9].(**time.Time)) = t.LastPolledAt
		*(dest[10].(**string)) = t.LastError
		*(dest[11].(*time.Time)) = t.CreatedAt
		*(dest[12].(*time.Time)) = t.UpdatedAt
		return nil
	}
}

func boolRow(v bool) *dbtest.Row {
	return &dbtest.Row{ScanFunc: func(dest ...any) error {
		*(dest[0].(*bool)) = v
		return nil
	}}
}

func timeRow(v time.Time) *dbtest.Row {
	return &dbtest.Row{ScanFunc: func(dest ...any) error {
		*(dest[0].(*time.Time)) = v
		return nil
	}}
}

func containsSQL(query, fragment string) bool {
	return strings.Contains(query, fragment)
}

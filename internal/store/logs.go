package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/nulpointcorp/llm-relay/internal/entity"
)

// requestLogColumns is the wire contract for the batch insert.
var requestLogColumns = []string{
	"id", "request_id", "attempt_number",
	"virtual_key_id", "project_id", "deployment_id", "connection_id",
	"input_tokens", "output_tokens", "cost",
	"http_status_code", "error",
	"request_ts", "response_ts",
	"method", "path", "provider",
	"deployment_name", "project_name", "virtual_key_alias",
}

// InsertRequestLogs writes one batch as a single multi-row INSERT.
func (s *Store) InsertRequestLogs(ctx context.Context, logs []entity.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	cols := len(requestLogColumns)
	var sb strings.Builder
	sb.WriteString("INSERT INTO request_logs (")
	sb.WriteString(strings.Join(requestLogColumns, ", "))
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(logs)*cols)
	for i, l := range logs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+j+1)
		}
		sb.WriteByte(')')

		var errText any
		if l.Error != "" {
			errText = l.Error
		}
		args = append(args,
			l.ID, l.RequestID, l.AttemptNumber,
			l.VirtualKeyID, l.ProjectID, l.DeploymentID, l.ConnectionID,
			l.InputTokens, l.OutputTokens, l.Cost,
			l.HTTPStatusCode, errText,
			l.RequestTS, l.ResponseTS,
			l.Method, l.Path, l.Provider,
			l.DeploymentName, l.ProjectName, l.VirtualKeyAlias,
		)
	}

	if _, err := s.pool.Exec(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("store: insert request logs: %w", err)
	}
	return nil
}

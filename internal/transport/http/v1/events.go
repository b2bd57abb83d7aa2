package v1

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/conductor/internal/domain"
	"github.com/xiaot623/conductor/internal/log"
)

const streamBatch = 100

// GetExecutionEvents lists persisted events of an execution.
// GET /v1/executions/:execution_id/events?after_seq=&types=&limit=
func (h *Handler) GetExecutionEvents(c echo.Context) error {
	executionID := c.Param("execution_id")
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}
	afterSeq := int64(0)
	if s := c.QueryParam("after_seq"); s != "" {
		if val, err := strconv.ParseInt(s, 10, 64); err == nil {
			afterSeq = val
		}
	}
	var types []string
	if t := c.QueryParam("types"); t != "" {
		types = strings.Split(t, ",")
	}

	ctx := c.Request().Context()
	if _, err := h.engine.GetExecution(ctx, executionID); err != nil {
		return fail(c, err)
	}
	// One extra row tells whether more are available.
	events, err := h.engine.Events(ctx, executionID, afterSeq, types, limit+1)
	if err != nil {
		return fail(c, err)
	}
	hasMore := len(events) > limit
	if hasMore {
		events = events[:limit]
	}
	if events == nil {
		events = []domain.Event{}
	}
	return c.JSON(http.StatusOK, domain.ListEventsResponse{
		ExecutionID: executionID,
		Events:      events,
		HasMore:     hasMore,
	})
}

// StreamExecutionEvents streams events of an execution via SSE until its
// terminal event has been sent.
// GET /v1/executions/:execution_id/events/stream?after_seq=
func (h *Handler) StreamExecutionEvents(c echo.Context) error {
	ctx := c.Request().Context()
	executionID := c.Param("execution_id")

	if _, err := h.engine.GetExecution(ctx, executionID); err != nil {
		return fail(c, err)
	}

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	lastSeq := int64(0)
	if s := c.QueryParam("after_seq"); s != "" {
		if val, err := strconv.ParseInt(s, 10, 64); err == nil {
			lastSeq = val
		}
	}

	deadline := time.Now().Add(h.streamMax)
	ticker := time.NewTicker(h.streamPoll)
	defer ticker.Stop()

	for {
		events, err := h.engine.Events(ctx, executionID, lastSeq, nil, streamBatch)
		if err != nil {
			log.Errorf("failed to get events of %s: %v", executionID, err)
		}
		for _, event := range events {
			if err := writeSSE(c, event); err != nil {
				return err
			}
			lastSeq = event.Seq
			if event.Type.IsTerminal() {
				return nil
			}
		}
		if len(events) == streamBatch {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if time.Now().After(deadline) {
				log.Infof("event stream of %s exceeded max duration", executionID)
				return nil
			}
		}
	}
}

// writeSSE sends one event as "event: <type>\ndata: <json>\n\n".
func writeSSE(c echo.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	w := c.Response()
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Seq, event.Type, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	types "github.com/yungbote/agentflow/internal/domain"
	"github.com/yungbote/agentflow/internal/platform/apierr"
	"github.com/yungbote/agentflow/internal/platform/logger"
	"github.com/yungbote/agentflow/internal/services"
)

const (
	// streamPollFast is the cursor poll interval while the execution is live.
	streamPollFast = 50 * time.Millisecond
	// streamPollDrain is the slower interval used for the final drain once
	// the execution has gone terminal.
	streamPollDrain = 200 * time.Millisecond
	streamPingEvery = 15 * time.Second
	streamBatchSize = 200
)

type StreamHandler struct {
	log        *logger.Logger
	executions services.ExecutionService
	events     services.EventService
}

func NewStreamHandler(baseLog *logger.Logger, executions services.ExecutionService, events services.EventService) *StreamHandler {
	return &StreamHandler{
		log:        baseLog.With("handler", "StreamHandler"),
		executions: executions,
		events:     events,
	}
}

type streamFrame struct {
	Event string
	Data  any
}

// GET /api/v1/events/stream?execution_id=...|topic=...&since_seq=...
//
// Tails an event log over SSE. Bound to an execution (execution_id, or its
// workflow_run_id alias) the stream ends after the execution reaches a
// terminal status and the log has been drained; a failed execution ends with
// an error frame carrying the stored error message. Bound to a topic the
// stream tails the log until the client disconnects.
func (h *StreamHandler) Stream(c *gin.Context) {
	rawID := c.Query("execution_id")
	if rawID == "" {
		rawID = c.Query("workflow_run_id")
	}
	if rawID == "" {
		if topic := c.Query("topic"); topic != "" {
			h.streamTopic(c, topic)
			return
		}
		RespondError(c, apierr.BadRequest("execution_id or topic is required"))
		return
	}
	executionID, err := uuid.Parse(rawID)
	if err != nil {
		RespondError(c, apierr.BadRequest("invalid execution_id"))
		return
	}
	ctx := c.Request.Context()

	exec, err := h.executions.Get(ctx, executionID)
	if err != nil {
		RespondError(c, err)
		return
	}
	topic := types.ExecutionTopic(exec.WorkflowID, exec.ID)
	cursor := int64(intQuery(c, "since_seq", 0))

	w := c.Writer
	flusher, ok := beginEventStream(c)
	if !ok {
		return
	}

	poll := time.NewTicker(streamPollFast)
	defer poll.Stop()
	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	terminal := types.IsTerminal(exec.Status)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			writeKeepalive(w)
			flusher.Flush()
		case <-poll.C:
			events, err := h.events.GetExecutionEvents(ctx, executionID, topic, cursor, streamBatchSize)
			if err != nil {
				h.log.Warn("stream poll failed", "execution_id", executionID, "error", err)
				continue
			}
			for _, event := range events {
				h.writeFrame(w, eventFrame(event))
				if event.SequenceID > cursor {
					cursor = event.SequenceID
				}
			}
			if len(events) > 0 {
				flusher.Flush()
			}

			if terminal && len(events) == 0 {
				// Log drained past the terminal transition.
				h.writeFrame(w, terminalFrame(exec))
				flusher.Flush()
				return
			}
			if !terminal {
				exec, err = h.executions.Get(ctx, executionID)
				if err != nil {
					h.log.Warn("stream status check failed", "execution_id", executionID, "error", err)
					continue
				}
				if types.IsTerminal(exec.Status) {
					terminal = true
					poll.Reset(streamPollDrain)
				}
			}
		}
	}
}

// streamTopic tails one topic's log with no terminal condition; the client
// hanging up is the only exit.
func (h *StreamHandler) streamTopic(c *gin.Context, topic string) {
	ctx := c.Request.Context()
	cursor := int64(intQuery(c, "since_seq", 0))

	w := c.Writer
	flusher, ok := beginEventStream(c)
	if !ok {
		return
	}

	poll := time.NewTicker(streamPollFast)
	defer poll.Stop()
	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			writeKeepalive(w)
			flusher.Flush()
		case <-poll.C:
			events, err := h.events.GetEvents(ctx, services.EventQuery{
				Topic:    topic,
				SinceSeq: cursor,
				Limit:    streamBatchSize,
			})
			if err != nil {
				h.log.Warn("topic stream poll failed", "topic", topic, "error", err)
				continue
			}
			for _, event := range events {
				h.writeFrame(w, eventFrame(event))
				if event.SequenceID > cursor {
					cursor = event.SequenceID
				}
			}
			if len(events) > 0 {
				flusher.Flush()
			}
		}
	}
}

// beginEventStream sets the SSE headers and commits the response. A false
// return means the connection cannot stream and an error was sent.
func beginEventStream(c *gin.Context) (http.Flusher, bool) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		RespondError(c, apierr.Internal(fmt.Errorf("streaming unsupported")))
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return flusher, true
}

func writeKeepalive(w http.ResponseWriter) {
	fmt.Fprint(w, "data: keepalive\n\n")
}

func (h *StreamHandler) writeFrame(w http.ResponseWriter, frame streamFrame) {
	raw, err := json.Marshal(frame.Data)
	if err != nil {
		h.log.Warn("marshal stream frame failed", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Event, raw)
}

func eventFrame(event *types.Event) streamFrame {
	name := "message"
	if event.EventType != nil && *event.EventType != "" {
		name = *event.EventType
	}
	return streamFrame{Event: name, Data: event}
}

func terminalFrame(exec *types.Execution) streamFrame {
	if exec.Status == types.ExecutionFailed {
		return streamFrame{Event: "error", Data: gin.H{
			"execution_id": exec.ID,
			"status":       exec.Status,
			"error":        exec.Error,
		}}
	}
	return streamFrame{Event: "done", Data: gin.H{
		"execution_id": exec.ID,
		"status":       exec.Status,
		"result":       exec.Result,
	}}
}

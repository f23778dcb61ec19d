package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lumenlabs/brains"
)

type brainSummary struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Server) listBrains(c *gin.Context) {
	var out []brainSummary
	for _, b := range s.rt.Brains() {
		out = append(out, brainSummary{Name: b.Title, Title: b.Title, Description: b.Description})
	}
	if out == nil {
		out = []brainSummary{}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) runHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := s.rt.History(c.Request.Context(), c.Param("title"), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if runs == nil {
		runs = []brains.Run{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) startRun(c *gin.Context) {
	var body struct {
		BrainTitle string       `json:"brainTitle"`
		Options    brains.State `json:"options"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	if body.BrainTitle == "" {
		s.badRequest(c, fmt.Errorf("brainTitle is required"))
		return
	}
	run, err := s.rt.StartRun(c.Request.Context(), body.BrainTitle, body.Options)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"brainRunId": run.ID})
}

// watchRun streams a run's events as SSE: the full log first, then live
// events in log order. Subscribing before the replay means nothing falls
// in the gap; replayed sequence numbers dedupe the overlap.
func (s *Server) watchRun(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("id")
	if _, err := s.rt.GetRun(ctx, runID); err != nil {
		s.fail(c, err)
		return
	}

	live, cancel := s.rt.Subscribe(runID)
	defer cancel()

	events, err := s.rt.Events(ctx, runID)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	flusher, _ := c.Writer.(http.Flusher)

	var lastSeq int64
	for _, e := range events {
		if !writeSSE(c.Writer, e) {
			return
		}
		lastSeq = e.Seq
	}
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-live:
			if !ok {
				return
			}
			// Heartbeats carry no sequence number; always forward them.
			if e.Seq != 0 && e.Seq <= lastSeq {
				continue
			}
			if !writeSSE(c.Writer, e) {
				return
			}
			if e.Seq != 0 {
				lastSeq = e.Seq
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func writeSSE(w io.Writer, e brains.Event) bool {
	data, err := json.Marshal(e)
	if err != nil {
		return false
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err == nil
}

func (s *Server) signalRun(c *gin.Context) {
	runID := c.Param("id")
	var raw map[string]json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		s.badRequest(c, err)
		return
	}
	var sigType string
	if err := json.Unmarshal(raw["type"], &sigType); err != nil || sigType == "" {
		s.badRequest(c, fmt.Errorf("signal type is required"))
		return
	}
	delete(raw, "type")
	payload, _ := json.Marshal(raw)

	sig := brains.Signal{
		Type:     brains.SignalType(sigType),
		QueuedAt: time.Now(),
		Payload:  payload,
	}
	if err := s.rt.Signal(c.Request.Context(), runID, sig); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"signal":  gin.H{"type": sig.Type, "queuedAt": sig.QueuedAt.UTC().Format(time.RFC3339)},
	})
}

func (s *Server) resumeRun(c *gin.Context) {
	if err := s.rt.Resume(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "action": "resumed"})
}

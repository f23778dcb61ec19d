package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lumenlabs/brains"
)

func (s *Server) listWebhooks(c *gin.Context) {
	slugs := s.rt.Webhooks()
	if slugs == nil {
		slugs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"slugs": slugs})
}

// postWebhookBody accepts {slug, payload} for callers that cannot put the
// slug in the path.
func (s *Server) postWebhookBody(c *gin.Context) {
	var body struct {
		Slug    string          `json:"slug"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	if body.Slug == "" {
		s.badRequest(c, fmt.Errorf("slug is required"))
		return
	}
	s.routeWebhook(c, body.Slug, body.Payload)
}

func (s *Server) postWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	s.routeWebhook(c, c.Param("slug"), payload)
}

func (s *Server) routeWebhook(c *gin.Context, slug string, payload json.RawMessage) {
	result, err := s.rt.HandleWebhook(c.Request.Context(), slug, payload, c.Request.URL.Query())
	if err != nil {
		s.fail(c, err)
		return
	}
	if result.Challenge != "" {
		c.String(http.StatusOK, result.Challenge)
		return
	}
	status := http.StatusOK
	if result.Action == "started" {
		status = http.StatusAccepted
	}
	c.JSON(status, result)
}

// uiFormSubmit delivers a page form submission to the waiting run keyed by
// the identifier query parameter. Form fields become a JSON object; a
// trailing "[]" on a field name collects repeated values into an array.
func (s *Server) uiFormSubmit(c *gin.Context) {
	identifier := c.Query("identifier")
	if identifier == "" {
		s.badRequest(c, fmt.Errorf("identifier is required"))
		return
	}
	if err := c.Request.ParseForm(); err != nil {
		s.badRequest(c, err)
		return
	}

	fields := make(map[string]any)
	for key, values := range c.Request.PostForm {
		if name, ok := strings.CutSuffix(key, "[]"); ok {
			arr := make([]any, len(values))
			for i, v := range values {
				arr[i] = v
			}
			fields[name] = arr
			continue
		}
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	result, err := s.rt.DeliverToSlug(c.Request.Context(), brains.UIFormSlug, identifier, payload)
	if err != nil {
		s.fail(c, err)
		return
	}
	if result.Action == "no-match" {
		c.JSON(http.StatusNotFound, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

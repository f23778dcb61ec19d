package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/yuin/goldmark"

	"github.com/lumenlabs/brains"
)

// markdown renders page bodies. GFM extensions are deliberately off; page
// bodies are plain CommonMark.
var markdown = goldmark.New()

type pageSummary struct {
	Slug      string `json:"slug"`
	Title     string `json:"title,omitempty"`
	HasForm   bool   `json:"hasForm"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (s *Server) listPages(c *gin.Context) {
	pages, err := s.store.ListPages(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]pageSummary, 0, len(pages))
	for _, p := range pages {
		out = append(out, pageSummary{
			Slug:      p.Slug,
			Title:     p.Title,
			HasForm:   len(p.FormSchema) > 0,
			CreatedAt: p.CreatedAt,
			UpdatedAt: p.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createPage(c *gin.Context) {
	var p brains.Page
	if err := c.ShouldBindJSON(&p); err != nil {
		s.badRequest(c, err)
		return
	}
	if p.Slug == "" {
		s.badRequest(c, fmt.Errorf("slug is required"))
		return
	}
	if err := validateFormSchema(p.FormSchema); err != nil {
		s.badRequest(c, err)
		return
	}
	now := brains.NowUnix()
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.store.PutPage(c.Request.Context(), p); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) updatePage(c *gin.Context) {
	existing, err := s.store.GetPage(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	var p brains.Page
	if err := c.ShouldBindJSON(&p); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := validateFormSchema(p.FormSchema); err != nil {
		s.badRequest(c, err)
		return
	}
	p.Slug = existing.Slug
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = brains.NowUnix()
	if err := s.store.PutPage(c.Request.Context(), p); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) deletePage(c *gin.Context) {
	slug := c.Param("slug")
	if _, err := s.store.GetPage(c.Request.Context(), slug); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.DeletePage(c.Request.Context(), slug); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) pageMeta(c *gin.Context) {
	p, err := s.store.GetPage(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// renderPage serves the page as HTML: the markdown body first, then the
// form when a schema is declared. The form posts to the ui-form webhook
// with the identifier query parameter passed through, so a waiting run
// keyed by that identifier receives the submission.
func (s *Server) renderPage(c *gin.Context) {
	p, err := s.store.GetPage(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}

	var body bytes.Buffer
	if err := markdown.Convert([]byte(p.Body), &body); err != nil {
		s.fail(c, err)
		return
	}

	var page bytes.Buffer
	title := p.Title
	if title == "" {
		title = p.Slug
	}
	fmt.Fprintf(&page, "<!DOCTYPE html>\n<html>\n<head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n", html.EscapeString(title))
	page.Write(body.Bytes())
	if len(p.FormSchema) > 0 {
		if err := renderForm(&page, p.FormSchema, c.Query("identifier")); err != nil {
			s.fail(c, err)
			return
		}
	}
	page.WriteString("</body>\n</html>\n")

	c.Data(http.StatusOK, "text/html; charset=utf-8", page.Bytes())
}

// formSchema declares the fields a page's form collects.
type formSchema struct {
	Submit string      `json:"submit,omitempty"`
	Fields []formField `json:"fields"`
}

type formField struct {
	Name     string   `json:"name"`
	Label    string   `json:"label,omitempty"`
	Type     string   `json:"type,omitempty"` // text, textarea, number, checkbox, select
	Required bool     `json:"required,omitempty"`
	Multiple bool     `json:"multiple,omitempty"`
	Options  []string `json:"options,omitempty"`
}

func validateFormSchema(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var fs formSchema
	if err := json.Unmarshal(raw, &fs); err != nil {
		return fmt.Errorf("invalid form schema: %w", err)
	}
	for _, f := range fs.Fields {
		if f.Name == "" {
			return fmt.Errorf("form field missing name")
		}
	}
	return nil
}

func renderForm(w *bytes.Buffer, raw json.RawMessage, identifier string) error {
	var fs formSchema
	if err := json.Unmarshal(raw, &fs); err != nil {
		return fmt.Errorf("invalid form schema: %w", err)
	}

	action := "/webhooks/system/ui-form"
	if identifier != "" {
		action += "?identifier=" + url.QueryEscape(identifier)
	}
	fmt.Fprintf(w, "<form method=\"post\" action=\"%s\">\n", html.EscapeString(action))
	for _, f := range fs.Fields {
		name := f.Name
		if f.Multiple {
			name += "[]"
		}
		label := f.Label
		if label == "" {
			label = f.Name
		}
		fmt.Fprintf(w, "<label>%s", html.EscapeString(label))
		required := ""
		if f.Required {
			required = " required"
		}
		switch f.Type {
		case "textarea":
			fmt.Fprintf(w, "<textarea name=%q%s></textarea>", name, required)
		case "checkbox":
			fmt.Fprintf(w, "<input type=\"checkbox\" name=%q value=\"true\">", name)
		case "select":
			fmt.Fprintf(w, "<select name=%q%s>", name, required)
			for _, opt := range f.Options {
				fmt.Fprintf(w, "<option value=%q>%s</option>", opt, html.EscapeString(opt))
			}
			w.WriteString("</select>")
		case "number":
			fmt.Fprintf(w, "<input type=\"number\" name=%q%s>", name, required)
		default:
			fmt.Fprintf(w, "<input type=\"text\" name=%q%s>", name, required)
		}
		w.WriteString("</label><br>\n")
	}
	submit := fs.Submit
	if submit == "" {
		submit = "Submit"
	}
	fmt.Fprintf(w, "<button type=\"submit\">%s</button>\n</form>\n", html.EscapeString(submit))
	return nil
}

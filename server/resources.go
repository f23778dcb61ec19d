package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lumenlabs/brains"
)

// presignPrefix namespaces presigned-link tokens in the config table.
const presignPrefix = "presign:"

// defaultPresignTTL applies when a presigned-link request has no expiry.
const defaultPresignTTL = time.Hour

func (s *Server) listResources(c *gin.Context) {
	resources, err := s.store.ListResources(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if resources == nil {
		resources = []brains.Resource{}
	}
	c.JSON(http.StatusOK, resources)
}

// putResource stores the raw request body under the key query parameter.
// Content type comes from the request header; overwriting is permitted.
func (s *Server) putResource(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		s.badRequest(c, fmt.Errorf("key is required"))
		return
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	res := brains.Resource{
		Key:         key,
		ContentType: c.ContentType(),
		Size:        int64(len(data)),
		Data:        data,
		UpdatedAt:   brains.NowUnix(),
	}
	if err := s.store.PutResource(c.Request.Context(), res); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key, "size": res.Size})
}

func (s *Server) getResource(c *gin.Context) {
	res, err := s.store.GetResource(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	ct := res.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Data(http.StatusOK, ct, res.Data)
}

func (s *Server) deleteResource(c *gin.Context) {
	key := c.Param("key")
	if _, err := s.store.GetResource(c.Request.Context(), key); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.DeleteResource(c.Request.Context(), key); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// createPresignedLink issues a token granting temporary unauthenticated
// access to one resource.
func (s *Server) createPresignedLink(c *gin.Context) {
	var body struct {
		Key              string `json:"key"`
		ExpiresInSeconds int    `json:"expiresInSeconds"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	if _, err := s.store.GetResource(c.Request.Context(), body.Key); err != nil {
		s.fail(c, err)
		return
	}

	ttl := defaultPresignTTL
	if body.ExpiresInSeconds > 0 {
		ttl = time.Duration(body.ExpiresInSeconds) * time.Second
	}
	link := brains.PresignedLink{
		Token:     brains.NewID(),
		Key:       body.Key,
		ExpiresAt: time.Now().Add(ttl).Unix(),
	}
	encoded, err := json.Marshal(link)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.SetConfig(c.Request.Context(), presignPrefix+link.Token, string(encoded)); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":     link.Token,
		"url":       fmt.Sprintf("%s/resources/presigned/%s", s.baseURL, link.Token),
		"expiresAt": link.ExpiresAt,
	})
}

func (s *Server) servePresigned(c *gin.Context) {
	token := c.Param("token")
	encoded, err := s.store.GetConfig(c.Request.Context(), presignPrefix+token)
	if err != nil {
		s.fail(c, err)
		return
	}
	var link brains.PresignedLink
	if encoded == "" || json.Unmarshal([]byte(encoded), &link) != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown link"})
		return
	}
	if time.Now().Unix() > link.ExpiresAt {
		c.JSON(http.StatusNotFound, gin.H{"error": "link expired"})
		return
	}
	res, err := s.store.GetResource(c.Request.Context(), link.Key)
	if err != nil {
		s.fail(c, err)
		return
	}
	ct := res.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	c.Data(http.StatusOK, ct, res.Data)
}

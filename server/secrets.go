package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lumenlabs/brains"
)

// listSecrets returns secret names only. The root public key is filtered
// out: it is managed at deploy time, not over HTTP.
func (s *Server) listSecrets(c *gin.Context) {
	names, err := s.store.ListSecretNames(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == brains.RootPublicKeyName {
			continue
		}
		out = append(out, n)
	}
	c.JSON(http.StatusOK, gin.H{"secrets": out})
}

func (s *Server) putSecret(c *gin.Context) {
	var body struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	if body.Name == "" {
		s.badRequest(c, fmt.Errorf("name is required"))
		return
	}
	if body.Name == brains.RootPublicKeyName {
		c.JSON(http.StatusForbidden, gin.H{"error": "root public key is not writable over HTTP"})
		return
	}
	if err := s.store.PutSecret(c.Request.Context(), body.Name, body.Value); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": body.Name})
}

// putSecretsBulk upserts a batch of secrets in one request. Any entry
// naming the root public key rejects the whole batch.
func (s *Server) putSecretsBulk(c *gin.Context) {
	var body struct {
		Secrets map[string]string `json:"secrets"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	if len(body.Secrets) == 0 {
		s.badRequest(c, fmt.Errorf("secrets must not be empty"))
		return
	}
	for name := range body.Secrets {
		if name == "" {
			s.badRequest(c, fmt.Errorf("secret name must not be empty"))
			return
		}
		if name == brains.RootPublicKeyName {
			c.JSON(http.StatusForbidden, gin.H{"error": "root public key is not writable over HTTP"})
			return
		}
	}
	for name, value := range body.Secrets {
		if err := s.store.PutSecret(c.Request.Context(), name, value); err != nil {
			s.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"count": len(body.Secrets)})
}

func (s *Server) deleteSecret(c *gin.Context) {
	name := c.Param("name")
	if name == brains.RootPublicKeyName {
		c.JSON(http.StatusForbidden, gin.H{"error": "root public key is not deletable over HTTP"})
		return
	}
	if _, err := s.store.GetSecret(c.Request.Context(), name); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.store.DeleteSecret(c.Request.Context(), name); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lumenlabs/brains"
)

func (s *Server) listUsers(c *gin.Context) {
	users, err := s.store.ListUsers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if users == nil {
		users = []brains.User{}
	}
	c.JSON(http.StatusOK, users)
}

func (s *Server) createUser(c *gin.Context) {
	var body struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	if body.Name == "" {
		s.badRequest(c, fmt.Errorf("name is required"))
		return
	}
	u := brains.User{
		ID:        brains.NewID(),
		Name:      body.Name,
		CreatedAt: brains.NowUnix(),
	}
	if err := s.store.CreateUser(c.Request.Context(), u); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func (s *Server) deleteUser(c *gin.Context) {
	if err := s.store.DeleteUser(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) listUserKeys(c *gin.Context) {
	keys, err := s.store.ListUserKeys(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if keys == nil {
		keys = []brains.UserKey{}
	}
	c.JSON(http.StatusOK, keys)
}

func (s *Server) addUserKey(c *gin.Context) {
	var body struct {
		PublicKey string `json:"publicKey"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	key := strings.TrimSpace(body.PublicKey)
	if key == "" {
		s.badRequest(c, fmt.Errorf("publicKey is required"))
		return
	}
	k := brains.UserKey{
		UserID:      c.Param("id"),
		Fingerprint: keyFingerprint(key),
		PublicKey:   key,
		CreatedAt:   brains.NowUnix(),
	}
	if err := s.store.AddUserKey(c.Request.Context(), k); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, k)
}

func (s *Server) deleteUserKey(c *gin.Context) {
	if err := s.store.DeleteUserKey(c.Request.Context(), c.Param("id"), c.Param("fingerprint")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func keyFingerprint(publicKey string) string {
	sum := sha256.Sum256([]byte(publicKey))
	return hex.EncodeToString(sum[:])
}

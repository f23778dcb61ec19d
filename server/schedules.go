package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lumenlabs/brains"
)

func (s *Server) requireScheduler(c *gin.Context) bool {
	if s.sched == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scheduler disabled"})
		return false
	}
	return true
}

func (s *Server) createSchedule(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}
	var body struct {
		Identifier     string `json:"identifier"`
		CronExpression string `json:"cronExpression"`
		Timezone       string `json:"timezone"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	if body.Identifier == "" || body.CronExpression == "" {
		s.badRequest(c, fmt.Errorf("identifier and cronExpression are required"))
		return
	}
	sched, err := s.sched.CreateSchedule(c.Request.Context(), body.Identifier, body.CronExpression, body.Timezone)
	if err != nil {
		var nf *brains.NotFoundError
		if errors.As(err, &nf) {
			s.fail(c, err)
			return
		}
		s.badRequest(c, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

func (s *Server) listSchedules(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}
	schedules, err := s.sched.ListSchedules(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if schedules == nil {
		schedules = []brains.Schedule{}
	}
	c.JSON(http.StatusOK, schedules)
}

func (s *Server) getSchedule(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}
	sched, err := s.sched.GetSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}
	if err := s.sched.DeleteSchedule(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) listScheduledRuns(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := s.sched.ListScheduledRuns(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if runs == nil {
		runs = []brains.ScheduledRun{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) getTimezone(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}
	tz, err := s.sched.Timezone(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if tz == "" {
		tz = "UTC"
	}
	c.JSON(http.StatusOK, gin.H{"timezone": tz})
}

func (s *Server) setTimezone(c *gin.Context) {
	if !s.requireScheduler(c) {
		return
	}
	var body struct {
		Timezone string `json:"timezone"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.sched.SetTimezone(c.Request.Context(), body.Timezone); err != nil {
		s.badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timezone": body.Timezone})
}

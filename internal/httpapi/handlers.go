package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hyperengineering/sentio"
)

// GET /health
func (s *Server) health(c *gin.Context) {
	h := s.client.HealthCheck(c.Request.Context())
	status := http.StatusOK
	if !h.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

// GET /api/v1/records/pending?modality=vision
func (s *Server) pending(c *gin.Context) {
	var m sentio.Modality
	if q := c.Query("modality"); q != "" {
		parsed, err := sentio.ParseModality(q)
		if err != nil {
			s.fail(c, "list pending", err)
			return
		}
		m = parsed
	}

	records, refs, err := s.client.Pending(c.Request.Context(), m)
	if err != nil {
		s.fail(c, "list pending", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"refs":    refs,
		"count":   len(records),
	})
}

// POST /api/v1/records
func (s *Server) ingest(c *gin.Context) {
	var params sentio.IngestParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	r, err := s.client.Ingest(c.Request.Context(), params)
	if err != nil {
		s.fail(c, "ingest", err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

// GET /api/v1/records/:id
func (s *Server) getRecord(c *gin.Context) {
	r, err := s.client.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, "get record", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type validateRequest struct {
	Label   string `json:"label"`
	Confirm bool   `json:"confirm"`
	Reject  bool   `json:"reject"`
}

// POST /api/v1/records/:id/validate
//
// Exactly one of label, confirm or reject must be given.
func (s *Server) validate(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	n := 0
	for _, set := range []bool{req.Label != "", req.Confirm, req.Reject} {
		if set {
			n++
		}
	}
	if n != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "exactly one of label, confirm or reject is required"})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")

	var (
		res *sentio.ValidationResult
		err error
	)
	switch {
	case req.Confirm:
		res, err = s.client.Confirm(ctx, id)
	case req.Reject:
		res, err = s.client.Reject(ctx, id)
	default:
		res, err = s.client.Validate(ctx, id, req.Label)
	}
	if err != nil {
		s.fail(c, "validate", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /api/v1/stats
func (s *Server) stats(c *gin.Context) {
	st, err := s.client.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, "stats", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GET /api/v1/thresholds
func (s *Server) thresholds(c *gin.Context) {
	all, err := s.client.Thresholds(c.Request.Context())
	if err != nil {
		s.fail(c, "list thresholds", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thresholds": all})
}

func (s *Server) modality(c *gin.Context) (sentio.Modality, bool) {
	m, err := sentio.ParseModality(c.Param("modality"))
	if err != nil {
		s.fail(c, "parse modality", err)
		return "", false
	}
	return m, true
}

// GET /api/v1/thresholds/:modality
func (s *Server) thresholdStatus(c *gin.Context) {
	m, ok := s.modality(c)
	if !ok {
		return
	}
	st, err := s.client.ThresholdStatus(c.Request.Context(), m)
	if err != nil {
		s.fail(c, "threshold status", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// POST /api/v1/thresholds/:modality/apply
func (s *Server) apply(c *gin.Context) {
	m, ok := s.modality(c)
	if !ok {
		return
	}
	cfg, err := s.client.ApplySuggested(c.Request.Context(), m)
	if err != nil {
		s.fail(c, "apply", err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// POST /api/v1/thresholds/:modality/reset
func (s *Server) reset(c *gin.Context) {
	m, ok := s.modality(c)
	if !ok {
		return
	}
	if err := s.client.ResetWindow(c.Request.Context(), m); err != nil {
		s.fail(c, "reset", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"modality": m, "reset": true})
}

// GET /api/v1/thresholds/:modality/summary
func (s *Server) summary(c *gin.Context) {
	m, ok := s.modality(c)
	if !ok {
		return
	}
	report, err := s.client.Summary(c.Request.Context(), m)
	if err != nil {
		s.fail(c, "summary", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// GET /api/v1/thresholds/:modality/visualization
func (s *Server) visualization(c *gin.Context) {
	m, ok := s.modality(c)
	if !ok {
		return
	}
	v, err := s.client.Visualization(c.Request.Context(), m)
	if err != nil {
		s.fail(c, "visualization", err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// GET /api/v1/references/stats
func (s *Server) referenceStats(c *gin.Context) {
	st, err := s.client.ReferenceStats(c.Request.Context())
	if err != nil {
		s.fail(c, "reference stats", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// POST /api/v1/references/match
func (s *Server) referenceMatch(c *gin.Context) {
	var req struct {
		Features map[string]any `json:"features" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	match, err := s.client.MatchReference(c.Request.Context(), req.Features)
	if err != nil {
		s.fail(c, "reference match", err)
		return
	}
	c.JSON(http.StatusOK, match)
}

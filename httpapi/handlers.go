package httpapi

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"flux_backend/core"
	"flux_backend/db"
	"flux_backend/predictor"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var errHistoryDisabled = errors.New("prediction history is disabled")

// predictionBody is the cog request envelope.
type predictionBody struct {
	ID    string            `json:"id"`
	Input predictor.Request `json:"input"`
}

type predictionMetrics struct {
	Seed        int64   `json:"seed"`
	PredictTime float64 `json:"predict_time"`
}

type predictionResponse struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Output      []string          `json:"output"`
	Originals   []string          `json:"originals,omitempty"`
	Rejected    int               `json:"rejected"`
	Metrics     predictionMetrics `json:"metrics"`
	CompletedAt time.Time         `json:"completed_at"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	QueueDepth int    `json:"queue_depth"`
	Busy       bool   `json:"busy"`
	Summary    any    `json:"summary,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{
		Status:     "READY",
		Version:    core.Version,
		QueueDepth: s.predictor.QueueDepth(),
		Busy:       s.predictor.Busy(),
	}
	if s.metrics != nil {
		resp.Summary = s.metrics.Store().Summary()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePredict(c *gin.Context) {
	if s.config.MaxBodyBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodyBytes)
	}
	body := predictionBody{Input: predictor.DefaultRequest()}
	if err := c.ShouldBindJSON(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, failureBody{
				Status:    "failed",
				Error:     fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
				ErrorKind: core.KindInvalidParameter,
			})
			return
		}
		abortWithError(c, body.ID, bindError(body.Input, err))
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	} else if err := predictor.ValidateID(body.ID); err != nil {
		abortWithError(c, "", err)
		return
	}

	res, err := s.predictor.Predict(c.Request.Context(), body.ID, body.Input)
	if err != nil {
		abortWithError(c, body.ID, err)
		return
	}

	c.JSON(http.StatusOK, predictionResponse{
		ID:        res.ID,
		Status:    "succeeded",
		Output:    res.Outputs,
		Originals: res.Originals,
		Rejected:  res.Rejected,
		Metrics: predictionMetrics{
			Seed:        res.Seed,
			PredictTime: res.PredictTime.Seconds(),
		},
		CompletedAt: time.Now().UTC(),
	})
}

// bindError turns a gin binding failure into an InvalidParameter error,
// re-describing validator failures with the request's JSON field names.
func bindError(input predictor.Request, err error) error {
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: missing request body", core.ErrInvalidParameter)
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		if verr := input.Validate(); verr != nil {
			return verr
		}
	}
	return fmt.Errorf("%w: %v", core.ErrInvalidParameter, err)
}

func (s *Server) handleGet(c *gin.Context) {
	id := c.Param("id")
	if s.history == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, failureBody{
			ID: id, Status: "failed", Error: errHistoryDisabled.Error(), ErrorKind: core.KindInternal,
		})
		return
	}

	rec, err := s.history.GetPrediction(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, id, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleList(c *gin.Context) {
	if s.history == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, failureBody{
			Status: "failed", Error: errHistoryDisabled.Error(), ErrorKind: core.KindInternal,
		})
		return
	}

	limit := db.DefaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithError(c, "", fmt.Errorf("%w: limit must be a positive integer", core.ErrInvalidParameter))
			return
		}
		limit = n
	}

	records, err := s.history.ListPredictions(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"predictions": records, "count": len(records)})
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/escalation-service/internal/errs"
	"github.com/stretchr/testify/assert"
)

func TestWriteErrorStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		err  error
		want int
	}{
		{errs.InvalidArgument("bad"), http.StatusBadRequest},
		{errs.ErrTicketNotFound, http.StatusNotFound},
		{&errs.TransitionError{TicketID: "t", From: "resolved", To: "assigned"}, http.StatusConflict},
		{fmt.Errorf("%w: bia", errs.ErrStaleTargetAgent), http.StatusConflict},
		{errs.ErrRatingExists, http.StatusConflict},
		{errs.ErrRatingNotFound, http.StatusNotFound},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		writeError(c, tt.err)
		assert.Equal(t, tt.want, w.Code, tt.err.Error())
	}
}

func TestInternalErrorHidesDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	writeError(c, errors.New("pq: password authentication failed"))
	assert.NotContains(t, w.Body.String(), "password")
}

type pingerFunc func() error

func (f pingerFunc) PingContext(_ context.Context) error { return f() }

func TestReady(t *testing.T) {
	w := httptest.NewRecorder()
	Ready(pingerFunc(func() error { return nil }))(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	Ready(pingerFunc(func() error { return errors.New("down") }))(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

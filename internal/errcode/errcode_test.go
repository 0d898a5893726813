package errcode

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"creditsystem/internal/service"
	"creditsystem/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: title", service.ErrValidation), http.StatusBadRequest},
		{service.ErrInvalidWebhookSignature, http.StatusBadRequest},
		{service.ErrPlanNotFound, http.StatusBadRequest},
		{service.ErrUnauthenticated, http.StatusUnauthorized},
		{service.ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("load: %w", service.ErrAccountNotFound), http.StatusNotFound},
		{service.ErrPaymentNotFound, http.StatusNotFound},
		{service.ErrNoAllocationRemaining, http.StatusPaymentRequired},
		{service.ErrInsufficientCredits, http.StatusPaymentRequired},
		{service.ErrBusy, http.StatusTooManyRequests},
		{service.ErrUpstreamUnavailable, http.StatusServiceUnavailable},
		{service.ErrPaymentTerminal, http.StatusConflict},
		{fmt.Errorf("%w: cs_1", service.ErrPaymentAccountMismatch), http.StatusConflict},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		status, _ := StatusOf(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}

func failWith(t *testing.T, err error) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	Fail(c, err)

	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestFail_HidesInternalErrors(t *testing.T) {
	w, body := failWith(t, errors.New("dial tcp 10.0.0.5:3306: connection refused"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, response.CodeServerError, body.Code)
	assert.NotContains(t, body.Message, "10.0.0.5")
}

func TestFail_UserActionableMessage(t *testing.T) {
	w, body := failWith(t, fmt.Errorf("spend: %w", service.ErrInsufficientCredits))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, CodeInsufficientCredits, body.Code)
	assert.Equal(t, service.ErrInsufficientCredits.Error(), body.Message)
}

func TestFail_ValidationKeepsDetail(t *testing.T) {
	w, body := failWith(t, fmt.Errorf("%w: title 不能为空", service.ErrValidation))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, body.Message, "title 不能为空")
}

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeVerifier map[string]string

func (f fakeVerifier) VerifyDeviceToken(_ context.Context, token string) (*mqtmodels.Device, error) {
	id, ok := f[token]
	if !ok {
		return nil, errors.New("bad signature")
	}
	return &mqtmodels.Device{ExternalDeviceID: id, MallID: "mall-1"}, nil
}

func newRouter(secret string, verifier DeviceTokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/devices/:device_id", ServiceAuthMiddleware(secret, verifier), func(c *gin.Context) {
		_, service := c.Get(ServiceAuthKey)
		d, _ := c.Get(AuthDeviceKey)
		device, _ := d.(*mqtmodels.Device)
		id := ""
		if device != nil {
			id = device.ExternalDeviceID
		}
		c.JSON(http.StatusOK, gin.H{"service": service, "device": id})
	})
	return r
}

func call(r http.Handler, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestServiceAuth(t *testing.T) {
	r := newRouter("s3cret", fakeVerifier{"device-token": "sensor-42"})

	tests := []struct {
		name   string
		path   string
		auth   string
		status int
		body   string
	}{
		{"missing header", "/devices/sensor-42", "", http.StatusUnauthorized, "Missing Authorization"},
		{"basic scheme", "/devices/sensor-42", "Basic abc", http.StatusUnauthorized, "Invalid authorization format"},
		{"empty bearer", "/devices/sensor-42", "Bearer ", http.StatusUnauthorized, "Empty token"},
		{"shared secret", "/devices/sensor-42", "Bearer s3cret", http.StatusOK, `"service":true`},
		{"device token", "/devices/sensor-42", "Bearer device-token", http.StatusOK, `"device":"sensor-42"`},
		{"device token for another device", "/devices/sensor-43", "Bearer device-token", http.StatusForbidden, "does not belong"},
		{"garbage", "/devices/sensor-42", "Bearer nope", http.StatusUnauthorized, "Invalid service token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := call(r, tt.path, tt.auth)
			assert.Equal(t, tt.status, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}

func TestServiceAuthWithoutSecret(t *testing.T) {
	w := call(newRouter("", nil), "/devices/sensor-42", "Bearer anything")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	// device tokens still work when only the verifier is configured
	w = call(newRouter("", fakeVerifier{"t": "sensor-42"}), "/devices/sensor-42", "Bearer t")
	assert.Equal(t, http.StatusOK, w.Code)
}

package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
	"github.com/gin-gonic/gin"
)

// Context keys set by ServiceAuthMiddleware
const (
	ServiceAuthKey   = "service_auth"
	AuthDeviceKey    = "auth_device"
	DeviceIDParamKey = "device_id"
)

// DeviceTokenVerifier checks a device-signed JWT and returns the device it was signed for
type DeviceTokenVerifier interface {
	VerifyDeviceToken(ctx context.Context, token string) (*mqtmodels.Device, error)
}

// ServiceAuthMiddleware validates service-to-service authentication. The
// bearer token is either the shared internal secret or, when devices is not
// nil, a token signed by the device named in the :device_id route param.
func ServiceAuthMiddleware(secret string, devices DeviceTokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, "Missing Authorization header")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			abort(c, http.StatusUnauthorized, "Invalid authorization format. Expected 'Bearer <token>'")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			abort(c, http.StatusUnauthorized, "Empty token")
			return
		}

		if secret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
			c.Set(ServiceAuthKey, true)
			c.Next()
			return
		}

		if devices == nil {
			if secret == "" {
				abort(c, http.StatusInternalServerError, "Internal API secret not configured")
				return
			}
			abort(c, http.StatusUnauthorized, "Invalid service token")
			return
		}

		device, err := devices.VerifyDeviceToken(c.Request.Context(), token)
		if err != nil {
			abort(c, http.StatusUnauthorized, "Invalid service token")
			return
		}
		if device.ExternalDeviceID != c.Param(DeviceIDParamKey) {
			abort(c, http.StatusForbidden, "Token does not belong to this device")
			return
		}

		c.Set(AuthDeviceKey, device)
		c.Next()
	}
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

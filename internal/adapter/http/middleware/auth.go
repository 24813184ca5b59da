package middleware

import (
	"crypto/subtle"
	"strings"

	"meter-recharge/internal/core/domain"
	"meter-recharge/internal/core/ports"
	"meter-recharge/pkg/apperror"
	"meter-recharge/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HeaderRecoverySecret carries the shared secret used by the external cron.
const HeaderRecoverySecret = "X-Recovery-Secret"

// JWTAuth admits operators holding a valid admin bearer token and records
// them as the actor of whatever the request does.
func JWTAuth(tokenSvc ports.TokenService, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, ok := bearerToken(c)
		if !ok {
			deny(c, apperror.ErrInvalidToken())
			return
		}

		claims, err := tokenSvc.Validate(tokenStr)
		if err != nil {
			log.Debug().Err(err).Str("client_ip", c.ClientIP()).Msg("admin token rejected")
			deny(c, apperror.ErrInvalidToken())
			return
		}

		c.Set(CtxActor, claims.Subject)
		c.Set(CtxTrigger, domain.TriggerAdmin)
		c.Next()
	}
}

// AdminOrCronAuth admits either an admin bearer token or the configured
// recovery shared secret. A request presenting a bearer token is judged on
// the token alone. An empty secret disables the cron path.
func AdminOrCronAuth(tokenSvc ports.TokenService, sharedSecret string, log zerolog.Logger) gin.HandlerFunc {
	jwtAuth := JWTAuth(tokenSvc, log)
	secret := []byte(sharedSecret)
	return func(c *gin.Context) {
		if _, ok := bearerToken(c); ok {
			jwtAuth(c)
			return
		}

		provided := c.GetHeader(HeaderRecoverySecret)
		if len(secret) == 0 || provided == "" || subtle.ConstantTimeCompare([]byte(provided), secret) != 1 {
			log.Warn().Str("client_ip", c.ClientIP()).Msg("recovery request without valid credentials")
			deny(c, apperror.ErrUnauthorized())
			return
		}

		c.Set(CtxActor, domain.TriggerCron)
		c.Set(CtxTrigger, domain.TriggerCron)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func deny(c *gin.Context, err *apperror.AppError) {
	response.Error(c, err)
	c.Abort()
}

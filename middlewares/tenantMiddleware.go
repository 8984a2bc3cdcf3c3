package middlewares

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/talosprimes/platform_backend/utils"
)

// TenantMiddleware installs the tenant scope and correlation id into the
// request context. Authentication happens upstream (API gateway); by the time
// a request lands here X-Tenant-Id is trusted.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if tenantId := c.Request.Header.Get("X-Tenant-Id"); tenantId != "" {
			ctx = utils.SetTenantIdInContext(ctx, tenantId)
		}

		correlationId := c.Request.Header.Get("X-Correlation-Id")
		if correlationId == "" {
			correlationId = uuid.NewString()
		}
		ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		c.Writer.Header().Set("X-Correlation-Id", correlationId)

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

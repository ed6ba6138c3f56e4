package storesync

import (
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/marketplace_backend/config"
	"github.com/mmdatafocus/marketplace_backend/utils"
	"github.com/sirupsen/logrus"
)

// PubSubPushHandler consumes order-sync push deliveries and propagates the
// referenced order to every mirror. Always answers 204: Pub/Sub retries on
// its own schedule and propagation is safe to repeat, so there is nothing a
// push retry can do that the outbox dispatcher will not.
func PubSubPushHandler(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !envBoolDefault("ENABLE_ORDER_SYNC_PUSH_ENDPOINT", true) {
			c.Status(204)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(204)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(204)
			return
		}

		var msg config.OrderSyncMessage
		if err := json.Unmarshal(envelope.Message.Data, &msg); err != nil {
			c.Status(204)
			return
		}
		if msg.OrderId == "" || msg.BusinessId == "" {
			c.Status(204)
			return
		}

		ctx := c.Request.Context()
		ctx = utils.SetBusinessIdInContext(ctx, msg.BusinessId)
		if msg.CorrelationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, msg.CorrelationId)
		}

		if _, err := Propagate(ctx, config.GetDB(), logger, msg.BusinessId, msg.OrderId); err != nil {
			config.LogError(logger, "pubsub.go", "PubSubPushHandler", "Propagate",
				map[string]interface{}{"order_id": msg.OrderId, "business_id": msg.BusinessId}, err)
		}
		c.Status(204)
	}
}

func envBoolDefault(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}

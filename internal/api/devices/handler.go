// Package devices serves the device monitor's view of device liveness
package devices

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sikesa/sikesa-backend/internal/monitor"
)

// Snapshotter returns the current device states
type Snapshotter interface {
	Snapshot() []monitor.DeviceState
}

// @Summary      List devices
// @Description  Returns every registered device with its current status and last heartbeat time.
// @Tags         Devices
// @Produce      json
// @Success      200  {array}   monitor.DeviceState
// @Failure      503  {object}  map[string]interface{}  "Monitoring disabled"
// @Router       /devices [get]
// ListHandler handles GET /devices. A nil snapshotter means monitoring is off.
func ListHandler(m Snapshotter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "error",
				"message": "Device monitoring is disabled.",
			})
			return
		}
		c.JSON(http.StatusOK, m.Snapshot())
	}
}

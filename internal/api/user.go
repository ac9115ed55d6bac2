package api

import (
	"net/http"

	"payflow/internal/response"

	"github.com/gin-gonic/gin"
)

// GetUserView returns the full entitlement projection for a user: every
// non-canceled subscription plus every completed purchase transaction.
func GetUserView(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "User ID is required")
		return
	}

	view, err := paymentsEngine.User(c.Request.Context(), userID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load user view: "+err.Error())
		return
	}

	response.SuccessJSON(c, view)
}

// GetUserEntitlement answers the single question most clients ask: until
// when does this user hold the given product group.
func GetUserEntitlement(c *gin.Context) {
	userID := c.Param("user_id")
	group := c.Query("group")
	if userID == "" || group == "" {
		response.ErrorJSON(c, http.StatusBadRequest, "User ID and group are required")
		return
	}

	view, err := paymentsEngine.User(c.Request.Context(), userID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to load user view: "+err.Error())
		return
	}

	expiresAt, ok := view.GetExpireTime(group)
	if !ok {
		response.SuccessJSON(c, gin.H{
			"group":    group,
			"entitled": false,
		})
		return
	}

	response.SuccessJSON(c, gin.H{
		"group":      group,
		"entitled":   true,
		"expires_at": expiresAt,
	})
}

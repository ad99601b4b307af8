package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxStringLength is the maximum length accepted for free text query values.
const MaxStringLength = 256

var tradeIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// IsValidTradeID checks the shape of a trade id path parameter.
func IsValidTradeID(id string) bool {
	return tradeIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, drops null bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// TradeIDParamMiddleware rejects malformed :tradeId parameters early.
func TradeIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("tradeId")
		if id != "" && !IsValidTradeID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_trade_id",
				"message": "trade id must be 1-128 characters of letters, digits, '-' or '_'",
			})
			return
		}
		c.Next()
	}
}

package common

import "github.com/gin-gonic/gin"

// Every endpoint answers with the same envelope so clients can branch on
// the success flag instead of parsing status codes.
func Success(c *gin.Context, status int, message string, results any) {
	c.JSON(status, gin.H{
		"success": true,
		"message": message,
		"results": results,
	})
}

func Fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"message": message,
	})
}

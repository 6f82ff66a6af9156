package ioc

import (
	"github.com/gin-gonic/gin"
	"github.com/xuhaidong1/iothub/web"
)

func InitWebServer(hdl *web.CommandHandler) *gin.Engine {
	server := gin.Default()
	hdl.RegisterRoutes(server)
	return server
}

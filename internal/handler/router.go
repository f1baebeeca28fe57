package handler

import (
	"creditmeter/internal/config"
	"creditmeter/internal/infrastructure/reservation"
	"creditmeter/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// SetupRouter 配置路由
func SetupRouter(db *gorm.DB, rdb *redis.Client, tracker reservation.Tracker, signals service.Signals, cfg *config.Config) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	h := NewHandler(db, rdb, tracker, signals, cfg)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 计量相关
		meter := api.Group("/meter")
		{
			meter.POST("/check", h.Check)
			meter.POST("/deduct", h.Deduct)
			meter.POST("/release", h.Release)
		}

		// 账户相关
		account := api.Group("/account")
		{
			account.GET("/balance", h.GetBalance)
			account.GET("/transaction", h.GetTransaction)
			account.GET("/transactions", h.ListTransactions)
			account.GET("/allocations", h.ListAllocations)
		}

		// 运营侧
		admin := api.Group("/admin")
		{
			admin.POST("/grant", h.Grant)
			admin.POST("/suspend", h.Suspend)
			admin.POST("/reinstate", h.Reinstate)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}

package handler

import (
	"errors"
	"strconv"

	"creditmeter/internal/config"
	"creditmeter/internal/infrastructure/cache"
	"creditmeter/internal/infrastructure/reservation"
	"creditmeter/internal/repository"
	"creditmeter/internal/service"
	"creditmeter/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// Handler 统一处理器，包含所有服务依赖
//
// 传输层只做参数校验和错误码映射，核心的结构化结果原样透传
type Handler struct {
	accountService  *service.AccountService
	meteringService *service.MeteringService
	adminService    *service.AdminService
}

// NewHandler 创建处理器实例
func NewHandler(db *gorm.DB, rdb *redis.Client, tracker reservation.Tracker, signals service.Signals, cfg *config.Config) *Handler {
	balanceCache := cache.NewBalanceCache(rdb, cfg.Business.BalanceCacheTTL())
	return &Handler{
		accountService:  service.NewAccountService(db, tracker, balanceCache, cfg),
		meteringService: service.NewMeteringService(db, rdb, tracker, balanceCache, signals, cfg),
		adminService:    service.NewAdminService(db, rdb, balanceCache, cfg),
	}
}

// ============================================================
// 计量相关接口
// ============================================================

// Check 预留额度
// POST /api/v1/meter/check
func (h *Handler) Check(c *gin.Context) {
	var req service.CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	resp, err := h.meteringService.Check(c.Request.Context(), &req)
	if err != nil {
		response.BusinessError(c, response.CodeStoreUnavailable, err.Error())
		return
	}

	response.Success(c, resp)
}

// Deduct 按实际用量结算
// POST /api/v1/meter/deduct
func (h *Handler) Deduct(c *gin.Context) {
	var req service.DeductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	resp, err := h.meteringService.Deduct(c.Request.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAlreadyReleased):
			response.BusinessError(c, response.CodeAlreadyReleased, err.Error())
		case errors.Is(err, service.ErrTooManyConflicts):
			response.BusinessError(c, response.CodeConflict, err.Error())
		default:
			// 持久层故障必须显式暴露给调用方重试，静默吞掉会丢结算
			response.BusinessError(c, response.CodeStoreUnavailable, err.Error())
		}
		return
	}

	response.Success(c, resp)
}

// Release 释放预留
// POST /api/v1/meter/release
func (h *Handler) Release(c *gin.Context) {
	var req service.ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	resp, err := h.meteringService.Release(c.Request.Context(), &req)
	if err != nil {
		response.BusinessError(c, response.CodeStoreUnavailable, err.Error())
		return
	}

	response.Success(c, resp)
}

// ============================================================
// 账户相关接口
// ============================================================

// GetBalance 查询用户余额
// GET /api/v1/account/balance?user_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	info, err := h.accountService.GetBalance(c.Request.Context(), userID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, info)
}

// GetTransaction 按流水号查询单条流水
// GET /api/v1/account/transaction?transaction_no=xxx
func (h *Handler) GetTransaction(c *gin.Context) {
	transactionNo := c.Query("transaction_no")
	if transactionNo == "" {
		response.ParamError(c, "transaction_no 参数错误")
		return
	}

	trans, err := h.accountService.GetTransaction(c.Request.Context(), transactionNo)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	if trans == nil {
		response.BusinessError(c, response.CodeTransactionNotFound, "流水不存在")
		return
	}

	response.Success(c, trans)
}

// ListTransactions 查询用户流水
// GET /api/v1/account/transactions?user_id=xxx&page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	transactions, total, err := h.accountService.ListTransactions(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":  transactions,
		"total": total,
	})
}

// ListAllocations 查询用户额度发放记录
// GET /api/v1/account/allocations?user_id=xxx&page=1&page_size=10
func (h *Handler) ListAllocations(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "user_id 参数错误")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))

	allocations, total, err := h.accountService.ListAllocations(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"list":  allocations,
		"total": total,
	})
}

// ============================================================
// 运营侧接口
// ============================================================

// Grant 发放额度
// POST /api/v1/admin/grant
func (h *Handler) Grant(c *gin.Context) {
	var req service.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	resp, err := h.adminService.GrantCredits(c.Request.Context(), &req)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, resp)
}

type statusRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

// Suspend 封禁账户
// POST /api/v1/admin/suspend
func (h *Handler) Suspend(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.adminService.Suspend(c.Request.Context(), req.UserID); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			response.BusinessError(c, response.CodeAccountNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"message": "账户已封禁"})
}

// Reinstate 解除封禁
// POST /api/v1/admin/reinstate
func (h *Handler) Reinstate(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	if err := h.adminService.Reinstate(c.Request.Context(), req.UserID); err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) {
			response.BusinessError(c, response.CodeAccountNotFound, err.Error())
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{"message": "账户已恢复"})
}

package job

import (
	"context"
	"log"
	"time"

	"creditmeter/internal/infrastructure/reservation"
	"creditmeter/internal/service"
)

// ReservationSweeper 预留清扫任务
//
// 预留过期本身靠 Lua 脚本在每次准入/求和时就地回收，正确性不依赖这个任务。
// 清扫只负责两件事：给长期没有新请求的用户也及时回收，以及对每条被回收的
// 预留发出过期信号供外部观测。
type ReservationSweeper struct {
	tracker  *reservation.RedisTracker
	signals  service.Signals
	stopCh   chan struct{}
	interval time.Duration
	scanSize int64
}

func NewReservationSweeper(tracker *reservation.RedisTracker, signals service.Signals) *ReservationSweeper {
	return &ReservationSweeper{
		tracker:  tracker,
		signals:  signals,
		stopCh:   make(chan struct{}),
		interval: 30 * time.Second,
		scanSize: 100,
	}
}

func (j *ReservationSweeper) Start(ctx context.Context) {
	log.Println("[ReservationSweeper] 预留清扫任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[ReservationSweeper] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[ReservationSweeper] 任务停止")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *ReservationSweeper) Stop() {
	close(j.stopCh)
}

func (j *ReservationSweeper) sweep(ctx context.Context) {
	var cursor uint64
	for {
		userIDs, next, err := j.tracker.ScanUserIDs(ctx, cursor, j.scanSize)
		if err != nil {
			log.Printf("[ReservationSweeper] 扫描预留失败: %v", err)
			return
		}

		for _, userID := range userIDs {
			purged, err := j.tracker.PurgeExpired(ctx, userID)
			if err != nil {
				log.Printf("[ReservationSweeper] 清理过期预留失败: userID=%d, err=%v", userID, err)
				continue
			}
			for _, entry := range purged {
				j.signals.ReservationExpired(userID, entry.RequestID, entry.Credits)
				log.Printf("[ReservationSweeper] 预留过期回收: userID=%d, requestID=%s, credits=%d",
					userID, entry.RequestID, entry.Credits)
			}
		}

		if next == 0 {
			return
		}
		cursor = next
	}
}

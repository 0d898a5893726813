package service

import (
	"context"
	"fmt"
	"time"

	"creditsystem/internal/model"
	"creditsystem/internal/repository"
)

const ReasonNoAllocationRemaining = "no_allocation_remaining"

// AllocationDecision 发帖额度判定结果
type AllocationDecision struct {
	Allowed   bool                 `json:"allowed"`
	Kind      model.AllocationKind `json:"allocation_kind,omitempty"`
	Remaining int64                `json:"remaining"` // 所选额度在本次使用前的剩余量；无限期时为 0
	Unlimited bool                 `json:"unlimited"`
	Reason    string               `json:"reason,omitempty"`
}

// monthlyUsage 当月（UTC）已使用的发帖次数
type monthlyUsage struct {
	Free      int64
	Purchased int64
}

func startOfMonth(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func loadMonthlyUsage(ctx context.Context, r repository.Reader, accountID string, now time.Time) (monthlyUsage, error) {
	since := startOfMonth(now)

	free, err := r.CountUsageSince(ctx, accountID, model.AllocationFree, since)
	if err != nil {
		return monthlyUsage{}, fmt.Errorf("统计免费使用次数失败: %w", err)
	}
	purchased, err := r.CountUsageSince(ctx, accountID, model.AllocationPurchased, since)
	if err != nil {
		return monthlyUsage{}, fmt.Errorf("统计付费使用次数失败: %w", err)
	}
	return monthlyUsage{Free: free, Purchased: purchased}, nil
}

// decideAllocation 按固定优先级选择额度，命中第一条即返回：
// 管理员 > 无限期窗口 > 本月免费额度 > 已购积分
// 纯函数，不做任何写操作
func decideAllocation(acct *model.Account, usage monthlyUsage, now time.Time, freeLimit int64) AllocationDecision {
	if acct.IsAdmin || acct.UnlimitedAt(now) {
		return AllocationDecision{Allowed: true, Kind: model.AllocationUnlimited, Unlimited: true}
	}

	freeUsed := usage.Free
	// 老账户的第一次免费发帖只记在账户上，没有对应的使用记录
	if freeUsed == 0 && acct.LastFreePostAt != nil && !acct.LastFreePostAt.Before(startOfMonth(now)) {
		freeUsed = 1
	}
	if remaining := freeLimit - freeUsed; remaining > 0 {
		return AllocationDecision{Allowed: true, Kind: model.AllocationFree, Remaining: remaining}
	}

	// 已购积分是一个总池，按月统计仅用于展示
	if remaining := acct.PurchasedCredits - usage.Purchased; remaining > 0 {
		return AllocationDecision{Allowed: true, Kind: model.AllocationPurchased, Remaining: remaining}
	}

	return AllocationDecision{Allowed: false, Reason: ReasonNoAllocationRemaining}
}

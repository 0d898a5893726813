package model

import (
	"encoding/json"
	"sort"
	"time"

	"gorm.io/datatypes"
)

type AllocationKind string

const (
	AllocationFree      AllocationKind = "free"
	AllocationPurchased AllocationKind = "purchased"
	AllocationUnlimited AllocationKind = "unlimited"
)

func (k AllocationKind) Valid() bool {
	switch k {
	case AllocationFree, AllocationPurchased, AllocationUnlimited:
		return true
	}
	return false
}

// UsageRecord 使用记录表，每次发帖一条
// 创建后只允许追加 AI 工具的消费信息
type UsageRecord struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"-"`
	UsageNo        string         `gorm:"type:varchar(64);uniqueIndex;not null" json:"usage_no"`
	AccountID      string         `gorm:"type:varchar(128);not null;index:idx_usage_account_kind_time,priority:1;uniqueIndex:ux_usage_account_post,priority:1" json:"account_id"`
	PostRef        *string        `gorm:"type:varchar(128);uniqueIndex:ux_usage_account_post,priority:2" json:"post_ref,omitempty"`
	AllocationKind AllocationKind `gorm:"type:varchar(16);not null;index:idx_usage_account_kind_time,priority:2" json:"allocation_kind"`
	CreditsSpent   int64          `gorm:"not null;default:0" json:"credits_spent"`
	Tools          datatypes.JSON `gorm:"type:json" json:"tools"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index:idx_usage_account_kind_time,priority:3" json:"created_at"`
}

func (UsageRecord) TableName() string {
	return "usage_record"
}

// ToolCharge 一次 AI 工具消费，退回后 Refunded 置为 true
type ToolCharge struct {
	Tool          string `json:"tool"`
	Cost          int64  `json:"cost"`
	TransactionNo string `json:"transaction_no,omitempty"`
	Refunded      bool   `json:"refunded,omitempty"`
}

// ToolCharges 按消费顺序返回明细
func (u *UsageRecord) ToolCharges() []ToolCharge {
	if len(u.Tools) == 0 {
		return nil
	}
	var charges []ToolCharge
	if err := json.Unmarshal(u.Tools, &charges); err != nil {
		return nil
	}
	return charges
}

// ToolNames 去重后的工具名
func (u *UsageRecord) ToolNames() []string {
	set := make(map[string]struct{})
	for _, c := range u.ToolCharges() {
		set[c.Tool] = struct{}{}
	}
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// AddToolCharge 追加一条消费明细并累加 credits_spent
func (u *UsageRecord) AddToolCharge(tool, transactionNo string, cost int64) {
	charges := append(u.ToolCharges(), ToolCharge{Tool: tool, Cost: cost, TransactionNo: transactionNo})
	u.setCharges(charges)
	u.CreditsSpent += cost
}

// RefundToolCharge 标记对应流水的明细已退回，返回是否找到
func (u *UsageRecord) RefundToolCharge(transactionNo string) bool {
	charges := u.ToolCharges()
	for i := range charges {
		if charges[i].TransactionNo != transactionNo || charges[i].Refunded {
			continue
		}
		charges[i].Refunded = true
		u.setCharges(charges)
		u.CreditsSpent -= charges[i].Cost
		if u.CreditsSpent < 0 {
			u.CreditsSpent = 0
		}
		return true
	}
	return false
}

func (u *UsageRecord) setCharges(charges []ToolCharge) {
	raw, _ := json.Marshal(charges)
	u.Tools = datatypes.JSON(raw)
}

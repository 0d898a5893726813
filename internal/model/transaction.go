package model

import (
	"time"
)

// ============================================================================
// 积分流水类型
// ============================================================================

const (
	CreditTxnGrant  = "GRANT"  // 支付成功发放
	CreditTxnSpend  = "SPEND"  // AI 工具消费
	CreditTxnRefund = "REFUND" // 上游失败退回
	CreditTxnAdjust = "ADJUST" // 管理员调整
)

// CreditTransaction 积分流水表
// 只追加，不修改；与余额变更在同一事务内写入，记录变更前后余额便于对账
type CreditTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	AccountID     string    `gorm:"type:varchar(128);index;not null" json:"account_id"`
	RefNo         string    `gorm:"type:varchar(128);index;not null" json:"ref_no"` // 支付 ID / 使用记录号 / 消费流水号
	Amount        int64     `gorm:"not null" json:"amount"`                         // 正数入账，负数出账
	Type          string    `gorm:"type:varchar(20);not null" json:"type"`
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CreditTransaction) TableName() string {
	return "credit_transaction"
}

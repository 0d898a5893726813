package model

import (
	"time"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

// 终态不可重新打开
var ValidPaymentTransitions = map[string][]string{
	PaymentStatusPending: {PaymentStatusSucceeded, PaymentStatusFailed},
}

func CanPaymentTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidPaymentTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsPaymentTerminal(status string) bool {
	return status == PaymentStatusSucceeded || status == PaymentStatusFailed
}

// PaymentRecord 支付记录表
// ExternalPaymentID 是幂等键：同一个外部支付只会发放一次积分
type PaymentRecord struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"-"`
	ExternalPaymentID string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"payment_id"`
	AccountID         *string    `gorm:"type:varchar(128);index" json:"account_id,omitempty"` // 解析到账户前为空
	PlanID            string     `gorm:"type:varchar(64)" json:"plan_id"`
	Credits           int64      `gorm:"not null;default:0" json:"credits"`
	Amount            int64      `gorm:"not null;default:0" json:"amount"` // 最小货币单位
	Currency          string     `gorm:"type:varchar(8)" json:"currency"`
	Status            string     `gorm:"type:varchar(20);index;not null" json:"status"`
	PayerEmail        string     `gorm:"type:varchar(255)" json:"payer_email"`
	FailureReason     string     `gorm:"type:varchar(256)" json:"failure_reason,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PaymentRecord) TableName() string {
	return "payment_record"
}

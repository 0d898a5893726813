package model

import (
	"time"
)

// Account 用户账户表
// 身份字段由身份提供方 webhook 维护，积分字段只由账本服务修改
type Account struct {
	ID                int64      `gorm:"primaryKey;autoIncrement" json:"-"`
	AuthSubject       string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"account_id"` // 外部认证 subject，对外即 accountId
	Email             string     `gorm:"type:varchar(255);index" json:"email"`
	Name              string     `gorm:"type:varchar(255)" json:"name"`
	IsAdmin           bool       `gorm:"not null;default:false" json:"is_admin"`
	FreePostsUsed     int64      `gorm:"not null;default:0" json:"free_posts_used"`   // 累计免费次数，只增不减
	LastFreePostAt    *time.Time `json:"last_free_post_at,omitempty"`                 // 兼容老账户：没有使用记录时以此判断本月是否已用
	PurchasedCredits  int64      `gorm:"not null;default:0" json:"purchased_credits"` // 可用积分，永不为负
	UnlimitedUntil    *time.Time `json:"unlimited_until,omitempty"`                   // 无限期窗口
	StripeCustomerID  string     `gorm:"type:varchar(64);index" json:"-"`             // 支付方客户 ID
	IdentityDeletedAt *time.Time `json:"-"`                                           // 身份已被删除（账户本身保留）
	Version           int        `gorm:"not null;default:0" json:"-"`                 // 乐观锁版本号
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}

// UnlimitedAt 判断 now 时刻是否处于无限期窗口
func (a *Account) UnlimitedAt(now time.Time) bool {
	return a.UnlimitedUntil != nil && now.Before(*a.UnlimitedUntil)
}

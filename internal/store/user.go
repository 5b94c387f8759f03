// Package store holds the relational row types and repositories backing the
// cache layer and the idempotency service. It is the source of truth the
// cache degrades to.
package store

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
)

var ErrUserNotFound = errors.New("store: user not found")

// User is a live trading account row.
type User struct {
	ID            int64           `gorm:"primaryKey"`
	Email         string          `gorm:"size:255"`
	GroupName     string          `gorm:"size:64;index"`
	Leverage      decimal.Decimal `gorm:"type:numeric(10,2)"`
	WalletBalance decimal.Decimal `gorm:"type:numeric(18,6)"`
	Margin        decimal.Decimal `gorm:"type:numeric(18,6)"`
	AccountNumber string          `gorm:"size:32"`
}

// DemoUser is a demo account row, schema-identical to User but kept in its
// own table.
type DemoUser struct {
	ID            int64           `gorm:"primaryKey"`
	Email         string          `gorm:"size:255"`
	GroupName     string          `gorm:"size:64;index"`
	Leverage      decimal.Decimal `gorm:"type:numeric(10,2)"`
	WalletBalance decimal.Decimal `gorm:"type:numeric(18,6)"`
	Margin        decimal.Decimal `gorm:"type:numeric(18,6)"`
	AccountNumber string          `gorm:"size:32"`
}

func (DemoUser) TableName() string { return "demo_users" }

// UserRow is the normalized shape both account variants share.
type UserRow struct {
	ID            int64
	Email         string
	GroupName     string
	Leverage      decimal.Decimal
	WalletBalance decimal.Decimal
	Margin        decimal.Decimal
	AccountNumber string
	UserType      string
}

// Users reads account rows by id, selecting the live or demo table by user
// type.
type Users struct {
	db *gorm.DB
}

// NewUsers builds the user repository.
func NewUsers(db *gorm.DB) *Users {
	return &Users{db: db}
}

// GetByID loads the authoritative account row. Returns ErrUserNotFound when
// no row exists for the id.
func (r *Users) GetByID(ctx context.Context, id int64, userType string) (UserRow, error) {
	userType = strings.ToLower(userType)
	if userType == "demo" {
		var u DemoUser
		if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return UserRow{}, ErrUserNotFound
			}
			return UserRow{}, errors.Wrap(err, "load demo user")
		}
		return UserRow{
			ID:            u.ID,
			Email:         u.Email,
			GroupName:     u.GroupName,
			Leverage:      u.Leverage,
			WalletBalance: u.WalletBalance,
			Margin:        u.Margin,
			AccountNumber: u.AccountNumber,
			UserType:      "demo",
		}, nil
	}

	var u User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserRow{}, ErrUserNotFound
		}
		return UserRow{}, errors.Wrap(err, "load user")
	}
	return UserRow{
		ID:            u.ID,
		Email:         u.Email,
		GroupName:     u.GroupName,
		Leverage:      u.Leverage,
		WalletBalance: u.WalletBalance,
		Margin:        u.Margin,
		AccountNumber: u.AccountNumber,
		UserType:      "live",
	}, nil
}

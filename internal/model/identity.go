package model

import "time"

// ExternalIdentity is a Telegram user whose initData signature and freshness
// have been verified. It is only produced by auth.InitDataValidator and is
// never stored as-is.
type ExternalIdentity struct {
	TelegramID int64
	FullName   string
	Username   string
	AvatarURL  string
	AuthDate   time.Time
}

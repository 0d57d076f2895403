package schedule

import "errors"

// Sentinel errors for settings validation and send-time edits. All edits are
// atomic: when any of these is returned the prior settings are unchanged.
var (
	ErrNoSendTimes       = errors.New("at least one send time is required")
	ErrInvalidTimeFormat = errors.New("send time must be 24h HH:MM")
	ErrDuplicateSendTime = errors.New("duplicate send time")
	ErrSendTimesTooClose = errors.New("send times closer than minimum interval")
	ErrSendTimeNotFound  = errors.New("send time not found")
	ErrInvalidOffDay     = errors.New("off-day must be 0 (Sunday) through 6 (Saturday)")
	ErrAllDaysOff        = errors.New("cannot mark all seven days as off-days")
	ErrDuplicateOffDay   = errors.New("duplicate off-day")
	ErrOffDayNotFound    = errors.New("off-day not found")
	ErrDateRangeInverted = errors.New("start date is after end date")
	ErrUnknownTimezone   = errors.New("unknown timezone")
)

package campaigns

import "errors"

// Repository errors.
var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrTemplateMissing   = errors.New("campaign has no message template")
	ErrStatusChanged     = errors.New("campaign status changed concurrently")
	ErrAlreadyDispatched = errors.New("recipient already dispatched")
)

// Launch errors.
var (
	ErrInvalidCampaignStatus = errors.New("campaign cannot be launched from its current status")
	ErrEmptyAudience         = errors.New("campaign audience matches no contacts")
)

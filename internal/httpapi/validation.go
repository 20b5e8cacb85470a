package httpapi

import (
	"github.com/go-playground/validator/v10"

	"github.com/sidefxio/sidefx/internal/domain"
)

// CreateRunRequest is the POST /runs request body (§6).
type CreateRunRequest struct {
	BusinessKey       string  `json:"business_key" validate:"required"`
	Amount            float64 `json:"amount" validate:"gte=0"`
	FailBeforeEffectN int     `json:"fail_before_effect_n" validate:"gte=0"`
	FailMode          string  `json:"fail_mode" validate:"omitempty,oneof=none crash_after_effect_before_ack"`
	MaxAttempts       int     `json:"max_attempts" validate:"gte=0"`
}

var validate = validator.New()

// Validate checks the request against its struct tags and normalizes
// FailMode to its domain.FailMode default.
func (r *CreateRunRequest) Validate() error {
	if r.FailMode == "" {
		r.FailMode = string(domain.FailModeNone)
	}
	return validate.Struct(r)
}

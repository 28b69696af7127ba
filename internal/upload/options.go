package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/fjmerc/stashbox/internal/apperr"
	"github.com/fjmerc/stashbox/internal/models"
	"github.com/fjmerc/stashbox/internal/utils"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeOptions parses the JSON options header. An empty header yields zero options.
func DecodeOptions(raw string) (models.UploadOptions, error) {
	var opts models.UploadOptions
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return opts, nil
	}
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		return opts, apperr.Validation(apperr.CodeInvalidOptions, "options header is not valid JSON")
	}
	// Only the server sets the hash.
	opts.PasswordHash = ""
	return opts, nil
}

// checkOptions validates field constraints.
func checkOptions(opts *models.UploadOptions) error {
	err := validate.Struct(opts)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
			return fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag())
		})
		return apperr.Validation(apperr.CodeInvalidOptions,
			"invalid upload options: "+strings.Join(fields, ", "))
	}
	return apperr.Validation(apperr.CodeInvalidOptions, err.Error())
}

// sealOptions validates opts and replaces a plaintext password with its hash.
// It is idempotent: sealed options keep their hash.
func sealOptions(opts *models.UploadOptions, now time.Time) error {
	if err := checkOptions(opts); err != nil {
		return err
	}
	if _, err := ParseDeletesAt(opts.DeletesAt, now); err != nil {
		return err
	}
	if opts.Password != "" {
		hash, err := utils.HashPassword(opts.Password)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
		opts.PasswordHash = hash
		opts.Password = ""
	}
	return nil
}

// ParseDeletesAt resolves a deletesAt value. It accepts a Go duration
// ("90m", "12h"), a day or week count ("7d", "2w"), an RFC3339 timestamp or
// a date ("2026-01-31"). An empty value means no expiry. The result must lie
// in the future.
func ParseDeletesAt(value string, now time.Time) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	var at time.Time
	if d, ok := parseLongDuration(value); ok {
		at = now.Add(d)
	} else if d, err := time.ParseDuration(value); err == nil {
		at = now.Add(d)
	} else if t, err := time.Parse(time.RFC3339, value); err == nil {
		at = t
	} else if t, err := time.Parse(time.DateOnly, value); err == nil {
		at = t
	} else {
		return nil, apperr.Validation(apperr.CodeInvalidOptions,
			fmt.Sprintf("deletesAt %q is neither a duration nor a date", value))
	}

	if !at.After(now) {
		return nil, apperr.Validation(apperr.CodeInvalidOptions, "deletesAt must be in the future")
	}
	at = at.UTC()
	return &at, nil
}

func parseLongDuration(value string) (time.Duration, bool) {
	if len(value) < 2 {
		return 0, false
	}
	var unit time.Duration
	switch value[len(value)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, false
	}
	n, err := strconv.Atoi(value[:len(value)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

package api

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	// validate is a singleton validator instance
	validate *validator.Validate

	DefaultWriteConcern = 1
)

func init() {
	validate = validator.New()
}

// WriteRequest is the body of POST /messages on the primary.
type WriteRequest struct {
	Message string `json:"message" validate:"required"`
	W       *int   `json:"w" validate:"omitempty,min=1"`
}

// ReplicateRequest is the body of POST /replicate on a backup. Message is
// validated by the apply gate so an empty message is rejected only when it
// would actually be applied.
type ReplicateRequest struct {
	SequenceNumber *int64 `json:"sequence_number" validate:"required,min=0"`
	Message        string `json:"message"`
}

// SyncRequest is the body of POST /sync on the primary. A missing
// last_known_msg replays the whole history.
type SyncRequest struct {
	SecondaryURL string `json:"secondary_url" validate:"required"`
	LastKnownMsg *int64 `json:"last_known_msg"`
}

func ValidateWriteRequest(req *WriteRequest) error {
	if req == nil {
		return errors.New("write request cannot be nil")
	}
	if err := validate.Struct(req); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func ValidateReplicateRequest(req *ReplicateRequest) error {
	if req == nil {
		return errors.New("replicate request cannot be nil")
	}
	if err := validate.Struct(req); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func ValidateSyncRequest(req *SyncRequest) error {
	if req == nil {
		return errors.New("sync request cannot be nil")
	}
	if err := validate.Struct(req); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	// Return the first validation error in a user-friendly format
	for _, e := range validationErrs {
		field := e.Field()
		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min":
			return fmt.Errorf("%s: must be at least %s", field, e.Param())
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}

package wizard

import (
	"errors"
	"net/http"

	"github.com/odsaligners-portal/crm-sub003/internal/casefields"
	"github.com/odsaligners-portal/crm-sub003/internal/client/api"
)

var (
	ErrMissingPatientID = errors.New("wizard: patient id is missing")
	ErrValidation       = errors.New("wizard: validation failed")
	ErrBusy             = errors.New("wizard: another request is in flight")
	ErrSlotOccupied     = errors.New("wizard: slot already holds a file")
	ErrNotWizardURL     = errors.New("wizard: not a wizard page")
	ErrNoWizardForRole  = errors.New("wizard: role has no record wizard")
)

// Toast texts.
const (
	MsgUnauthorized     = "Unauthorized, please log in again"
	MsgNotFound         = "Patient record not found or you don't have permission"
	MsgMissingPatientID = "Patient ID is missing. Please start from step 1."
	MsgLoadFailed       = "Failed to load patient details"
	MsgSaveFailed       = "Failed to save details. Please try again."
	MsgCreated          = "Patient record created"
	MsgSaved            = "Details saved"
	MsgUploadFailed     = "Upload failed. Please try again."
	MsgUploaded         = "File uploaded successfully"
	MsgDeleteFailed     = "Failed to delete file. Please try again."
	MsgDeleted          = "File deleted"
	MsgSlotOccupied     = "Please delete the existing file before uploading a new one"
	MsgUploadInFlight   = "Please wait for the current upload to finish"
	MsgNoFiles          = "Please upload at least one file before submitting"
	MsgSubmitInFlight   = "Please wait while the files are being submitted"
	MsgSubmitted        = "Patient record submitted successfully"
	MsgSubmitFailed     = "Failed to submit files. Please try again."
)

// Toaster shows non-blocking notifications to the user.
type Toaster interface {
	Success(msg string)
	Error(msg string)
}

// Navigator changes the current page.
type Navigator interface {
	Navigate(url string)
}

// validationError wraps a local validation failure so callers can match
// ErrValidation while the toast shows the field message.
type validationError struct {
	msg string
	err error
}

func (e *validationError) Error() string { return e.msg }

func (e *validationError) Unwrap() []error { return []error{ErrValidation, e.err} }

func newValidationError(msg string, cause error) error {
	return &validationError{msg: msg, err: cause}
}

// messageFor picks the toast text for a failed call: fixed texts for 401 and
// 404, the server's message for other API errors, fallback otherwise.
func messageFor(err error, fallback string) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusUnauthorized:
			return MsgUnauthorized
		case http.StatusNotFound:
			return MsgNotFound
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return fallback
	}
	var ve *casefields.ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	return fallback
}

// storageMessage is messageFor for object storage calls, where 404 refers to
// the object rather than the record.
func storageMessage(err error, fallback string) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		if apiErr.Status == http.StatusUnauthorized {
			return MsgUnauthorized
		}
		if apiErr.Message != "" {
			return apiErr.Message
		}
	}
	return fallback
}

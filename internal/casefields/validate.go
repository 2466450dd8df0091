package casefields

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid case fields")

// ValidationError names the offending field and carries a message fit for
// display to the user.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Message returned when step 3 is submitted with neither choice made.
const MsgClinicalChoiceRequired = "Please select at least one option: Midline or Arch Expansion"

var requiredLabels = map[string]string{
	PatientName:    "Patient Name",
	Age:            "Age",
	Gender:         "Gender",
	TreatmentFor:   "Treatment For",
	Country:        "Country",
	City:           "City",
	PrimaryAddress: "Primary Address",
	CaseType:       "Case Type",
	CaseCategory:   "Case Category",
}

var requiredByStep = map[Step][]string{
	StepDetails:   {PatientName, Age, Gender, TreatmentFor, Country, City, PrimaryAddress},
	StepTreatment: {CaseType, CaseCategory},
}

// ValidateStep runs the minimal validation a step enforces before it may be
// saved. Step 4 has no form fields; its gate is slot occupancy.
func ValidateStep(step Step, form map[string]string) error {
	var missing []string
	for _, f := range requiredByStep[step] {
		if strings.TrimSpace(form[f]) == "" {
			missing = append(missing, requiredLabels[f])
		}
	}
	if len(missing) > 0 {
		return invalid(requiredByStep[step][0], "Please fill in all required fields: %s", strings.Join(missing, ", "))
	}

	for _, f := range stepFields[step] {
		if !ValidEnum(f, form[f]) {
			return invalid(f, "Invalid value %q for %s", form[f], f)
		}
	}

	switch step {
	case StepDetails:
		return validateDetails(form)
	case StepTreatment:
		if form[CaseType] == "Single Arch" && form[SingleArchType] == "" {
			return invalid(SingleArchType, "Please select which arch to treat")
		}
	case StepClinical:
		if form[Midline] == "" && form[ArchExpansion] == "" {
			return invalid(Midline, MsgClinicalChoiceRequired)
		}
	}
	return nil
}

func validateDetails(form map[string]string) error {
	age, err := strconv.Atoi(strings.TrimSpace(form[Age]))
	if err != nil || age < 1 || age > 120 {
		return invalid(Age, "Please enter a valid age")
	}
	if phone := strings.TrimSpace(form[ContactNumber]); phone != "" {
		if err := ValidatePhone(phone, form[Country]); err != nil {
			return invalid(ContactNumber, "Please enter a valid contact number")
		}
	}
	return nil
}

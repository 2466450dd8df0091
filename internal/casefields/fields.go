// Package casefields defines the vocabulary shared by the patient-record server
// and the wizard client: which fields each wizard step owns, the enumerated
// values a field may take, and the fixed scan-file upload slots.
package casefields

import (
	"sort"
)

// Step identifies one page of the four-step record wizard.
type Step int

const (
	StepDetails   Step = 1
	StepTreatment Step = 2
	StepClinical  Step = 3
	StepScans     Step = 4
)

// FirstStep and LastStep bound the wizard.
const (
	FirstStep = StepDetails
	LastStep  = StepScans
)

// Valid reports whether s is one of the four wizard steps.
func (s Step) Valid() bool {
	return s >= FirstStep && s <= LastStep
}

// Field names owned by step 1.
const (
	PatientName        = "patientName"
	Age                = "age"
	Gender             = "gender"
	ContactNumber      = "contactNumber"
	PastMedicalHistory = "pastMedicalHistory"
	PastDentalHistory  = "pastDentalHistory"
	TreatmentFor       = "treatmentFor"
	Country            = "country"
	State              = "state"
	City               = "city"
	PrimaryAddress     = "primaryAddress"
	ShippingAddress    = "shippingAddress"
	BillingAddress     = "billingAddress"
)

// Field names owned by step 2.
const (
	ChiefComplaint     = "chiefComplaint"
	CaseType           = "caseType"
	SingleArchType     = "singleArchType"
	CaseCategory       = "caseCategory"
	SelectedPrice      = "selectedPrice"
	Extraction         = "extraction"
	ExtractionComments = "extractionComments"
)

// Field names owned by step 3.
const (
	Midline               = "midline"
	MidlineComments       = "midlineComments"
	ArchExpansion         = "archExpansion"
	ArchExpansionComments = "archExpansionComments"
)

// ScanFiles is the only field owned by step 4.
const ScanFiles = "scanFiles"

// Server-managed keys. Clients may read them but never write them.
const (
	KeyID        = "id"
	KeyCaseID    = "caseId"
	KeyOwnerID   = "ownerId"
	KeyStatus    = "status"
	KeyVersion   = "version"
	KeyCreatedAt = "createdAt"
	KeyUpdatedAt = "updatedAt"
)

var stepFields = map[Step][]string{
	StepDetails: {
		PatientName, Age, Gender, ContactNumber, PastMedicalHistory, PastDentalHistory,
		TreatmentFor, Country, State, City, PrimaryAddress, ShippingAddress, BillingAddress,
	},
	StepTreatment: {
		ChiefComplaint, CaseType, SingleArchType, CaseCategory, SelectedPrice,
		Extraction, ExtractionComments,
	},
	StepClinical: {
		Midline, MidlineComments, ArchExpansion, ArchExpansionComments,
	},
	StepScans: {
		ScanFiles,
	},
}

var serverManaged = map[string]bool{
	KeyID: true, KeyCaseID: true, KeyOwnerID: true, KeyStatus: true,
	KeyVersion: true, KeyCreatedAt: true, KeyUpdatedAt: true,
	"_id": true,
}

// FieldsFor returns a copy of the field names owned by step s, in form order.
func FieldsFor(s Step) []string {
	fields := stepFields[s]
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// OwnerOf returns the step owning field, or false for unknown and
// server-managed keys.
func OwnerOf(field string) (Step, bool) {
	for step, fields := range stepFields {
		for _, f := range fields {
			if f == field {
				return step, true
			}
		}
	}
	return 0, false
}

// IsServerManaged reports whether key is assigned by the server only.
func IsServerManaged(key string) bool {
	return serverManaged[key]
}

// AllFields returns every wizard-owned field name, sorted.
func AllFields() []string {
	var out []string
	for _, fields := range stepFields {
		out = append(out, fields...)
	}
	sort.Strings(out)
	return out
}

// Enumerated values. The empty string means "unset" for optional enums.
var (
	GenderValues        = []string{"Male", "Female", "Other"}
	TreatmentForValues  = []string{"Aligner", "Retainer"}
	CaseTypeValues      = []string{"Single Arch", "Double Arch"}
	SingleArchValues    = []string{"Upper", "Lower"}
	CaseCategoryValues  = []string{"Flexi", "Premium", "Elite"}
	ExtractionValues    = []string{"Yes", "No"}
	MidlineValues       = []string{"Move to Left", "Move to Right", "Maintain", "Improve"}
	ArchExpansionValues = []string{"Expand Upper", "Expand Lower", "Expand Both", "No Expansion"}
)

var enums = map[string][]string{
	Gender:         GenderValues,
	TreatmentFor:   TreatmentForValues,
	CaseType:       CaseTypeValues,
	SingleArchType: SingleArchValues,
	CaseCategory:   CaseCategoryValues,
	Extraction:     ExtractionValues,
	Midline:        MidlineValues,
	ArchExpansion:  ArchExpansionValues,
}

// EnumValues returns the allowed values of an enumerated field, or nil when
// the field is free text.
func EnumValues(field string) []string {
	return enums[field]
}

// ValidEnum reports whether value is allowed for field. Empty values and
// free-text fields are always valid here; required-ness is checked per step.
func ValidEnum(field, value string) bool {
	allowed, ok := enums[field]
	if !ok || value == "" {
		return true
	}
	for _, a := range allowed {
		if a == value {
			return true
		}
	}
	return false
}

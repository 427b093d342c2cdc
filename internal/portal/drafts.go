// Package portal holds the typed request models for the portal's three
// workflows and the simulated backends that accept them.
package portal

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Workflow IDs shipped with the portal.
const (
	WorkflowBookAppointment   = "appointments.book"
	WorkflowRefillRequest     = "prescriptions.refill"
	WorkflowWritePrescription = "prescriptions.write"
)

// RefillRequest is a patient's request to refill an existing prescription.
type RefillRequest struct {
	PrescriptionID string `draft:"prescription_id" json:"prescription_id"`
	MedicationName string `draft:"medication_name" json:"medication_name"`
	Dosage         string `draft:"dosage"          json:"dosage"`
	Quantity       int    `draft:"quantity"        json:"quantity"`
	Urgency        string `draft:"urgency"         json:"urgency"`
	DeliveryMethod string `draft:"delivery_method" json:"delivery_method"`
	Notes          string `draft:"notes"           json:"notes,omitempty"`
}

// Validate checks the fields the pharmacy needs.
func (r RefillRequest) Validate() error {
	var errs []error
	if r.PrescriptionID == "" {
		errs = append(errs, errors.New("prescription_id is required"))
	}
	if r.Quantity < 1 {
		errs = append(errs, fmt.Errorf("quantity must be positive, got %d", r.Quantity))
	}
	switch r.Urgency {
	case "routine", "urgent", "emergency":
	default:
		errs = append(errs, fmt.Errorf("unknown urgency %q", r.Urgency))
	}
	return errors.Join(errs...)
}

// AppointmentRequest books one slot with one provider.
type AppointmentRequest struct {
	ProviderID   string    `draft:"provider_id"   json:"provider_id"`
	ProviderName string    `draft:"provider_name" json:"provider_name"`
	SlotID       string    `draft:"slot_id"       json:"slot_id"`
	SlotStart    time.Time `draft:"slot_start"    json:"slot_start"`
	VisitType    string    `draft:"visit_type"    json:"visit_type"`
	Reason       string    `draft:"reason"        json:"reason"`
	FirstVisit   bool      `draft:"first_visit"   json:"first_visit"`
}

// Validate checks the booking is complete.
func (a AppointmentRequest) Validate() error {
	var errs []error
	if a.ProviderID == "" {
		errs = append(errs, errors.New("provider_id is required"))
	}
	if a.SlotID == "" {
		errs = append(errs, errors.New("slot_id is required"))
	}
	if a.SlotStart.IsZero() {
		errs = append(errs, errors.New("slot_start is required"))
	}
	return errors.Join(errs...)
}

// PrescriptionOrder is a new prescription routed to a pharmacy.
type PrescriptionOrder struct {
	PatientID    string `draft:"patient_id"    json:"patient_id"`
	PatientName  string `draft:"patient_name"  json:"patient_name"`
	DateOfBirth  string `draft:"date_of_birth" json:"date_of_birth"`
	Medication   string `draft:"medication"    json:"medication"`
	Dosage       string `draft:"dosage"        json:"dosage"`
	Quantity     int    `draft:"quantity"      json:"quantity"`
	Refills      int    `draft:"refills"       json:"refills"`
	Instructions string `draft:"instructions"  json:"instructions"`
	StartDate    string `draft:"start_date"    json:"start_date"`
	PharmacyID   string `draft:"pharmacy_id"   json:"pharmacy_id"`
	PharmacyName string `draft:"pharmacy_name" json:"pharmacy_name"`
}

// Validate checks the order can be dispensed.
func (p PrescriptionOrder) Validate() error {
	var errs []error
	if p.PatientID == "" {
		errs = append(errs, errors.New("patient_id is required"))
	}
	if p.PharmacyID == "" {
		errs = append(errs, errors.New("pharmacy_id is required"))
	}
	if p.Medication == "" {
		errs = append(errs, errors.New("medication is required"))
	}
	if p.Refills < 0 {
		errs = append(errs, errors.New("refills cannot be negative"))
	}
	return errors.Join(errs...)
}

// DecodeDraft converts a workflow draft into a typed request. Numbers
// arrive as float64 from JSON and are converted to the target kind;
// RFC 3339 strings become time.Time.
func DecodeDraft[T any](draft map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
		WeaklyTypedInput: true,
		TagName:          "draft",
		Result:           &out,
	})
	if err != nil {
		return out, fmt.Errorf("portal: build decoder: %w", err)
	}
	if err := dec.Decode(draft); err != nil {
		return out, fmt.Errorf("portal: decode draft: %w", err)
	}
	return out, nil
}

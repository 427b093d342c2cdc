package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/careportal/internal/config"
	"github.com/pitabwire/careportal/internal/submission"
	"github.com/pitabwire/careportal/model"
)

// Handler and service names the simulator answers to. Listing one of them
// in simulation.fail makes it reject every request.
const (
	HandlerRefills      = "refills.create"
	HandlerAppointments = "appointments.book"
	ServiceEPrescribing = "eprescribing"
)

// ErrSimulatedFailure is returned by handlers configured to fail.
var ErrSimulatedFailure = errors.New("the receiving system is unavailable, please try again")

// Simulator stands in for the pharmacy, scheduling, and e-prescribing
// systems. Every call waits for a fixed delay before answering.
type Simulator struct {
	delay  time.Duration
	fail   []string
	logger *zap.Logger
	newRef func(prefix string) string
}

// NewSimulator builds a simulator from configuration.
func NewSimulator(cfg config.SimulationConfig, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{
		delay:  cfg.Delay,
		fail:   cfg.Fail,
		logger: logger,
		newRef: func(prefix string) string {
			return prefix + "-" + strings.ToUpper(uuid.NewString()[:8])
		},
	}
}

// Register adds the in-process handlers to reg.
func (s *Simulator) Register(reg *submission.HandlerRegistry) {
	reg.Register(submission.HandlerFunc{HandlerName: HandlerRefills, Fn: s.submitRefill})
	reg.Register(submission.HandlerFunc{HandlerName: HandlerAppointments, Fn: s.bookAppointment})
}

func (s *Simulator) submitRefill(ctx context.Context, _ *model.RequestContext, req model.SubmissionRequest) (model.SubmissionResult, error) {
	refill, err := DecodeDraft[RefillRequest](req.Draft)
	if err != nil {
		return model.SubmissionResult{}, err
	}
	if err := refill.Validate(); err != nil {
		return model.SubmissionResult{}, fmt.Errorf("invalid refill request: %w", err)
	}
	if err := s.wait(ctx, HandlerRefills); err != nil {
		return model.SubmissionResult{}, err
	}

	ref := s.newRef("RF")
	s.logger.Info("refill accepted",
		zap.String("reference", ref),
		zap.String("prescription_id", refill.PrescriptionID),
		zap.String("urgency", refill.Urgency),
	)
	return model.SubmissionResult{
		Reference: ref,
		Data: map[string]any{
			"prescription_id": refill.PrescriptionID,
			"delivery_method": refill.DeliveryMethod,
		},
	}, nil
}

func (s *Simulator) bookAppointment(ctx context.Context, _ *model.RequestContext, req model.SubmissionRequest) (model.SubmissionResult, error) {
	appt, err := DecodeDraft[AppointmentRequest](req.Draft)
	if err != nil {
		return model.SubmissionResult{}, err
	}
	if err := appt.Validate(); err != nil {
		return model.SubmissionResult{}, fmt.Errorf("invalid appointment request: %w", err)
	}
	if err := s.wait(ctx, HandlerAppointments); err != nil {
		return model.SubmissionResult{}, err
	}

	ref := s.newRef("AP")
	s.logger.Info("appointment booked",
		zap.String("reference", ref),
		zap.String("provider_id", appt.ProviderID),
		zap.Time("slot_start", appt.SlotStart),
	)
	return model.SubmissionResult{
		Reference: ref,
		Data:      map[string]any{"slot_id": appt.SlotID},
	}, nil
}

// wait sleeps for the configured delay, honouring cancellation, then
// applies the configured failure.
func (s *Simulator) wait(ctx context.Context, name string) error {
	if s.delay > 0 {
		t := time.NewTimer(s.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if slices.Contains(s.fail, name) {
		s.logger.Warn("simulated failure", zap.String("handler", name))
		return ErrSimulatedFailure
	}
	return nil
}

// EPrescribingService returns an HTTP handler that accepts prescription
// orders at POST /v1/prescriptions, in the shape the http submitter sends.
func (s *Simulator) EPrescribingService() http.Handler {
	mux := chi.NewRouter()
	mux.Post("/v1/prescriptions", func(w http.ResponseWriter, r *http.Request) {
		var req model.SubmissionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "malformed request body"})
			return
		}
		order, err := DecodeDraft[PrescriptionOrder](req.Draft)
		if err == nil {
			err = order.Validate()
		}
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": err.Error()})
			return
		}
		if err := s.wait(r.Context(), ServiceEPrescribing); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": err.Error()})
			return
		}

		ref := s.newRef("ERX")
		s.logger.Info("prescription routed",
			zap.String("reference", ref),
			zap.String("pharmacy_id", order.PharmacyID),
			zap.String("idempotency_key", r.Header.Get("Idempotency-Key")),
		)
		writeJSON(w, http.StatusCreated, map[string]any{
			"reference":   ref,
			"pharmacy_id": order.PharmacyID,
		})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

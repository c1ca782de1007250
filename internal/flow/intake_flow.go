package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CallFlow/internal/lookup"
	"github.com/BTreeMap/CallFlow/internal/models"
)

// verifiedBirthday is the date of birth on file for the demo patient record.
const verifiedBirthday = "1983-01-01"

// WeatherLookup is the weather service boundary for the intake flow's
// small-talk assist tool.
type WeatherLookup interface {
	Current(ctx context.Context, latitude, longitude float64) (*lookup.WeatherReport, error)
}

// IntakeRecord accumulates the caller's verified identity and answers over
// the intake conversation. Access is serialized by the engine's turn
// processing.
type IntakeRecord struct {
	Birthday      string                `json:"birthday"`
	Prescriptions []models.Prescription `json:"prescriptions"`
	Allergies     []string              `json:"allergies"`
	Conditions    []string              `json:"conditions"`
	VisitReasons  []string              `json:"visit_reasons"`
}

// Verified reports whether the caller's identity was established.
func (r *IntakeRecord) Verified() bool {
	return r.Birthday != ""
}

// NewIntakeDefinition builds the patient intake flow for one session. The
// weather lookup may be nil, in which case the get_weather tool reports
// unavailability.
func NewIntakeDefinition(weather WeatherLookup) (*Definition, *IntakeRecord, error) {
	record := &IntakeRecord{}
	dispatcher := NewDispatcher()

	handlers := map[string]ToolHandler{
		"verify_birthday": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			var params models.VerifyBirthdayParams
			if err := json.Unmarshal(args, &params); err != nil {
				return HandlerOutcome{Success: false, Response: "The birthday could not be understood."}, nil
			}
			if err := params.Validate(); err != nil {
				return HandlerOutcome{Success: false, Response: fmt.Sprintf("The birthday is invalid: %s.", err.Error())}, nil
			}
			if params.Birthday != verifiedBirthday {
				slog.Info("flow.intake: identity verification failed")
				return HandlerOutcome{Success: false, Response: "The birthday does not match our records. Identity could not be verified."}, nil
			}
			record.Birthday = params.Birthday
			slog.Info("flow.intake: identity verified")
			return HandlerOutcome{Success: true, Response: "Identity verified."}, nil
		},
		"get_weather": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			var params models.WeatherParams
			if err := json.Unmarshal(args, &params); err != nil {
				return HandlerOutcome{Success: false, Response: "The location could not be understood."}, nil
			}
			if err := params.Validate(); err != nil {
				return HandlerOutcome{Success: false, Response: "Those coordinates are not valid."}, nil
			}
			if weather == nil {
				return HandlerOutcome{Success: false, Response: "Weather information is not available right now."}, nil
			}
			report, err := weather.Current(ctx, params.Latitude, params.Longitude)
			if err != nil {
				slog.Warn("flow.intake: weather lookup failed", "error", err)
				return HandlerOutcome{Success: false, Response: "Weather information is not available right now."}, nil
			}
			return HandlerOutcome{
				Success: true,
				Response: fmt.Sprintf("Currently %s, %.0f degrees (feels like %.0f), humidity %.0f percent, wind %.0f km/h.",
					report.Description, report.TemperatureC, report.FeelsLikeC, report.HumidityPct, report.WindSpeedKmh),
			}, nil
		},
		"list_prescriptions": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			var params models.ListPrescriptionsParams
			if err := json.Unmarshal(args, &params); err != nil {
				return HandlerOutcome{Success: false, Response: "The prescription list could not be understood."}, nil
			}
			if err := params.Validate(); err != nil {
				return HandlerOutcome{Success: false, Response: fmt.Sprintf("The prescription list is invalid: %s.", err.Error())}, nil
			}
			record.Prescriptions = params.Prescriptions
			slog.Debug("flow.intake: prescriptions recorded", "count", len(params.Prescriptions))
			return HandlerOutcome{Success: true, Response: fmt.Sprintf("Recorded %d prescriptions.", len(params.Prescriptions))}, nil
		},
		"list_allergies": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			var params models.ListAllergiesParams
			if err := json.Unmarshal(args, &params); err != nil {
				return HandlerOutcome{Success: false, Response: "The allergy list could not be understood."}, nil
			}
			record.Allergies = params.Allergies
			slog.Debug("flow.intake: allergies recorded", "count", len(params.Allergies))
			return HandlerOutcome{Success: true, Response: fmt.Sprintf("Recorded %d allergies.", len(params.Allergies))}, nil
		},
		"list_conditions": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			var params models.ListConditionsParams
			if err := json.Unmarshal(args, &params); err != nil {
				return HandlerOutcome{Success: false, Response: "The condition list could not be understood."}, nil
			}
			record.Conditions = params.Conditions
			slog.Debug("flow.intake: conditions recorded", "count", len(params.Conditions))
			return HandlerOutcome{Success: true, Response: fmt.Sprintf("Recorded %d conditions.", len(params.Conditions))}, nil
		},
		"list_visit_reasons": func(ctx context.Context, args json.RawMessage) (HandlerOutcome, error) {
			var params models.ListVisitReasonsParams
			if err := json.Unmarshal(args, &params); err != nil {
				return HandlerOutcome{Success: false, Response: "The visit reasons could not be understood."}, nil
			}
			record.VisitReasons = params.VisitReasons
			slog.Debug("flow.intake: visit reasons recorded", "count", len(params.VisitReasons))
			return HandlerOutcome{Success: true, Response: fmt.Sprintf("Recorded %d visit reasons.", len(params.VisitReasons))}, nil
		},
	}
	for name, handler := range handlers {
		if err := dispatcher.Register(name, handler); err != nil {
			return nil, nil, fmt.Errorf("failed to register intake tool: %w", err)
		}
	}

	weatherTool := ToolSchema{
		Name:        "get_weather",
		Description: "Look up current weather conditions for a location if the caller asks.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"latitude": map[string]interface{}{
					"type":        "number",
					"description": "Latitude in decimal degrees",
				},
				"longitude": map[string]interface{}{
					"type":        "number",
					"description": "Longitude in decimal degrees",
				},
			},
			"required": []string{"latitude", "longitude"},
		},
	}

	stringListParams := func(field, description string) map[string]interface{} {
		return map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				field: map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": description,
				},
			},
			"required": []string{field},
		}
	}

	nodes := []*Node{
		{
			ID: "start",
			TaskMessages: []string{
				"Introduce yourself as the clinic's intake assistant. Before discussing anything medical, ask the caller for their date of birth to verify their identity. Do not proceed until verification succeeds.",
			},
			Tools: []ToolSchema{
				{
					Name:        "verify_birthday",
					Description: "Verify the caller's identity using their date of birth.",
					Parameters: map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"birthday": map[string]interface{}{
								"type":        "string",
								"description": "Date of birth in YYYY-MM-DD format",
							},
						},
						"required": []string{"birthday"},
					},
					Transition: "prescriptions",
				},
				weatherTool,
			},
		},
		{
			ID: "prescriptions",
			TaskMessages: []string{
				"Ask what medications the caller is currently taking, including the dosage of each. Record them with the tool; record an empty list if they take none.",
			},
			Tools: []ToolSchema{
				{
					Name:        "list_prescriptions",
					Description: "Record the caller's current medications and dosages.",
					Parameters: map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"prescriptions": map[string]interface{}{
								"type": "array",
								"items": map[string]interface{}{
									"type": "object",
									"properties": map[string]interface{}{
										"medication": map[string]interface{}{"type": "string", "description": "Medication name"},
										"dosage":     map[string]interface{}{"type": "string", "description": "Dosage as stated"},
									},
									"required": []string{"medication", "dosage"},
								},
								"description": "The caller's current medications",
							},
						},
						"required": []string{"prescriptions"},
					},
					Transition: "allergies",
				},
				weatherTool,
			},
		},
		{
			ID: "allergies",
			TaskMessages: []string{
				"Ask whether the caller has any allergies. Record them with the tool; record an empty list if they have none.",
			},
			Tools: []ToolSchema{
				{
					Name:        "list_allergies",
					Description: "Record the caller's allergies.",
					Parameters:  stringListParams("allergies", "The caller's allergies"),
					Transition:  "conditions",
				},
				weatherTool,
			},
		},
		{
			ID: "conditions",
			TaskMessages: []string{
				"Ask whether the caller has any existing medical conditions. Record them with the tool; record an empty list if they have none.",
			},
			Tools: []ToolSchema{
				{
					Name:        "list_conditions",
					Description: "Record the caller's medical conditions.",
					Parameters:  stringListParams("conditions", "The caller's medical conditions"),
					Transition:  "visit_reasons",
				},
				weatherTool,
			},
		},
		{
			ID: "visit_reasons",
			TaskMessages: []string{
				"Ask why the caller is seeing the doctor today. Record the reasons with the tool.",
			},
			Tools: []ToolSchema{
				{
					Name:        "list_visit_reasons",
					Description: "Record the reasons for today's visit.",
					Parameters:  stringListParams("visit_reasons", "The reasons for today's visit"),
					Transition:  "end",
				},
				weatherTool,
			},
		},
		{
			ID: "end",
			TaskMessages: []string{
				"Thank the caller for answering the intake questions and let them know the care team has everything they need.",
			},
			EphemeralTaskMessages: []string{
				"The intake answers have been recorded in the clinic system. Do not repeat them back.",
			},
			PostActions: []Action{
				{Kind: ActionAnnounce, Text: "Thank you. The care team will see you shortly."},
				{Kind: ActionTerminate, GraceDelay: 3 * time.Second},
			},
		},
	}

	roleMessages := []string{
		"You are a calm, professional intake assistant for a medical clinic, speaking with a patient over the phone. Keep replies short and natural for speech. Never give medical advice. Collect only what the tools record.",
	}

	graph, err := NewGraph(roleMessages, "start", nodes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build intake graph: %w", err)
	}

	return &Definition{Graph: graph, Dispatcher: dispatcher}, record, nil
}

package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BTreeMap/CallFlow/internal/genai"
	"github.com/BTreeMap/CallFlow/internal/lookup"
)

// stubWeather returns a fixed report or a fixed error.
type stubWeather struct {
	report *lookup.WeatherReport
	err    error
}

func (w *stubWeather) Current(ctx context.Context, latitude, longitude float64) (*lookup.WeatherReport, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.report, nil
}

func TestIntakeFlowIdentityGate(t *testing.T) {
	def, record, err := NewIntakeDefinition(nil)
	if err != nil {
		t.Fatalf("NewIntakeDefinition failed: %v", err)
	}

	client := &scriptedClient{replies: []*genai.ToolCallResponse{
		contentReply("Hello, may I have your date of birth?"),
		// Wrong birthday: verification fails, the conversation stays put.
		toolReply("call_1", "verify_birthday", `{"birthday":"1990-05-05"}`),
		contentReply("That does not match our records. Could you check the date?"),
		// Correct birthday: verification succeeds and intake proceeds.
		toolReply("call_2", "verify_birthday", `{"birthday":"1983-01-01"}`),
		contentReply("Thank you, you are verified. What medications are you taking?"),
	}}

	engine, err := NewEngine(EngineConfig{
		SessionID:  "s_intake",
		Graph:      def.Graph,
		Dispatcher: def.Dispatcher,
		Client:     client,
		Timer:      newManualTimer(),
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if _, err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if _, err := engine.ProcessUserMessage(context.Background(), "May fifth, 1990."); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if engine.CurrentNodeID() != "start" {
		t.Errorf("failed verification must not advance, got node %s", engine.CurrentNodeID())
	}
	if record.Verified() {
		t.Error("record must not be verified after a mismatch")
	}

	if _, err := engine.ProcessUserMessage(context.Background(), "January first, 1983."); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if engine.CurrentNodeID() != "prescriptions" {
		t.Errorf("expected prescriptions node after verification, got %s", engine.CurrentNodeID())
	}
	if !record.Verified() {
		t.Error("record must be verified")
	}

	// The prescriptions node exposes its own tools, not the identity gate.
	names := make(map[string]bool)
	for _, tool := range engine.Context().ActiveTools() {
		names[tool.Name] = true
	}
	if !names["list_prescriptions"] || names["verify_birthday"] {
		t.Errorf("unexpected active tool set: %v", names)
	}
}

func TestIntakeFlowFullConversation(t *testing.T) {
	weather := &stubWeather{report: &lookup.WeatherReport{
		TemperatureC: 21, FeelsLikeC: 20, Description: "partly cloudy", HumidityPct: 40, WindSpeedKmh: 12,
	}}
	def, record, err := NewIntakeDefinition(weather)
	if err != nil {
		t.Fatalf("NewIntakeDefinition failed: %v", err)
	}

	client := &scriptedClient{replies: []*genai.ToolCallResponse{
		contentReply("Hello, may I have your date of birth?"),
		toolReply("call_1", "verify_birthday", `{"birthday":"1983-01-01"}`),
		contentReply("Verified. What medications are you taking?"),
		// Small talk: the weather tool is available mid-intake without
		// derailing the flow.
		toolReply("call_2", "get_weather", `{"latitude":32.1,"longitude":34.8}`),
		contentReply("It is partly cloudy, 21 degrees. Now, your medications?"),
		toolReply("call_3", "list_prescriptions", `{"prescriptions":[{"medication":"metformin","dosage":"500mg twice daily"}]}`),
		contentReply("Noted. Any allergies?"),
		toolReply("call_4", "list_allergies", `{"allergies":["penicillin"]}`),
		contentReply("Noted. Any existing conditions?"),
		toolReply("call_5", "list_conditions", `{"conditions":[]}`),
		contentReply("Noted. What brings you in today?"),
		toolReply("call_6", "list_visit_reasons", `{"visit_reasons":["persistent cough"]}`),
		contentReply("Thank you, the care team has everything they need."),
	}}
	timer := newManualTimer()
	sink := &captureSink{}

	engine, err := NewEngine(EngineConfig{
		SessionID:  "s_intake",
		Graph:      def.Graph,
		Dispatcher: def.Dispatcher,
		Client:     client,
		Timer:      timer,
		Sink:       sink,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if _, err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	turns := []string{
		"January first, 1983.",
		"How is the weather over there?",
		"I take metformin, 500 milligrams twice a day.",
		"I'm allergic to penicillin.",
		"No conditions.",
		"I have a cough that won't go away.",
	}
	for _, turn := range turns {
		if _, err := engine.ProcessUserMessage(context.Background(), turn); err != nil {
			t.Fatalf("turn %q failed: %v", turn, err)
		}
	}

	if engine.CurrentNodeID() != "end" {
		t.Errorf("expected end node, got %s", engine.CurrentNodeID())
	}
	if len(record.Prescriptions) != 1 || record.Prescriptions[0].Medication != "metformin" {
		t.Errorf("prescriptions not recorded: %+v", record.Prescriptions)
	}
	if len(record.Allergies) != 1 || record.Allergies[0] != "penicillin" {
		t.Errorf("allergies not recorded: %+v", record.Allergies)
	}
	if len(record.Conditions) != 0 {
		t.Errorf("expected empty conditions, got %+v", record.Conditions)
	}
	if len(record.VisitReasons) != 1 {
		t.Errorf("visit reasons not recorded: %+v", record.VisitReasons)
	}

	timer.fireAll()
	if engine.State() != EngineEnded {
		t.Errorf("expected ended state, got %s", engine.State())
	}

	// The save notice injected at the end node never reaches storage.
	for _, msg := range sink.messages {
		if strings.Contains(msg.Content, "Do not repeat them back") {
			t.Error("ephemeral save notice leaked into persisted transcript")
		}
	}
}

func TestIntakeFlowWeatherUnavailable(t *testing.T) {
	def, _, err := NewIntakeDefinition(&stubWeather{err: errors.New("upstream timeout")})
	if err != nil {
		t.Fatalf("NewIntakeDefinition failed: %v", err)
	}

	outcome := dispatchByName(t, def, "get_weather", `{"latitude":32.1,"longitude":34.8}`, "start")
	if outcome.Success {
		t.Error("weather failure must produce a failed outcome")
	}
	if !strings.Contains(outcome.Response, "not available") {
		t.Errorf("unexpected response: %q", outcome.Response)
	}
}

func TestIntakeFlowWeatherNilService(t *testing.T) {
	def, _, err := NewIntakeDefinition(nil)
	if err != nil {
		t.Fatalf("NewIntakeDefinition failed: %v", err)
	}

	outcome := dispatchByName(t, def, "get_weather", `{"latitude":32.1,"longitude":34.8}`, "prescriptions")
	if outcome.Success {
		t.Error("nil weather service must produce a failed outcome")
	}
}

func TestIntakeFlowInvalidBirthdayFormat(t *testing.T) {
	def, record, err := NewIntakeDefinition(nil)
	if err != nil {
		t.Fatalf("NewIntakeDefinition failed: %v", err)
	}

	outcome := dispatchByName(t, def, "verify_birthday", `{"birthday":"01/01/1983"}`, "start")
	if outcome.Success {
		t.Error("malformed birthday must fail")
	}
	if record.Verified() {
		t.Error("record must not be verified")
	}
}

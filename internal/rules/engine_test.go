package rules

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/opensource-finance/splitguard/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewFlagEngine(nil, 5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if engine.RulesCount() != len(BuiltinRules()) {
		t.Errorf("expected %d builtin rules, got %d", len(BuiltinRules()), engine.RulesCount())
	}
}

func TestNoFlagsForQuietDecision(t *testing.T) {
	engine, _ := NewFlagEngine(nil, 5)

	flags := engine.Evaluate(context.Background(), &FlagInput{
		Anomaly:  domain.ScoreResult{Score: 20},
		Pattern:  domain.ScoreResult{Score: 10, RawScore: 0.1},
		Features: map[string]float64{"is_night": 0, "is_large_amount": 0},
	})
	if len(flags) != 0 {
		t.Errorf("expected no flags, got %v", flags)
	}
}

func TestBuiltinFlagOrder(t *testing.T) {
	engine, _ := NewFlagEngine(nil, 2)

	flags := engine.Evaluate(context.Background(), &FlagInput{
		Anomaly: domain.ScoreResult{Score: 85, Label: true},
		Pattern: domain.ScoreResult{Score: 90, RawScore: 0.9, Label: true},
		Features: map[string]float64{
			"is_new_user":           1,
			"is_rapid_creation":     1,
			"is_night":              1,
			"is_large_amount":       1,
			"is_single_participant": 1,
		},
	})

	want := []string{
		"anomalous_behavior", "high_anomaly_score",
		"suspicious_pattern_detected", "high_fraud_probability",
		"new_user", "rapid_split_creation", "night_time_activity", "large_amount", "single_participant_split",
	}
	if !reflect.DeepEqual(flags, want) {
		t.Errorf("unexpected flags:\n got  %v\n want %v", flags, want)
	}
}

func TestNightLargeSingleParticipantSplit(t *testing.T) {
	engine, _ := NewFlagEngine(nil, 5)

	flags := engine.Evaluate(context.Background(), &FlagInput{
		Anomaly: domain.ScoreResult{Score: 40},
		Pattern: domain.ScoreResult{Score: 30, RawScore: 0.3},
		Features: map[string]float64{
			"is_night":              1,
			"is_large_amount":       1,
			"is_single_participant": 1,
		},
	})

	want := []string{"night_time_activity", "large_amount", "single_participant_split"}
	if !reflect.DeepEqual(flags, want) {
		t.Errorf("got %v, want %v", flags, want)
	}
}

func TestPaymentOnlyFlags(t *testing.T) {
	engine, _ := NewFlagEngine(nil, 5)
	features := map[string]float64{
		"is_immediate_payment":       1,
		"is_delayed_payment":         0,
		"hours_since_split_creation": 0.05,
	}

	t.Run("payment", func(t *testing.T) {
		flags := engine.Evaluate(context.Background(), &FlagInput{Features: features, IsPayment: true})
		want := []string{"immediate_payment", "instant_payment_after_creation"}
		if !reflect.DeepEqual(flags, want) {
			t.Errorf("got %v, want %v", flags, want)
		}
	})

	t.Run("split ignores payment rules", func(t *testing.T) {
		flags := engine.Evaluate(context.Background(), &FlagInput{Features: features})
		if len(flags) != 0 {
			t.Errorf("expected no flags for a split, got %v", flags)
		}
	})

	t.Run("missing creation time reads as zero", func(t *testing.T) {
		flags := engine.Evaluate(context.Background(), &FlagInput{
			Features:  map[string]float64{"is_immediate_payment": 0},
			IsPayment: true,
		})
		want := []string{"instant_payment_after_creation"}
		if !reflect.DeepEqual(flags, want) {
			t.Errorf("got %v, want %v", flags, want)
		}
	})

	t.Run("late payment does not fire", func(t *testing.T) {
		flags := engine.Evaluate(context.Background(), &FlagInput{
			Features:  map[string]float64{"hours_since_split_creation": 30},
			IsPayment: true,
		})
		if len(flags) != 0 {
			t.Errorf("expected no flags, got %v", flags)
		}
	})
}

func TestCustomRulesAppendInOrder(t *testing.T) {
	engine, err := NewFlagEngine([]domain.FlagRuleConfig{
		{Name: "huge_group", Expression: "features['participant_count'] > 50.0"},
		{Name: "confident_anomaly", Expression: "anomaly.confidence >= 0.9"},
	}, 5)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	flags := engine.Evaluate(context.Background(), &FlagInput{
		Anomaly:  domain.ScoreResult{Score: 30, Confidence: 0.95},
		Features: map[string]float64{"participant_count": 60, "is_large_amount": 1},
	})

	want := []string{"large_amount", "huge_group", "confident_anomaly"}
	if !reflect.DeepEqual(flags, want) {
		t.Errorf("got %v, want %v", flags, want)
	}
}

func TestRuntimeErrorDoesNotFire(t *testing.T) {
	engine, _ := NewFlagEngine([]domain.FlagRuleConfig{
		{Name: "missing_key", Expression: "features['not_there'] > 1.0"},
	}, 5)

	flags := engine.Evaluate(context.Background(), &FlagInput{Features: map[string]float64{}})
	if len(flags) != 0 {
		t.Errorf("expected no flags, got %v", flags)
	}
}

func TestInvalidRules(t *testing.T) {
	tests := []struct {
		name string
		rule domain.FlagRuleConfig
	}{
		{"syntax", domain.FlagRuleConfig{Name: "bad", Expression: "this is not valid CEL !!!"}},
		{"non bool", domain.FlagRuleConfig{Name: "num", Expression: "anomaly.score + 1.0"}},
		{"duplicate builtin", domain.FlagRuleConfig{Name: "large_amount", Expression: "true"}},
		{"unnamed", domain.FlagRuleConfig{Expression: "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFlagEngine([]domain.FlagRuleConfig{tt.rule}, 5)
			if !errors.Is(err, domain.ErrInvalidConfiguration) {
				t.Errorf("expected ErrInvalidConfiguration, got %v", err)
			}
		})
	}
}

func TestDeterministicUnderConcurrency(t *testing.T) {
	var custom []domain.FlagRuleConfig
	for i := 0; i < 20; i++ {
		custom = append(custom, domain.FlagRuleConfig{
			Name:       fmt.Sprintf("rule_%02d", i),
			Expression: fmt.Sprintf("anomaly.score > %d.0", i*5),
		})
	}
	engine, err := NewFlagEngine(custom, 3)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	input := &FlagInput{Anomaly: domain.ScoreResult{Score: 52}}
	first := engine.Evaluate(context.Background(), input)
	for i := 0; i < 50; i++ {
		if got := engine.Evaluate(context.Background(), input); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d: flags changed from %v to %v", i, first, got)
		}
	}
	// rule_00..rule_10 have thresholds 0..50
	if len(first) != 11 {
		t.Errorf("expected 11 flags, got %d: %v", len(first), first)
	}
}

func TestEvaluateIgnoresCancellation(t *testing.T) {
	engine, _ := NewFlagEngine(nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	flags := engine.Evaluate(ctx, &FlagInput{Features: map[string]float64{
		"is_night":              1,
		"is_large_amount":       1,
		"is_single_participant": 1,
	}})
	want := []string{"night_time_activity", "large_amount", "single_participant_split"}
	if !reflect.DeepEqual(flags, want) {
		t.Errorf("got %v, want %v", flags, want)
	}
}

package rules

import "github.com/opensource-finance/splitguard/internal/domain"

// BuiltinRules returns the fixed flag rules in the order flags are reported.
func BuiltinRules() []domain.FlagRuleConfig {
	return []domain.FlagRuleConfig{
		{Name: "anomalous_behavior", Expression: `anomaly.label == true`},
		{Name: "high_anomaly_score", Expression: `anomaly.score > 70.0`},
		{Name: "suspicious_pattern_detected", Expression: `pattern.label == true`},
		{Name: "high_fraud_probability", Expression: `pattern.raw_score > 0.7`},
		{Name: "new_user", Expression: featureAbove("is_new_user")},
		{Name: "rapid_split_creation", Expression: featureAbove("is_rapid_creation")},
		{Name: "night_time_activity", Expression: featureAbove("is_night")},
		{Name: "large_amount", Expression: featureAbove("is_large_amount")},
		{Name: "single_participant_split", Expression: featureAbove("is_single_participant")},
		{Name: "immediate_payment", Expression: `is_payment && ` + featureAbove("is_immediate_payment")},
		{Name: "delayed_payment", Expression: `is_payment && ` + featureAbove("is_delayed_payment")},
		{Name: "instant_payment_after_creation", Expression: `is_payment && ` + featureBelow("hours_since_split_creation", "0.1")},
	}
}

func featureAbove(name string) string {
	return `('` + name + `' in features && features['` + name + `'] > 0.5)`
}

// featureBelow reads an absent feature as 0, matching the extractors' zero fill.
func featureBelow(name, limit string) string {
	return `(!('` + name + `' in features) || features['` + name + `'] < ` + limit + `)`
}

package registry

import (
	"fmt"
	"math"
	"regexp"

	mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"
)

// identifierPattern keeps ids usable as single MQTT topic levels and NATS subject tokens
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

const maxNameLength = 255

// ValidateIdentifier checks an externalDeviceId or mallId
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return &mqtmodels.ValidationError{Field: field, Message: "is required"}
	}
	if !identifierPattern.MatchString(value) {
		return &mqtmodels.ValidationError{Field: field, Message: fmt.Sprintf("%q must match %s", value, identifierPattern)}
	}
	return nil
}

func validateRequest(req RegisterDeviceRequest) error {
	if err := ValidateIdentifier("externalDeviceId", req.ExternalDeviceID); err != nil {
		return err
	}
	if err := ValidateIdentifier("mallId", req.MallID); err != nil {
		return err
	}
	if req.Name == "" {
		return &mqtmodels.ValidationError{Field: "name", Message: "is required"}
	}
	if len(req.Name) > maxNameLength {
		return &mqtmodels.ValidationError{Field: "name", Message: fmt.Sprintf("longer than %d characters", maxNameLength)}
	}
	if !req.Kind.Valid() {
		return &mqtmodels.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown device kind %q", req.Kind)}
	}
	return validateConfiguration(req.Configuration)
}

func validateConfiguration(cfg mqtmodels.DeviceConfiguration) error {
	for sensorType, threshold := range cfg.Alerts {
		field := "configuration.alerts." + sensorType
		if sensorType == "" {
			return &mqtmodels.ValidationError{Field: "configuration.alerts", Message: "empty sensor type"}
		}
		if threshold.Min == nil && threshold.Max == nil {
			return &mqtmodels.ValidationError{Field: field, Message: "needs min or max"}
		}
		for _, bound := range []*float64{threshold.Min, threshold.Max} {
			if bound != nil && (math.IsNaN(*bound) || math.IsInf(*bound, 0)) {
				return &mqtmodels.ValidationError{Field: field, Message: "bounds must be finite"}
			}
		}
		if threshold.Min != nil && threshold.Max != nil && *threshold.Min > *threshold.Max {
			return &mqtmodels.ValidationError{Field: field, Message: "min is greater than max"}
		}
		if threshold.Severity != "" && !threshold.Severity.Valid() {
			return &mqtmodels.ValidationError{Field: field + ".severity", Message: fmt.Sprintf("unknown severity %q", threshold.Severity)}
		}
	}
	return nil
}

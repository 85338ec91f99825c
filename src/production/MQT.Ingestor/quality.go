package mqtingestor

import mqtmodels "github.com/deerfields/molls-sub000/src/production/MQT.Models"

// AssessQuality rates one sample. A missing value is an error reading;
// otherwise the reported confidence decides, defaulting to good.
func AssessQuality(value SensorValue, confidence *float64) mqtmodels.Quality {
	if value.Kind == ValueAbsent {
		return mqtmodels.QualityError
	}
	if confidence == nil {
		return mqtmodels.QualityGood
	}
	switch c := *confidence; {
	case c > 0.9:
		return mqtmodels.QualityExcellent
	case c > 0.7:
		return mqtmodels.QualityGood
	case c > 0.5:
		return mqtmodels.QualityFair
	default:
		return mqtmodels.QualityPoor
	}
}

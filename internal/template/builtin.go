package template

func ptr(v float64) *float64 { return &v }

// Builtin returns the built-in message templates keyed by name.
func Builtin() map[string]*Template {
	return map[string]*Template{
		"temperature_sensor": {
			Name:        "temperature_sensor",
			Description: "Temperature and humidity sensor",
			Fields: []Field{
				{
					Name: "temperature", Type: TypeFloat, Pattern: PatternSine,
					Mean: 22.5, Amplitude: 10, Period: 60,
				},
				{
					Name: "humidity", Type: TypeFloat, Pattern: PatternGaussian,
					Mean: 55, StdDev: 10, Min: ptr(30), Max: ptr(80),
				},
			},
		},
		"motion_sensor": {
			Name:        "motion_sensor",
			Description: "Motion detection sensor",
			Fields: []Field{
				{Name: "motion_detected", Type: TypeBool, Pattern: PatternRandom},
				{Name: "confidence", Type: TypeFloat, Pattern: PatternRandom, Min: ptr(0), Max: ptr(1)},
			},
		},
	}
}

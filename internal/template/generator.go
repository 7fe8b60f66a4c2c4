package template

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Generator produces payloads from a template on behalf of one device.
// Each field keeps its own random stream so that two generators built for
// the same device ID emit identical sequences for identical tick inputs.
type Generator struct {
	tmpl   *Template
	states []fieldState
	now    func() time.Time
}

type fieldState struct {
	rng *rand.Rand
}

// NewGenerator validates the template and seeds per-field random streams
// from the device ID.
func NewGenerator(tmpl *Template, deviceID string) (*Generator, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	seed := deviceSeed(deviceID)
	states := make([]fieldState, len(tmpl.Fields))
	for i := range states {
		states[i].rng = rand.New(rand.NewSource(seed + int64(i)))
	}
	return &Generator{tmpl: tmpl, states: states, now: time.Now}, nil
}

// SetClock overrides the wall clock used for timestamp fields.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// Template returns the template this generator was built from.
func (g *Generator) Template() *Template { return g.tmpl }

// Next produces the payload for the given tick and advances field state.
func (g *Generator) Next(tick int64) (map[string]any, error) {
	payload := make(map[string]any, len(g.tmpl.Fields)+1)
	for i := range g.tmpl.Fields {
		f := &g.tmpl.Fields[i]
		v, err := g.fieldValue(f, &g.states[i], tick)
		if err != nil {
			return nil, err
		}
		payload[f.Name] = v
	}
	// Payloads always carry a timestamp, whether or not the template
	// declares one.
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = g.now().UTC().Format(time.RFC3339Nano)
	}
	return payload, nil
}

func (g *Generator) fieldValue(f *Field, st *fieldState, tick int64) (any, error) {
	switch f.Type {
	case TypeTimestamp:
		return g.now().UTC().Format(time.RFC3339Nano), nil
	case TypeUUID:
		id, err := uuid.NewRandomFromReader(rngReader{st.rng})
		if err != nil {
			return nil, err
		}
		return id.String(), nil
	case TypeLocation:
		return map[string]float64{
			"latitude":  st.rng.Float64()*180 - 90,
			"longitude": st.rng.Float64()*360 - 180,
		}, nil
	case TypeBool:
		if f.Pattern == PatternConstant {
			b, _ := f.Constant.(bool)
			return b, nil
		}
		return st.rng.Intn(2) == 1, nil
	case TypeString:
		return g.stringValue(f, st, tick), nil
	case TypeInt, TypeFloat:
		v := g.numericValue(f, st, tick)
		if f.Type == TypeInt {
			return int64(v), nil
		}
		return math.Round(v*100) / 100, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFieldType, f.Type)
}

func (g *Generator) stringValue(f *Field, st *fieldState, tick int64) string {
	switch f.Pattern {
	case PatternConstant:
		if s, ok := f.Constant.(string); ok {
			return s
		}
		return ""
	case PatternRandom:
		if len(f.Choices) > 0 {
			return f.Choices[st.rng.Intn(len(f.Choices))]
		}
		return fmt.Sprintf("value_%d", st.rng.Intn(1000)+1)
	default:
		return fmt.Sprintf("%s_%d", f.Name, tick)
	}
}

func (g *Generator) numericValue(f *Field, st *fieldState, tick int64) float64 {
	var v float64
	switch f.Pattern {
	case PatternConstant:
		v = toFloat(f.Constant)
	case PatternRandom:
		lo, hi := bounds(f, 0, 100)
		v = lo + st.rng.Float64()*(hi-lo)
	case PatternSine:
		v = f.Mean + f.Amplitude*math.Sin(2*math.Pi*float64(tick)/f.Period)
	case PatternLinear:
		base := 0.0
		if f.Min != nil {
			base = *f.Min
		}
		v = base + f.Slope*float64(tick)
		if f.Min != nil && f.Max != nil && *f.Max > *f.Min {
			span := *f.Max - *f.Min
			v = *f.Min + math.Mod(v-*f.Min, span)
			if v < *f.Min {
				v += span
			}
		}
	case PatternGaussian:
		v = f.Mean + st.rng.NormFloat64()*f.StdDev
		if f.Min != nil && v < *f.Min {
			v = *f.Min
		}
		if f.Max != nil && v > *f.Max {
			v = *f.Max
		}
	}
	return v
}

func bounds(f *Field, defLo, defHi float64) (float64, float64) {
	lo, hi := defLo, defHi
	if f.Min != nil {
		lo = *f.Min
	}
	if f.Max != nil {
		hi = *f.Max
	}
	return lo, hi
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

func deviceSeed(deviceID string) int64 {
	h := fnv.New64a()
	h.Write([]byte(deviceID))
	return int64(h.Sum64())
}

// rngReader adapts a math/rand stream to io.Reader for UUID generation.
type rngReader struct{ r *rand.Rand }

func (rr rngReader) Read(p []byte) (int, error) {
	var buf [8]byte
	for i := 0; i < len(p); i += 8 {
		binary.LittleEndian.PutUint64(buf[:], rr.r.Uint64())
		copy(p[i:], buf[:])
	}
	return len(p), nil
}

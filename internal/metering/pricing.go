package metering

import (
	"fmt"
	"math"
	"math/big"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Multipliers are kept in thousandths so the cost ceiling is computed on integers.
const milli = 1000

var defaultMultipliers = map[string]float64{
	"gpt-4o-mini":       1,
	"gpt-4o":            15,
	"gpt-4.1":           12,
	"gpt-4.1-mini":      2,
	"gpt-4.1-nano":      0.5,
	"o3-mini":           5,
	"claude-3-5-sonnet": 18,
	"claude-3-haiku":    1.5,
	"gemini-1.5-flash":  0.5,
	"gemini-1.5-pro":    8,
}

// Pricing maps model ids to credit multipliers per 1000 tokens.
type Pricing struct {
	models map[string]int64
	def    int64
}

type pricingFile struct {
	Default *float64           `yaml:"default"`
	Models  map[string]float64 `yaml:"models"`
}

func DefaultPricing() *Pricing {
	p := &Pricing{models: map[string]int64{}, def: milli}
	for m, f := range defaultMultipliers {
		p.models[m] = toMilli(f)
	}
	return p
}

// LoadPricing starts from the defaults and applies the YAML file at path on top.
// An empty path returns the defaults.
//
//	default: 1.0
//	models:
//	  gpt-4o: 15
//	  my-finetune: 3.25
func LoadPricing(path string) (*Pricing, error) {
	p := DefaultPricing()
	if path == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}
	var f pricingFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse pricing file: %w", err)
	}
	if f.Default != nil {
		if *f.Default < 0 {
			return nil, fmt.Errorf("pricing: negative default multiplier")
		}
		p.def = toMilli(*f.Default)
	}
	for m, v := range f.Models {
		if v < 0 {
			return nil, fmt.Errorf("pricing: negative multiplier for %s", m)
		}
		p.models[m] = toMilli(v)
	}
	return p, nil
}

func toMilli(f float64) int64 { return int64(math.Round(f * milli)) }

func (p *Pricing) multiplierMilli(model string) int64 {
	if m, ok := p.models[model]; ok {
		return m
	}
	return p.def
}

// Multiplier returns the multiplier applied to model, falling back to the default.
func (p *Pricing) Multiplier(model string) float64 {
	return float64(p.multiplierMilli(model)) / milli
}

// Cost is ceil(tokens/1000 * multiplier). Non-positive token counts cost nothing.
func (p *Pricing) Cost(tokens int64, model string) int64 {
	if tokens <= 0 {
		return 0
	}
	m := p.multiplierMilli(model)
	const den = 1000 * milli
	if m == 0 {
		return 0
	}
	if tokens <= math.MaxInt64/m-den {
		return (tokens*m + den - 1) / den
	}
	num := new(big.Int).Mul(big.NewInt(tokens), big.NewInt(m))
	num.Add(num, big.NewInt(den-1))
	num.Quo(num, big.NewInt(den))
	if !num.IsInt64() {
		return math.MaxInt64
	}
	return num.Int64()
}

// ModelPrice is one row of the published price table.
type ModelPrice struct {
	Model      string  `json:"model"`
	Multiplier float64 `json:"multiplier"`
}

// Table lists the known models sorted by id, for the discovery document.
func (p *Pricing) Table() []ModelPrice {
	out := make([]ModelPrice, 0, len(p.models))
	for m, v := range p.models {
		out = append(out, ModelPrice{Model: m, Multiplier: float64(v) / milli})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// DefaultMultiplier applies to models missing from the table.
func (p *Pricing) DefaultMultiplier() float64 { return float64(p.def) / milli }

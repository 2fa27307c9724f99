package symbolspec

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownSymbol     = errors.New("unsupported symbol")
	ErrNotListed         = errors.New("symbol not listed on exchange")
	ErrQuantityBelowStep = errors.New("quantity rounds to zero at instrument step")
	ErrQuantityBelowMin  = errors.New("quantity below instrument minimum")
	ErrInvalidInstrument = errors.New("invalid instrument definition")
)

// Spec defines precision and step constraints for a canonical instrument.
type Spec struct {
	Symbol       string            `yaml:"symbol"`
	TickSize     decimal.Decimal   `yaml:"tick_size"`
	StepSize     decimal.Decimal   `yaml:"step_size"`
	MinQuantity  decimal.Decimal   `yaml:"min_quantity"`
	ContractSize decimal.Decimal   `yaml:"contract_size"` // units per lot (FX) or per contract; 1 when empty
	Venues       map[string]string `yaml:"venues"`        // exchange id -> venue symbol
}

// VenueSymbol returns the exchange-native symbol
func (s Spec) VenueSymbol(exchangeID string) (string, error) {
	if v, ok := s.Venues[exchangeID]; ok && v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrNotListed, s.Symbol, exchangeID)
}

// NormalizeQuantity floors qty to the step size and checks the minimum
func (s Spec) NormalizeQuantity(qty decimal.Decimal) (decimal.Decimal, error) {
	q := FloorToStep(qty, s.StepSize)
	if !q.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s step %s", ErrQuantityBelowStep, qty, s.StepSize)
	}
	if s.MinQuantity.IsPositive() && q.LessThan(s.MinQuantity) {
		return decimal.Zero, fmt.Errorf("%w: %s < %s", ErrQuantityBelowMin, q, s.MinQuantity)
	}
	return q, nil
}

// NormalizePrice rounds price to the nearest tick
func (s Spec) NormalizePrice(price decimal.Decimal) decimal.Decimal {
	return RoundToTick(price, s.TickSize)
}

// Units converts a lot quantity into base units using the contract size
func (s Spec) Units(qty decimal.Decimal) decimal.Decimal {
	if !s.ContractSize.IsPositive() {
		return qty
	}
	return qty.Mul(s.ContractSize)
}

// Lots converts base units back into lots
func (s Spec) Lots(units decimal.Decimal) decimal.Decimal {
	if !s.ContractSize.IsPositive() {
		return units
	}
	return units.Div(s.ContractSize)
}

// Catalog is the instrument catalog shared by all adapters.
type Catalog struct {
	mu      sync.RWMutex
	specs   map[string]Spec
	reverse map[string]map[string]string // exchange id -> venue symbol -> canonical
}

type catalogFile struct {
	Instruments []Spec `yaml:"instruments"`
}

// NewCatalog creates a catalog from instrument definitions
func NewCatalog(specs ...Spec) (*Catalog, error) {
	c := &Catalog{
		specs:   make(map[string]Spec),
		reverse: make(map[string]map[string]string),
	}
	for _, s := range specs {
		if err := c.Add(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// LoadCatalog reads a YAML instrument catalog from disk
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instrument catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses a YAML instrument catalog
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse instrument catalog: %w", err)
	}
	return NewCatalog(f.Instruments...)
}

// Add registers or replaces an instrument
func (c *Catalog) Add(s Spec) error {
	s.Symbol = canonical(s.Symbol)
	if s.Symbol == "" || !s.StepSize.IsPositive() || !s.TickSize.IsPositive() {
		return fmt.Errorf("%w: %q", ErrInvalidInstrument, s.Symbol)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.specs[s.Symbol] = s
	for exchangeID, venueSymbol := range s.Venues {
		m, ok := c.reverse[exchangeID]
		if !ok {
			m = make(map[string]string)
			c.reverse[exchangeID] = m
		}
		m[venueSymbol] = s.Symbol
	}
	return nil
}

// Get returns the symbol spec.
func (c *Catalog) Get(symbol string) (Spec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	spec, ok := c.specs[canonical(symbol)]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return spec, nil
}

// Canonical maps an exchange-native symbol back to the canonical symbol
func (c *Catalog) Canonical(exchangeID, venueSymbol string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if sym, ok := c.reverse[exchangeID][venueSymbol]; ok {
		return sym, nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrUnknownSymbol, venueSymbol, exchangeID)
}

func canonical(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

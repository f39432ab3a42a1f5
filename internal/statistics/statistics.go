// Package statistics defines the cumulative statistics derived from portal
// readings and the value types exchanged with the statistics store.
package statistics

import (
	"fmt"
	"time"

	"github.com/andygrunwald/greenchoice-importer/internal/models"
)

// Source is the namespace of every statistic produced by the importer.
const Source = "greenchoice"

// Units and unit classes. The store uses the class to reject unit changes
// across families for an existing statistic.
const (
	UnitKilowattHour = "kWh"
	UnitCubicMeter   = "m³"
	UnitEuro         = "EUR"

	ClassEnergy   = "energy"
	ClassVolume   = "volume"
	ClassMonetary = "monetary"
)

// ValueFunc extracts the hourly value of a statistic from one reading.
type ValueFunc func(models.ConsumptionData) float64

// Definition describes one cumulative statistic.
type Definition struct {
	UniqueID    string
	Name        string
	ProductType string
	Unit        string
	UnitClass   string
	Value       ValueFunc
}

// StatisticID is the identifier under which the statistic is stored.
func (d Definition) StatisticID() string {
	return Source + ":" + d.UniqueID
}

// Metadata returns the store metadata for the statistic.
func (d Definition) Metadata() Metadata {
	return Metadata{
		StatisticID: d.StatisticID(),
		Source:      Source,
		Name:        "Greenchoice " + d.Name,
		Unit:        d.Unit,
		UnitClass:   d.UnitClass,
		HasSum:      true,
	}
}

// Metadata accompanies every batch of points appended to the store.
type Metadata struct {
	StatisticID string
	Source      string
	Name        string
	Unit        string
	UnitClass   string
	HasSum      bool
}

// Point is one hourly value and the running sum up to and including it.
type Point struct {
	Start time.Time
	State float64
	Sum   float64
}

// LastStatistic is the most recent point recorded for a statistic.
// Found is false when the statistic has no history; Sum is then 0.
type LastStatistic struct {
	Start time.Time
	Sum   float64
	Found bool
}

// Catalog is an immutable, ordered set of definitions.
type Catalog struct {
	defs []Definition
}

// NewCatalog builds a catalog. Identifiers must be unique and every
// definition needs a value function.
func NewCatalog(defs ...Definition) (Catalog, error) {
	seen := make(map[string]struct{}, len(defs))
	out := make([]Definition, 0, len(defs))
	for _, d := range defs {
		if d.UniqueID == "" {
			return Catalog{}, fmt.Errorf("statistic %q: missing unique id", d.Name)
		}
		if d.Value == nil {
			return Catalog{}, fmt.Errorf("statistic %s: missing value function", d.UniqueID)
		}
		if _, ok := seen[d.UniqueID]; ok {
			return Catalog{}, fmt.Errorf("statistic %s: duplicate unique id", d.UniqueID)
		}
		seen[d.UniqueID] = struct{}{}
		out = append(out, d)
	}
	return Catalog{defs: out}, nil
}

// Definitions returns a copy of the catalog entries in catalog order.
func (c Catalog) Definitions() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// StatisticIDs returns the store identifiers of all entries.
func (c Catalog) StatisticIDs() []string {
	ids := make([]string, 0, len(c.defs))
	for _, d := range c.defs {
		ids = append(ids, d.StatisticID())
	}
	return ids
}

// Len returns the number of entries.
func (c Catalog) Len() int {
	return len(c.defs)
}

func consumptionLow(d models.ConsumptionData) float64   { return d.ConsumptionLow }
func consumptionHigh(d models.ConsumptionData) float64  { return d.ConsumptionHigh }
func consumptionTotal(d models.ConsumptionData) float64 { return d.ConsumptionTotal }
func costTotal(d models.ConsumptionData) float64        { return d.CostsTotalConsumption }

// Default returns the eight statistics imported from the portal.
func Default() Catalog {
	c, err := NewCatalog(
		Definition{"electricity_consumption_low", "Electricity Consumption Low", models.ProductElectricity, UnitKilowattHour, ClassEnergy, consumptionLow},
		Definition{"electricity_consumption_high", "Electricity Consumption High", models.ProductElectricity, UnitKilowattHour, ClassEnergy, consumptionHigh},
		Definition{"electricity_consumption_total", "Electricity Consumption Total", models.ProductElectricity, UnitKilowattHour, ClassEnergy, consumptionTotal},
		Definition{"gas_consumption_low", "Gas Consumption Low", models.ProductGas, UnitCubicMeter, ClassVolume, consumptionLow},
		Definition{"gas_consumption_high", "Gas Consumption High", models.ProductGas, UnitCubicMeter, ClassVolume, consumptionHigh},
		Definition{"gas_consumption_total", "Gas Consumption Total", models.ProductGas, UnitCubicMeter, ClassVolume, consumptionTotal},
		Definition{"electricity_cost_total", "Electricity Cost Total", models.ProductElectricity, UnitEuro, ClassMonetary, costTotal},
		Definition{"gas_cost_total", "Gas Cost Total", models.ProductGas, UnitEuro, ClassMonetary, costTotal},
	)
	if err != nil {
		panic(err)
	}
	return c
}

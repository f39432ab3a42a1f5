// Package models provides shared data types for the Greenchoice importer.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Product types reported by the portal.
const (
	ProductElectricity = "electricity"
	ProductGas         = "gas"
)

// ConsumptionData holds one hour of readings for one product.
type ConsumptionData struct {
	ConsumptionHigh       float64 `json:"consumptionHigh"`
	ConsumptionLow        float64 `json:"consumptionLow"`
	ConsumptionTotal      float64 `json:"consumptionTotal"`
	CostsTotalConsumption float64 `json:"costsTotalConsumption"`
	CostsConsumptionHigh  float64 `json:"costsConsumptionHigh"`
	CostsConsumptionLow   float64 `json:"costsConsumptionLow"`
	CostsFixed            float64 `json:"costsFixed"`
	CostsTotal            float64 `json:"costsTotal"`
}

// ProductConsumption holds the hourly readings of one product, keyed by the
// start of the hour.
type ProductConsumption struct {
	ProductType string
	UnitType    string
	Values      map[time.Time]ConsumptionData
}

// Consumption is the decoded response of the consumption endpoint.
type Consumption struct {
	Interval string
	Start    time.Time
	End      time.Time
	Entries  []ProductConsumption
}

// wire types; timestamps arrive as map keys and as strings that may lack an offset.
type consumptionJSON struct {
	Interval string                   `json:"interval"`
	Start    string                   `json:"start"`
	End      string                   `json:"end"`
	Entries  []productConsumptionJSON `json:"entries"`
}

type productConsumptionJSON struct {
	ProductType string                         `json:"productType"`
	UnitType    string                         `json:"unitType"`
	Values      map[string]consumptionDataJSON `json:"values"`
}

// consumptionDataJSON uses pointers so that absent and null fields can be
// told apart from zero readings.
type consumptionDataJSON struct {
	ConsumptionHigh       *float64 `json:"consumptionHigh"`
	ConsumptionLow        *float64 `json:"consumptionLow"`
	ConsumptionTotal      *float64 `json:"consumptionTotal"`
	CostsTotalConsumption *float64 `json:"costsTotalConsumption"`
	CostsConsumptionHigh  *float64 `json:"costsConsumptionHigh"`
	CostsConsumptionLow   *float64 `json:"costsConsumptionLow"`
	CostsFixed            *float64 `json:"costsFixed"`
	CostsTotal            *float64 `json:"costsTotal"`
}

// data returns the reading. Every field is required.
func (v consumptionDataJSON) data() (ConsumptionData, error) {
	fields := []struct {
		name  string
		value *float64
	}{
		{"consumptionHigh", v.ConsumptionHigh},
		{"consumptionLow", v.ConsumptionLow},
		{"consumptionTotal", v.ConsumptionTotal},
		{"costsTotalConsumption", v.CostsTotalConsumption},
		{"costsConsumptionHigh", v.CostsConsumptionHigh},
		{"costsConsumptionLow", v.CostsConsumptionLow},
		{"costsFixed", v.CostsFixed},
		{"costsTotal", v.CostsTotal},
	}
	var missing []string
	for _, f := range fields {
		if f.value == nil {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return ConsumptionData{}, fmt.Errorf("missing or null fields %s", strings.Join(missing, ", "))
	}
	return ConsumptionData{
		ConsumptionHigh:       *v.ConsumptionHigh,
		ConsumptionLow:        *v.ConsumptionLow,
		ConsumptionTotal:      *v.ConsumptionTotal,
		CostsTotalConsumption: *v.CostsTotalConsumption,
		CostsConsumptionHigh:  *v.CostsConsumptionHigh,
		CostsConsumptionLow:   *v.CostsConsumptionLow,
		CostsFixed:            *v.CostsFixed,
		CostsTotal:            *v.CostsTotal,
	}, nil
}

// DecodeConsumption decodes a consumption response body. Timestamps without a
// UTC offset are interpreted in loc.
func DecodeConsumption(body []byte, loc *time.Location) (*Consumption, error) {
	var raw consumptionJSON
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if raw.Entries == nil {
		return nil, fmt.Errorf("parsing response JSON: missing entries")
	}

	start, err := ParseTimestamp(raw.Start, loc)
	if err != nil {
		return nil, fmt.Errorf("parsing start: %w", err)
	}
	end, err := ParseTimestamp(raw.End, loc)
	if err != nil {
		return nil, fmt.Errorf("parsing end: %w", err)
	}

	c := &Consumption{
		Interval: raw.Interval,
		Start:    start,
		End:      end,
		Entries:  make([]ProductConsumption, 0, len(raw.Entries)),
	}
	for _, e := range raw.Entries {
		if e.ProductType == "" {
			return nil, fmt.Errorf("parsing entry: missing productType")
		}
		pc := ProductConsumption{
			ProductType: e.ProductType,
			UnitType:    e.UnitType,
			Values:      make(map[time.Time]ConsumptionData, len(e.Values)),
		}
		for ts, v := range e.Values {
			t, err := ParseTimestamp(ts, loc)
			if err != nil {
				return nil, fmt.Errorf("parsing %s value timestamp: %w", e.ProductType, err)
			}
			data, err := v.data()
			if err != nil {
				return nil, fmt.Errorf("parsing %s value at %s: %w", e.ProductType, ts, err)
			}
			pc.Values[t] = data
		}
		c.Entries = append(c.Entries, pc)
	}

	return c, nil
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp parses an ISO 8601 timestamp. Values without a UTC offset are
// interpreted in loc. The result is normalised to UTC so that equal instants
// compare equal as map keys.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// RunStatus describes the most recent import run.
type RunStatus struct {
	LastRunAt      *time.Time     `json:"last_run_at"`
	LastRunSuccess bool           `json:"last_run_success"`
	LastDurationMs int64          `json:"last_duration_ms"`
	LastError      *string        `json:"last_error"`
	LastEmitted    map[string]int `json:"last_emitted,omitempty"`
	TotalRuns      int64          `json:"total_runs"`
	TotalErrors    int64          `json:"total_errors"`
	SkippedRuns    int64          `json:"skipped_runs"`
	InProgress     bool           `json:"in_progress"`
}

// StatusResponse is the response for the /status endpoint.
type StatusResponse struct {
	Status                string         `json:"status"`
	UptimeSeconds         int64          `json:"uptime_seconds"`
	SchedulerRunning      bool           `json:"scheduler_running"`
	NextImportAt          *time.Time     `json:"next_import_at,omitempty"`
	LastScheduledImportAt *time.Time     `json:"last_scheduled_import_at,omitempty"`
	Import                RunStatus      `json:"import"`
	Database              DatabaseStatus `json:"database"`
}

// DatabaseStatus holds the database connection status.
type DatabaseStatus struct {
	Connected         bool  `json:"connected"`
	TotalPointsStored int64 `json:"total_points_stored"`
}

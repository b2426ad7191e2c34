// Package measure provides unit-tagged scalar measurements, time-bounded
// sample sequences (IOData), and the tick-based timestamp representation
// used by the persisted file format.
package measure

import (
	"fmt"
	"math"
	"time"
)

// UnitFieldWidth is the width of the persisted unit field in bytes.
// Units longer than this are silently truncated on write; this is a
// persistent-format invariant and must not be widened without a file
// version bump.
const UnitFieldWidth = 10

// SI prefix scale factors from display unit to base unit.
var siPrefixes = map[byte]float64{
	'p': 1e-12,
	'n': 1e-9,
	'u': 1e-6,
	'm': 1e-3,
	'k': 1e3,
	'M': 1e6,
	'G': 1e9,
}

// Measurement is a scalar quantity with a display unit and the
// equivalent quantity expressed in the base unit.
type Measurement struct {
	Quantity           float64
	DisplayUnit        string
	BaseUnit           string
	QuantityInBaseUnit float64
}

// New creates a Measurement whose display unit is already the base unit.
func New(quantity float64, unit string) Measurement {
	return Measurement{
		Quantity:           quantity,
		DisplayUnit:        unit,
		BaseUnit:           unit,
		QuantityInBaseUnit: quantity,
	}
}

// NewScaled creates a Measurement with an SI-prefixed display unit.
// "mV" yields BaseUnit "V" with the quantity scaled by 1e-3. A display
// unit without a recognized prefix behaves like New.
func NewScaled(quantity float64, displayUnit string) Measurement {
	if len(displayUnit) >= 2 {
		if scale, ok := siPrefixes[displayUnit[0]]; ok {
			return Measurement{
				Quantity:           quantity,
				DisplayUnit:        displayUnit,
				BaseUnit:           displayUnit[1:],
				QuantityInBaseUnit: quantity * scale,
			}
		}
	}
	return New(quantity, displayUnit)
}

// String renders the measurement as "<quantity> <unit>".
func (m Measurement) String() string {
	return fmt.Sprintf("%g %s", m.Quantity, m.DisplayUnit)
}

// Equal reports whether two measurements agree in base-unit terms.
func (m Measurement) Equal(o Measurement) bool {
	return m.BaseUnit == o.BaseUnit && m.QuantityInBaseUnit == o.QuantityInBaseUnit
}

// TruncatedUnit returns the display unit clipped to the persisted field
// width. The result is not NUL terminated when the unit fills the field;
// readers must stop at NUL or at UnitFieldWidth bytes.
func (m Measurement) TruncatedUnit() string {
	if len(m.DisplayUnit) > UnitFieldWidth {
		return m.DisplayUnit[:UnitFieldWidth]
	}
	return m.DisplayUnit
}

// .NET DateTimeOffset ticks: 100ns intervals since 0001-01-01T00:00:00.
// unixEpochTicks is the tick count at the Unix epoch.
const unixEpochTicks int64 = 621355968000000000

// DotNetTicks converts a time to .NET DateTimeOffset ticks.
func DotNetTicks(t time.Time) int64 {
	return unixEpochTicks + t.UnixNano()/100
}

// OffsetHours returns the time's UTC offset in hours.
func OffsetHours(t time.Time) float64 {
	_, offset := t.Zone()
	return float64(offset) / 3600
}

// FromDotNetTicks reconstructs a time from a tick count and UTC offset
// in hours.
func FromDotNetTicks(ticks int64, offsetHours float64) time.Time {
	ns := (ticks - unixEpochTicks) * 100
	secs := int(math.Round(offsetHours * 3600))
	loc := time.UTC
	if secs != 0 {
		loc = time.FixedZone("", secs)
	}
	return time.Unix(0, ns).In(loc)
}

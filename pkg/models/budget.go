package models

// BudgetBands holds the conservative, target and stretch price ranges parsed
// out of a budget strategy. A nil field was not found in the text.
type BudgetBands struct {
	ConservativeMin *float64 `json:"conservative_min"`
	ConservativeMax *float64 `json:"conservative_max"`
	TargetMin       *float64 `json:"target_min"`
	TargetMax       *float64 `json:"target_max"`
	StretchMin      *float64 `json:"stretch_min"`
	StretchMax      *float64 `json:"stretch_max"`
}

// Band names in document order.
const (
	BandConservative = "conservative"
	BandTarget       = "target"
	BandStretch      = "stretch"
)

// BandNames lists the bands in the order they are resolved.
var BandNames = []string{BandConservative, BandTarget, BandStretch}

// Band returns the min and max pointers for the named band.
func (b *BudgetBands) Band(name string) (min, max **float64) {
	switch name {
	case BandConservative:
		return &b.ConservativeMin, &b.ConservativeMax
	case BandTarget:
		return &b.TargetMin, &b.TargetMax
	case BandStretch:
		return &b.StretchMin, &b.StretchMax
	}
	return nil, nil
}

// Complete reports whether both ends of the named band are set.
func (b BudgetBands) Complete(name string) bool {
	min, max := b.Band(name)
	if min == nil {
		return false
	}
	return *min != nil && *max != nil
}

// Any reports whether at least one band is complete.
func (b BudgetBands) Any() bool {
	for _, name := range BandNames {
		if b.Complete(name) {
			return true
		}
	}
	return false
}

package mathextra

func EwmaAdd(ewma float64, weight float64, ob float64) float64 {
	return (1-weight)*ewma + weight*ob
}

// Ewma is a running exponentially weighted moving average. The first
// observation seeds it.
type Ewma struct {
	Weight float64
	value  float64
	seeded bool
}

func NewEwma(weight float64) *Ewma {
	return &Ewma{Weight: weight}
}

func (e *Ewma) Add(ob float64) float64 {
	if !e.seeded {
		e.value = ob
		e.seeded = true
		return e.value
	}
	e.value = EwmaAdd(e.value, e.Weight, ob)
	return e.value
}

func (e *Ewma) Value() float64 {
	return e.value
}

package domain

// Outcome is the result of a best-effort side effect. It never carries a failure back into
// the primary operation; callers log it and move on.
type Outcome struct {
	Effect string
	Err    error
}

func Succeeded(effect string) Outcome {
	return Outcome{Effect: effect}
}

func Failed(effect string, err error) Outcome {
	return Outcome{Effect: effect, Err: err}
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

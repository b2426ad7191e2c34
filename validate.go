package daq

// ValidateEpoch checks an epoch's shape before it may run or queue:
// an indefinite epoch may not register responses, and every stimulus
// must span exactly the epoch's duration: both the definiteness flag
// and the length must match.
func ValidateEpoch(e *Epoch) error {
	if e == nil {
		return NewError("ValidateEpoch", ErrCodeShape, "nil epoch")
	}
	duration, definite := e.Duration()

	if !definite && len(e.Responses()) > 0 {
		return NewError("ValidateEpoch", ErrCodeShape, "an indefinite epoch may not record responses")
	}

	for ref, s := range e.Stimuli() {
		sd, sDefinite := s.Duration()
		if sDefinite != definite {
			return NewDeviceError("ValidateEpoch", ref.Name, ErrCodeShape,
				"stimulus definiteness does not match the epoch")
		}
		if definite && sd != duration {
			return NewDeviceError("ValidateEpoch", ref.Name, ErrCodeShape,
				"stimulus duration does not equal the epoch duration")
		}
	}
	return nil
}
